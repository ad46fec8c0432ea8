package mpegts

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAligned(t *testing.T) {
	pkt := make([]byte, PacketSize)
	pkt[0] = SyncByte

	assert.True(t, Aligned(pkt))
	assert.True(t, Aligned(append(append([]byte{}, pkt...), pkt...)))

	assert.False(t, Aligned(nil))
	assert.False(t, Aligned(pkt[:100]))

	noSync := make([]byte, PacketSize)
	assert.False(t, Aligned(noSync))
}

func TestAlignedPrefixLen(t *testing.T) {
	assert.Equal(t, 0, AlignedPrefixLen(0))
	assert.Equal(t, 0, AlignedPrefixLen(187))
	assert.Equal(t, 188, AlignedPrefixLen(188))
	assert.Equal(t, 188, AlignedPrefixLen(375))
	assert.Equal(t, 376, AlignedPrefixLen(376))
}

func packetPID(pkt []byte) uint16 {
	return uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])
}

func TestKeepalivePacket(t *testing.T) {
	pkt := KeepalivePacket("waiting for stream")
	assert.Len(t, pkt, PacketSize)
	assert.Equal(t, byte(SyncByte), pkt[0])
	assert.Equal(t, uint16(0x1FFF), packetPID(pkt))
	assert.Equal(t, byte(0x10), pkt[3])
	assert.True(t, bytes.Contains(pkt, []byte("waiting for stream")))
}

func TestErrorPacket(t *testing.T) {
	pkt := ErrorPacket("stream error")
	assert.Len(t, pkt, PacketSize)
	assert.Equal(t, byte(SyncByte), pkt[0])
	assert.Equal(t, uint16(0x1FFE), packetPID(pkt))
	assert.True(t, bytes.Contains(pkt, []byte("stream error")))
}

func TestStatusTruncatedToPayload(t *testing.T) {
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	pkt := KeepalivePacket(string(long))
	assert.Len(t, pkt, PacketSize)
	// Trailing stuffing bytes stay untouched.
	assert.Equal(t, byte('x'), pkt[PacketSize-5])
	assert.Equal(t, byte(0xFF), pkt[PacketSize-1])
}
