// Package mpegts provides transport-stream packet helpers: alignment,
// keepalive/error packet construction, and codec discovery from PMT data.
package mpegts

// PacketSize is the fixed MPEG-TS packet length in bytes.
const PacketSize = 188

// SyncByte starts every TS packet.
const SyncByte = 0x47

// nullPID is the padding PID players discard (0x1FFF).
// errorPID is a distinct reserved PID used for injected error packets so
// instrumented clients can tell the two apart.
const (
	nullPID  = 0x1FFF
	errorPID = 0x1FFE
)

// Aligned reports whether data is a whole number of TS packets starting
// on a sync byte.
func Aligned(data []byte) bool {
	if len(data) == 0 || len(data)%PacketSize != 0 {
		return false
	}
	return data[0] == SyncByte
}

// AlignedPrefixLen returns the largest multiple of PacketSize not
// exceeding n.
func AlignedPrefixLen(n int) int {
	return n - n%PacketSize
}

// buildPacket assembles a single packet on the given PID with an optional
// UTF-8 status string embedded in the payload.
func buildPacket(pid uint16, status string) []byte {
	pkt := make([]byte, PacketSize)
	pkt[0] = SyncByte
	pkt[1] = byte(pid >> 8 & 0x1F)
	pkt[2] = byte(pid & 0xFF)
	pkt[3] = 0x10 // payload only, continuity 0

	for i := 4; i < PacketSize; i++ {
		pkt[i] = 0xFF
	}
	if status != "" {
		copy(pkt[4:PacketSize-4], status)
	}
	return pkt
}

// KeepalivePacket builds a null-PID packet emitted to clients during
// stalls so players do not detect EOF. The status string is a debugging
// aid and is truncated to fit.
func KeepalivePacket(status string) []byte {
	return buildPacket(nullPID, status)
}

// ErrorPacket builds the final packet sent before disconnecting a client
// when the channel fails. It uses a distinct PID so client-side tooling
// can observe the injection.
func ErrorPacket(status string) []byte {
	return buildPacket(errorPID, status)
}
