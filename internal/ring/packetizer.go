package ring

import (
	"github.com/rvierich/tsrelay/internal/mpegts"
)

// Packetizer converts an arbitrary byte stream into TS-aligned chunks of
// roughly the target size. It keeps a sub-packet tail between pushes so
// every emitted chunk starts on a packet boundary, and accumulates whole
// packets until the target size is reached, amortizing store writes.
type Packetizer struct {
	target int
	tail   []byte
	acc    []byte
}

// NewPacketizer creates a packetizer with the given target chunk size.
// The target is rounded down to a multiple of the TS packet size; targets
// below one packet are raised to a single packet.
func NewPacketizer(target int) *Packetizer {
	target = mpegts.AlignedPrefixLen(target)
	if target < mpegts.PacketSize {
		target = mpegts.PacketSize
	}
	return &Packetizer{target: target}
}

// Push feeds source bytes in and returns the chunk to flush, or nil if
// the accumulator has not reached the target size yet.
func (p *Packetizer) Push(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}

	buf := data
	if len(p.tail) > 0 {
		buf = append(p.tail, data...)
	}

	aligned := mpegts.AlignedPrefixLen(len(buf))
	p.tail = append([]byte(nil), buf[aligned:]...)
	if aligned == 0 {
		return nil
	}

	p.acc = append(p.acc, buf[:aligned]...)
	if len(p.acc) < p.target {
		return nil
	}

	chunk := p.acc
	p.acc = nil
	return chunk
}

// Flush returns whatever complete packets remain in the accumulator.
// Called on shutdown; sub-packet tail bytes are discarded.
func (p *Packetizer) Flush() []byte {
	chunk := p.acc
	p.acc = nil
	if len(chunk) < mpegts.PacketSize {
		return nil
	}
	return chunk
}

// Pending returns the number of accumulated aligned bytes not yet flushed.
func (p *Packetizer) Pending() int {
	return len(p.acc)
}
