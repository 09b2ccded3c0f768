package reactor

import "github.com/deferio/reactor/internal/packet"

// Packet is one outbound unit queued via Write2: either an in-memory
// buffer or a file range, with a deallocator guaranteed to run exactly
// once (spec.md §3, invariant 3).
type Packet = packet.Packet

// NewBufferPacket builds a Packet that sends buf. dealloc, if non-nil,
// runs exactly once after buf has either been fully sent or abandoned.
func NewBufferPacket(buf []byte, dealloc func()) *Packet {
	return &Packet{Buffer: buf, Dealloc: dealloc}
}

// NewFilePacket builds a Packet that sends length bytes of f starting at
// offset, using sendfile when the connection's hooks are the default ones.
func NewFilePacket(f interface {
	ReadAt(p []byte, off int64) (int, error)
}, offset, length int64, dealloc func()) *Packet {
	return &Packet{File: f, FileOffset: offset, FileLength: length, Dealloc: dealloc}
}

// NewUrgentBufferPacket is NewBufferPacket with Urgent set, inserting the
// packet at the head of the queue (but never ahead of a packet already
// mid-transmission).
func NewUrgentBufferPacket(buf []byte, dealloc func()) *Packet {
	p := NewBufferPacket(buf, dealloc)
	p.Urgent = true
	return p
}
