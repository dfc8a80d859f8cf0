package core

import "sync"

// Packet is an intercepted IPv4 packet as seen by the decision engine. The
// platform layer supplies the concrete type.
type Packet interface {
	// Data returns the packet bytes starting at the IPv4 header.
	Data() []byte

	// Copy returns a private copy the caller owns. It fails with
	// ErrAllocation when no buffer can be obtained.
	Copy() (Packet, error)

	// Forward re-injects the packet into the normal send path.
	Forward() error

	// Discard releases the packet without sending it.
	Discard()
}

// Continuation re-injects a queued packet. It is invoked at most once per
// queued packet. A nil Continuation means pkt.Forward.
type Continuation func(pkt Packet) error

// BufferPacket is a heap-backed Packet. Forward delegates to Sink; with a nil
// Sink forwarding is a no-op.
type BufferPacket struct {
	buf  []byte
	Sink func(data []byte) error

	mu        sync.Mutex
	discarded bool
	forwarded bool
}

// NewBufferPacket wraps data without copying it.
func NewBufferPacket(data []byte, sink func(data []byte) error) *BufferPacket {
	return &BufferPacket{buf: data, Sink: sink}
}

// Data implements Packet.
func (p *BufferPacket) Data() []byte { return p.buf }

// Copy implements Packet.
func (p *BufferPacket) Copy() (Packet, error) {
	if p.buf == nil {
		return nil, ErrAllocation
	}
	buf := make([]byte, len(p.buf))
	copy(buf, p.buf)
	return &BufferPacket{buf: buf, Sink: p.Sink}, nil
}

// Forward implements Packet.
func (p *BufferPacket) Forward() error {
	p.mu.Lock()
	if p.discarded || p.forwarded {
		p.mu.Unlock()
		return ErrPacketConsumed
	}
	p.forwarded = true
	p.mu.Unlock()

	if p.Sink == nil {
		return nil
	}
	return p.Sink(p.buf)
}

// Discard implements Packet.
func (p *BufferPacket) Discard() {
	p.mu.Lock()
	p.discarded = true
	p.buf = nil
	p.mu.Unlock()
}

// Discarded reports whether Discard was called.
func (p *BufferPacket) Discarded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discarded
}
