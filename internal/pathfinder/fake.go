package pathfinder

import (
	"sync"

	"github.com/google/uuid"

	"github.com/overlaymesh/sessiond/internal/wire"
)

// FakeBus is an in-process EventEmitter with no real transport: Publish
// appends to a recorded log and Subscribe delivers synchronously, matching
// requirement that event emission be synchronous. It exists for
// tests and for the single-node cmd/sessiond default configuration, where
// there is no separate pathfinder process to talk to.
type FakeBus struct {
	mu          sync.Mutex
	subscribers []func(wire.Frame)
	published   []wire.Frame
}

// NewFakeBus creates an empty FakeBus.
func NewFakeBus() *FakeBus {
	return &FakeBus{}
}

// Publish implements EventEmitter: it records frame and hands it to every
// subscriber in registration order.
func (b *FakeBus) Publish(frame wire.Frame) error {
	b.mu.Lock()
	b.published = append(b.published, frame)
	subs := append([]func(wire.Frame){}, b.subscribers...)
	b.mu.Unlock()
	for _, s := range subs {
		s(frame)
	}
	return nil
}

// Subscribe implements EventEmitter.
func (b *FakeBus) Subscribe(handler func(wire.Frame)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, handler)
	idx := len(b.subscribers) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.subscribers) {
			b.subscribers[idx] = func(wire.Frame) {}
		}
	}
}

// Published returns a snapshot of every frame recorded so far, for test
// assertions.
func (b *FakeBus) Published() []wire.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]wire.Frame{}, b.published...)
}

// Deliver injects an inbound frame as if it came from a pathfinder, for
// driving session manager handlers in tests without a real bus round trip.
func (b *FakeBus) Deliver(frame wire.Frame) {
	b.mu.Lock()
	subs := append([]func(wire.Frame){}, b.subscribers...)
	b.mu.Unlock()
	for _, s := range subs {
		s(frame)
	}
}

// NewPathfinderID mints a pseudo-random 32-bit pathfinder id derived from a
// UUID, for tests that need a stable but non-zero, non-broadcast id to
// target replies at.
func NewPathfinderID() uint32 {
	for {
		id := uuid.New()
		b := id[:]
		v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
		if v != 0 && v != wire.BroadcastPathfinder {
			return v
		}
	}
}
