package loom

import (
	"context"
	"sync"
)

// PubSub is the message bus contract agents use for async I/O. Publish
// must not block on slow subscribers; delivery is best-effort fan-out.
type PubSub interface {
	// Subscribe returns a receive channel for the topic and a function
	// that cancels the subscription and closes the channel.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error)
	// Publish sends payload to every current subscriber of the topic.
	Publish(ctx context.Context, topic string, payload []byte) error
}

// memorySubBuffer is the per-subscriber channel depth. Full buffers drop
// new messages rather than block the publisher.
const memorySubBuffer = 64

// MemoryBus is an in-process PubSub for single-binary deployments and
// tests. Safe for concurrent use.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan []byte
	nextID int
	closed bool
}

var _ PubSub = (*MemoryBus)(nil)

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]chan []byte)}
}

// Subscribe registers a new subscriber for topic. The returned cancel
// function is idempotent.
func (b *MemoryBus) Subscribe(_ context.Context, topic string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrBusClosed
	}
	id := b.nextID
	b.nextID++
	ch := make(chan []byte, memorySubBuffer)
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan []byte)
	}
	b.subs[topic][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[topic]; ok {
				if _, ok := set[id]; ok {
					delete(set, id)
					close(ch)
					if len(set) == 0 {
						delete(b.subs, topic)
					}
				}
			}
		})
	}
	return ch, cancel, nil
}

// Publish fans payload out to current subscribers. Subscribers whose
// buffers are full are skipped.
func (b *MemoryBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Close tears down every subscription. Subsequent calls are no-ops.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, set := range b.subs {
		for _, ch := range set {
			close(ch)
		}
		delete(b.subs, topic)
	}
}
