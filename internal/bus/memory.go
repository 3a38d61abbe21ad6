package bus

import (
	"context"
	"sync"
)

// subscriberBuffer bounds each subscriber's inbox. A subscriber that falls
// this far behind starts losing messages, which matches the bus contract
// (no delivery guarantee).
const subscriberBuffer = 256

// MemoryBus is an in-process Bus used by tests and by strangerloopd's
// single-process mode. Each subscriber gets its own buffered inbox drained
// by a dedicated pump goroutine, so per-sender order is preserved while
// slow handlers cannot block publishers.
type MemoryBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Message
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]chan Message)}
}

// Publish fans the message out to every current subscriber. A full inbox
// drops the message for that subscriber only.
func (b *MemoryBus) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, inbox := range b.subs {
		select {
		case inbox <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers a handler and starts its pump goroutine.
func (b *MemoryBus) Subscribe(_ context.Context, h Handler) (func(), error) {
	inbox := make(chan Message, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = inbox
	b.mu.Unlock()

	go func() {
		for msg := range inbox {
			h(msg)
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(inbox)
		})
	}
	return unsubscribe, nil
}
