package interceptor

import (
	"sync"
	"sync/atomic"
)

// EventBroker fans committed transactions out to live subscribers. A
// subscriber whose buffer is full misses events rather than stalling the
// request path.
type EventBroker struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Transaction
	nextID uint64

	// BufferSize is the per-subscriber channel capacity.
	BufferSize int

	dropped atomic.Int64
}

// NewEventBroker creates an EventBroker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		subs:       make(map[uint64]chan Transaction),
		BufferSize: 64,
	}
}

// Subscribe registers a subscriber. The returned cancel function
// unregisters it and closes the channel.
func (b *EventBroker) Subscribe() (<-chan Transaction, func()) {
	size := b.BufferSize
	if size <= 0 {
		size = 1
	}
	ch := make(chan Transaction, size)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers t to every subscriber without blocking.
func (b *EventBroker) Publish(t Transaction) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- t.Clone():
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *EventBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (b *EventBroker) Dropped() int64 {
	return b.dropped.Load()
}
