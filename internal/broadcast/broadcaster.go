// Package broadcast fans committed events out to in-process subscribers.
//
// Delivery is best-effort: a subscriber whose buffer is full misses the
// event rather than blocking the producer. Producers publish after their
// mutation has been committed to the registry, so a subscriber that
// drops an event can always recover current state from a query.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"lmsr-exchange/pkg/types"
)

// Bus is an in-process event broadcaster. The zero value is not usable;
// construct with NewBus.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan types.Event
	logger *slog.Logger

	dropped atomic.Uint64
}

// NewBus creates an empty broadcaster.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan types.Event),
		logger: logger.With("component", "broadcast"),
	}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its event channel plus an unsubscribe func. Unsubscribing
// closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan types.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan types.Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer space.
func (b *Bus) Publish(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug("subscriber buffer full, dropping event",
				"type", ev.Type, "market_id", ev.MarketID)
		}
	}
}

// Dropped reports the total number of events dropped on full buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
