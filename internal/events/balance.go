// Package events fans ledger balance changes out to in-process consumers.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/vadiminshakov/orbital/internal/domain"
)

const defaultBuffer = 64

// BalanceBroadcaster fans out balance changes to all subscribers via buffered channels.
// Publish never blocks: a subscriber whose buffer is full misses the change.
type BalanceBroadcaster struct {
	mu      sync.RWMutex
	subs    map[chan domain.BalanceChange]struct{}
	buffer  int
	dropped atomic.Uint64
}

// NewBalanceBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewBalanceBroadcaster(buffer int) *BalanceBroadcaster {
	if buffer < 1 {
		buffer = defaultBuffer
	}
	return &BalanceBroadcaster{
		subs:   make(map[chan domain.BalanceChange]struct{}),
		buffer: buffer,
	}
}

// Publish matches ledger.Listener so it can be registered directly on the cache.
func (b *BalanceBroadcaster) Publish(c domain.BalanceChange) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- c:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that receives changes until Unsubscribe is called.
func (b *BalanceBroadcaster) Subscribe() chan domain.BalanceChange {
	ch := make(chan domain.BalanceChange, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *BalanceBroadcaster) Unsubscribe(ch chan domain.BalanceChange) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers returns the number of active subscriptions.
func (b *BalanceBroadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a reader was slow.
func (b *BalanceBroadcaster) Dropped() uint64 {
	return b.dropped.Load()
}
