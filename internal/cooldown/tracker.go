// Package cooldown tracks per-actor rate limit windows measured in ticks.
package cooldown

import (
	"context"
	"sync"
	"time"

	"github.com/vadiminshakov/orbital/internal/domain"
)

// Tracker never retains an entry with zero or fewer remaining ticks.
type Tracker struct {
	mu        sync.Mutex
	remaining map[domain.ActorID]int
}

func NewTracker() *Tracker {
	return &Tracker{remaining: make(map[domain.ActorID]int)}
}

// Set starts or overwrites a cooldown. Non-positive ticks clear it.
func (t *Tracker) Set(id domain.ActorID, ticks int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ticks <= 0 {
		delete(t.remaining, id)
		return
	}
	t.remaining[id] = ticks
}

// Acquire starts a cooldown unless one is already active. When it is, the
// remaining ticks are returned with ok set to false.
func (t *Tracker) Acquire(id domain.ActorID, ticks int) (remaining int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n, active := t.remaining[id]; active {
		return n, false
	}
	if ticks > 0 {
		t.remaining[id] = ticks
	}

	return ticks, true
}

// Get returns the remaining ticks of an active cooldown.
func (t *Tracker) Get(id domain.ActorID) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.remaining[id]
	return n, ok
}

// Tick decrements every cooldown and drops the expired ones.
// It returns how many entries expired.
func (t *Tracker) Tick() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	expired := 0
	for id, n := range t.remaining {
		if n-1 <= 0 {
			delete(t.remaining, id)
			expired++
			continue
		}
		t.remaining[id] = n - 1
	}

	return expired
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.remaining)
}

// Run ticks every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Tick()
		}
	}
}
