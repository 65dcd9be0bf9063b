package cooldown

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/orbital/internal/domain"
)

func TestTracker_Decay(t *testing.T) {
	tr := NewTracker()
	id := domain.NewActorID()
	tr.Set(id, 60)

	for range 59 {
		tr.Tick()
	}
	remaining, ok := tr.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1, remaining)

	assert.Equal(t, 1, tr.Tick())
	_, ok = tr.Get(id)
	assert.False(t, ok)
	assert.Zero(t, tr.Len())
}

func TestTracker_Set(t *testing.T) {
	tests := []struct {
		name   string
		ticks  int
		wantOK bool
	}{
		{name: "Positive", ticks: 5, wantOK: true},
		{name: "Zero clears", ticks: 0},
		{name: "Negative clears", ticks: -3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker()
			id := domain.NewActorID()
			tr.Set(id, 10)
			tr.Set(id, tt.ticks)

			got, ok := tr.Get(id)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.ticks, got)
			}
		})
	}
}

func TestTracker_Acquire(t *testing.T) {
	tr := NewTracker()
	id := domain.NewActorID()

	remaining, ok := tr.Acquire(id, 60)
	require.True(t, ok)
	assert.Equal(t, 60, remaining)

	tr.Tick()
	remaining, ok = tr.Acquire(id, 60)
	assert.False(t, ok)
	assert.Equal(t, 59, remaining)
}

func TestTracker_IndependentEntries(t *testing.T) {
	tr := NewTracker()
	short, long := domain.NewActorID(), domain.NewActorID()
	tr.Set(short, 1)
	tr.Set(long, 3)

	assert.Equal(t, 1, tr.Tick())
	assert.Equal(t, 1, tr.Len())

	remaining, ok := tr.Get(long)
	require.True(t, ok)
	assert.Equal(t, 2, remaining)
}

func TestTracker_ConcurrentAccess(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 100 {
				tr.Set(domain.NewActorID(), 50)
			}
		}()
		go func() {
			defer wg.Done()
			for range 100 {
				tr.Tick()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, tr.Len(), 800)
}

func TestTracker_Run(t *testing.T) {
	tr := NewTracker()
	id := domain.NewActorID()
	tr.Set(id, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, 5*time.Millisecond) }()

	assert.Eventually(t, func() bool {
		_, ok := tr.Get(id)
		return !ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
