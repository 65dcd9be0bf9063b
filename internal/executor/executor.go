// Package executor runs blocking I/O off the caller's goroutine and hands back futures.
package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultDrainTimeout     = 30 * time.Second
	DefaultTerminateTimeout = 30 * time.Second
)

var (
	ErrStopped          = errors.New("executor is not accepting new tasks")
	ErrDrainTimeout     = errors.New("executor drain timed out, in-flight tasks were cancelled")
	ErrTerminateTimeout = errors.New("executor failed to terminate")
)

// Executor is an unbounded task pool: every task gets its own goroutine.
// Tasks receive a context that is cancelled only when Shutdown escalates.
type Executor struct {
	l *zap.Logger

	mu      sync.Mutex
	stopped bool
	group   errgroup.Group

	ctx    context.Context
	cancel context.CancelFunc

	pending atomic.Int64

	drainOnce sync.Once
	drained   chan struct{}
}

// New creates a running executor.
func New(l *zap.Logger) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		l:       l,
		ctx:     ctx,
		cancel:  cancel,
		drained: make(chan struct{}),
	}
}

// Submit schedules task and returns its future. After Shutdown has begun the
// future fails immediately with ErrStopped.
func Submit[T any](e *Executor, task func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		var zero T
		f.complete(zero, ErrStopped)
		return f
	}

	e.pending.Add(1)
	e.group.Go(func() error {
		defer e.pending.Add(-1)
		value, err := run(e.ctx, task)
		f.complete(value, err)
		return nil
	})

	return f
}

func run[T any](ctx context.Context, task func(ctx context.Context) (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("task panicked: %v", r)
		}
	}()

	return task(ctx)
}

// Pending returns the number of tasks that have not finished yet.
func (e *Executor) Pending() int64 {
	return e.pending.Load()
}

// Stopped reports whether Shutdown has been called.
func (e *Executor) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Shutdown stops accepting tasks and waits up to drainTimeout for in-flight ones.
// If they are still running, their context is cancelled and Shutdown waits up to
// terminateTimeout more before giving up.
func (e *Executor) Shutdown(drainTimeout, terminateTimeout time.Duration) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.drainOnce.Do(func() {
		go func() {
			_ = e.group.Wait()
			close(e.drained)
		}()
	})

	drainTimer := time.NewTimer(drainTimeout)
	defer drainTimer.Stop()

	select {
	case <-e.drained:
		e.cancel()
		return nil
	case <-drainTimer.C:
	}

	e.l.Warn("executor drain timed out, cancelling in-flight tasks",
		zap.Duration("timeout", drainTimeout), zap.Int64("pending", e.Pending()))
	e.cancel()

	terminateTimer := time.NewTimer(terminateTimeout)
	defer terminateTimer.Stop()

	select {
	case <-e.drained:
		return ErrDrainTimeout
	case <-terminateTimer.C:
	}

	e.l.Error("executor failed to terminate", zap.Int64("pending", e.Pending()))
	return ErrTerminateTimeout
}
