// Package gate provides the single-permit gates that serialise writers of a
// wide table. Waiters are served in FIFO order.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrTimeout is returned when the acquire timeout elapses before the permit
// becomes free.
var ErrTimeout = errors.New("gate acquire timed out")

// WaitObserver receives how long a successful Acquire waited.
type WaitObserver func(gate string, waited time.Duration)

// Gate is a named mutual-exclusion token.
type Gate struct {
	name    string
	sem     *semaphore.Weighted
	timeout time.Duration
	observe WaitObserver
}

// Option configures a Gate.
type Option func(*Gate)

// WithTimeout bounds how long Acquire waits. Zero waits until the context ends.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

// WithWaitObserver installs a callback for acquire wait times.
func WithWaitObserver(fn WaitObserver) Option {
	return func(g *Gate) { g.observe = fn }
}

// New returns a free gate.
func New(name string, opts ...Option) *Gate {
	g := &Gate{name: name, sem: semaphore.NewWeighted(1)}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name identifies the gate in logs and metrics.
func (g *Gate) Name() string { return g.name }

// Acquire blocks until the permit is held. The returned release func is safe
// to call more than once. On error the permit is not held.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	waitCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	start := time.Now()
	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s gate after %s: %w", g.name, g.timeout, ErrTimeout)
		}
		return nil, fmt.Errorf("%s gate: %w", g.name, err)
	}
	if g.observe != nil {
		g.observe(g.name, time.Since(start))
	}
	return g.releaser(), nil
}

// TryAcquire takes the permit only if it is free right now.
func (g *Gate) TryAcquire() (func(), bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	return g.releaser(), true
}

func (g *Gate) releaser() func() {
	var once sync.Once
	return func() { once.Do(func() { g.sem.Release(1) }) }
}
