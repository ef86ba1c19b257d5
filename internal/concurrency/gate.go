// Package concurrency implements the bounded upstream-concurrency gate: a
// counting semaphore that every upstream call must hold a permit from,
// regardless of how many inbound requests are in flight.
package concurrency

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate caps the number of simultaneous upstream calls.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    int64
}

// New creates a Gate with the given permit capacity.
func New(maxConcurrent int) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		capacity: int64(maxConcurrent),
	}
}

// Acquire blocks until a permit is available or ctx is done. The returned
// release function must be called exactly once — on call completion,
// error, or cancellation — to return the permit.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	atomic.AddInt64(&g.inUse, 1)
	released := false
	return func() {
		if released {
			return
		}
		released = true
		atomic.AddInt64(&g.inUse, -1)
		g.sem.Release(1)
	}, nil
}

// TryAcquire attempts to acquire a permit without blocking.
func (g *Gate) TryAcquire() (release func(), ok bool) {
	if !g.sem.TryAcquire(1) {
		return nil, false
	}
	atomic.AddInt64(&g.inUse, 1)
	released := false
	return func() {
		if released {
			return
		}
		released = true
		atomic.AddInt64(&g.inUse, -1)
		g.sem.Release(1)
	}, true
}

// InUse returns the number of permits currently held, for /stats.
func (g *Gate) InUse() int64 {
	return atomic.LoadInt64(&g.inUse)
}

// Capacity returns the gate's total permit count, for /stats.
func (g *Gate) Capacity() int64 {
	return g.capacity
}
