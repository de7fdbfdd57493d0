package placement

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// StatelessWorkerPool bounds concurrent local activations of a
// stateless-worker grain type to a multiplier of the host's CPU count
// (§4.3 "no global uniqueness"): any number of activations may exist
// cluster-wide, but each silo caps how many of its own it runs at once.
type StatelessWorkerPool struct {
	sem *semaphore.Weighted
	cap int64
}

// NewStatelessWorkerPool builds a pool capped at multiplier * GOMAXPROCS.
func NewStatelessWorkerPool(multiplier int) *StatelessWorkerPool {
	if multiplier <= 0 {
		multiplier = 1
	}
	cap := int64(multiplier * runtime.GOMAXPROCS(0))
	if cap < 1 {
		cap = 1
	}
	return &StatelessWorkerPool{sem: semaphore.NewWeighted(cap), cap: cap}
}

// Capacity returns the configured concurrency bound.
func (p *StatelessWorkerPool) Capacity() int64 { return p.cap }

// Acquire blocks until a worker slot is free or ctx is done.
func (p *StatelessWorkerPool) Acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

// TryAcquire reports whether a slot was immediately available, without
// blocking; useful when a local stateless activation is preferred but a
// remote one is an acceptable fallback.
func (p *StatelessWorkerPool) TryAcquire() bool {
	return p.sem.TryAcquire(1)
}

// Release frees a worker slot.
func (p *StatelessWorkerPool) Release() {
	p.sem.Release(1)
}
