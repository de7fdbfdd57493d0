package activation

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// workerPool bounds how many turns may execute CPU-bound grain code at
// once, process-wide (§5 "Concurrency & Resource Model"): a Scheduler
// acquires a slot before running a turn and releases it when the turn
// returns, regardless of which activation the turn belongs to.
//
// A turn's Invoke may itself call Router.SendRequest and block waiting
// on a response that only some *other* turn's execution can produce. If
// that wait held the calling turn's slot, enough concurrent
// grain-to-grain calls would exhaust every slot on a wait with nothing
// left to run the turns that would satisfy them — a process-wide
// deadlock (spec.md §5, "suspension must free the worker thread").
// ReleaseForBlocking exists so a blocking wait can give its slot back
// for the duration of the wait and reacquire one only once it has
// something to do again.
type workerPool struct {
	sem *semaphore.Weighted
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &workerPool{sem: semaphore.NewWeighted(int64(size))}
}

func (p *workerPool) acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

func (p *workerPool) release() {
	p.sem.Release(1)
}

// sharedPool is the process-wide pool used by every Scheduler. Sized by
// runtime.NumCPU() at package init, matching the teacher's absence of
// any I/O-bound work in a turn: turns are CPU-bound grain method calls,
// so there is no benefit to over-subscribing beyond core count.
var sharedPool = newWorkerPool(runtime.NumCPU())

type poolCtxKey struct{}

// withPool attaches pool to ctx so Router.SendRequest, several calls
// deep in a turn's stack, can find ReleaseForBlocking's target without
// every intermediate signature threading a *workerPool through.
func withPool(ctx context.Context, pool *workerPool) context.Context {
	return context.WithValue(ctx, poolCtxKey{}, pool)
}

// ReleaseForBlocking gives up the calling turn's worker-pool slot for a
// wait that can only be satisfied by some other turn running (e.g.
// Router.SendRequest awaiting a grain-to-grain response), and returns a
// function that reacquires a slot once the wait is over and the turn is
// ready to keep executing. Callers must invoke the returned function
// before resuming any CPU-bound work. If ctx carries no pool — a turn
// invoked outside a Scheduler, as in unit tests — both steps are no-ops.
func ReleaseForBlocking(ctx context.Context) (reacquire func(context.Context) error) {
	pool, ok := ctx.Value(poolCtxKey{}).(*workerPool)
	if !ok || pool == nil {
		return func(context.Context) error { return nil }
	}
	pool.release()
	return pool.acquire
}
