// Package activation implements the Activation Scheduler (§4.5): a
// per-activation FIFO work queue with a single-threaded execution
// guarantee, pluggable reentrancy policies, and stop/drain semantics.
package activation

import (
	"context"
	"sync"
	"time"

	"github.com/grainhive/grainhive/pkg/failure"
	"github.com/grainhive/grainhive/pkg/metrics"
	"github.com/grainhive/grainhive/pkg/types"
)

// ReentrancyPredicate decides, per work item, whether it may interleave
// with the already-running turn(s). It is only consulted under
// types.ReentrancyPredicate.
type ReentrancyPredicate func(item WorkItem) bool

// WorkItem is one unit of scheduler work: an inbound request, a
// continuation posted by a running turn, or a timer fire.
type WorkItem struct {
	// ChainRootID ties a message to its logical call chain, used by
	// call-chain reentrancy; zero means "no chain".
	ChainRootID uint64
	Run         func(ctx context.Context)
}

// Scheduler runs the work queue for one activation. By default exactly
// one work item executes at a time; the activation's reentrancy policy
// may admit additional items to run concurrently with an in-flight turn
// (§4.5).
type Scheduler struct {
	address   types.ActivationAddress
	policy    types.ReentrancyPolicy
	predicate ReentrancyPredicate

	mu          sync.Mutex
	queue       []WorkItem
	inFlight    int
	chainRoots  map[uint64]int
	stopping    bool
	drained     chan struct{}

	wake chan struct{}
}

// New creates a Scheduler for address running under policy. predicate is
// only used when policy is types.ReentrancyPredicate.
func New(address types.ActivationAddress, policy types.ReentrancyPolicy, predicate ReentrancyPredicate) *Scheduler {
	s := &Scheduler{
		address:    address,
		policy:     policy,
		predicate:  predicate,
		chainRoots: make(map[uint64]int),
		wake:       make(chan struct{}, 1),
	}
	go s.dispatchLoop()
	return s
}

// Enqueue admits a new externally queued message. It is rejected with a
// retryable kind once the activation has begun stopping (§4.5 "Stop
// semantics").
func (s *Scheduler) Enqueue(item WorkItem) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return failure.New(failure.KindTimeout, "activation %s is stopping", s.address)
	}
	s.queue = append(s.queue, item)
	depth := len(s.queue)
	s.mu.Unlock()
	metrics.SchedulerQueueDepth.Set(float64(depth))
	s.notify()
	return nil
}

// EnqueueContinuation admits a continuation posted by the currently
// running turn ahead of any externally queued message, always accepted —
// even while stopping — so the running turn can drain (§4.5).
func (s *Scheduler) EnqueueContinuation(item WorkItem) {
	s.mu.Lock()
	s.queue = append([]WorkItem{item}, s.queue...)
	s.mu.Unlock()
	s.notify()
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop marks the activation as draining: no further externally queued
// messages are admitted, but items already queued (and any continuations
// they post) run to completion. Stop returns once the queue has drained
// and no turn is in flight.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	if s.drained == nil {
		s.drained = make(chan struct{})
	}
	drained := s.drained
	empty := len(s.queue) == 0 && s.inFlight == 0
	s.mu.Unlock()

	if empty {
		s.mu.Lock()
		select {
		case <-s.drained:
		default:
			close(s.drained)
		}
		s.mu.Unlock()
		return nil
	}
	s.notify()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchLoop repeatedly picks every currently eligible work item and
// runs each on its own goroutine, so reentrant/predicate/call-chain
// policies genuinely interleave rather than merely reorder a serial queue.
func (s *Scheduler) dispatchLoop() {
	for {
		items := s.dequeueEligible()
		for _, item := range items {
			item := item
			go s.runTurn(item)
		}

		s.mu.Lock()
		stopped := s.stopping && len(s.queue) == 0 && s.inFlight == 0
		s.mu.Unlock()
		if stopped {
			return
		}

		<-s.wake
	}
}

// runTurn acquires a sharedPool slot for the turn's CPU-bound work and
// releases it once the turn returns. The ctx passed to item.Run carries
// the pool, so a turn that blocks on an outbound call (Router.SendRequest)
// can give its slot back for the duration of the wait via
// ReleaseForBlocking instead of holding it hostage — see pool.go.
func (s *Scheduler) runTurn(item WorkItem) {
	ctx := withPool(context.Background(), sharedPool)
	_ = sharedPool.acquire(ctx) // ctx.Background()-derived: never cancelled, so this cannot fail
	start := time.Now()
	item.Run(ctx)
	sharedPool.release()
	metrics.ObserveDuration(metrics.TurnDuration, start)

	s.mu.Lock()
	s.inFlight--
	if item.ChainRootID != 0 {
		s.chainRoots[item.ChainRootID]--
		if s.chainRoots[item.ChainRootID] <= 0 {
			delete(s.chainRoots, item.ChainRootID)
		}
	}
	stopped := s.stopping && len(s.queue) == 0 && s.inFlight == 0
	s.mu.Unlock()

	if stopped {
		s.mu.Lock()
		if s.drained != nil {
			select {
			case <-s.drained:
			default:
				close(s.drained)
			}
		}
		s.mu.Unlock()
	}
	s.notify()
}

// dequeueEligible pulls every work item from the head of the queue that
// the reentrancy policy currently admits to run, preserving FIFO order
// among items the policy treats identically.
func (s *Scheduler) dequeueEligible() []WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []WorkItem
	var remaining []WorkItem

	for _, item := range s.queue {
		if s.admits(item) {
			eligible = append(eligible, item)
			s.inFlight++
			if item.ChainRootID != 0 {
				s.chainRoots[item.ChainRootID]++
			}
		} else {
			remaining = append(remaining, item)
		}
	}
	s.queue = remaining
	return eligible
}

// admits reports whether item may start now, given what is already
// in-flight. Must be called with s.mu held.
func (s *Scheduler) admits(item WorkItem) bool {
	switch s.policy {
	case types.ReentrancyFull:
		return true
	case types.ReentrancyPredicate:
		if s.inFlight == 0 {
			return true
		}
		return s.predicate != nil && s.predicate(item)
	case types.ReentrancyCallChain:
		if s.inFlight == 0 {
			return true
		}
		if item.ChainRootID == 0 {
			return false
		}
		_, sameChainRunning := s.chainRoots[item.ChainRootID]
		return sameChainRunning
	default: // types.ReentrancyNone
		return s.inFlight == 0
	}
}

// QueueDepth returns the number of work items currently queued (not
// counting turns already running).
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// InFlight returns how many turns are currently executing.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}
