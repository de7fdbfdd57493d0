// Package router implements the Message Router (§4.6): request/response
// correlation, retry on retryable rejections, directory re-addressing,
// and expiration sweeping.
package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grainhive/grainhive/pkg/activation"
	"github.com/grainhive/grainhive/pkg/failure"
	"github.com/grainhive/grainhive/pkg/metrics"
	"github.com/grainhive/grainhive/pkg/types"
	"github.com/rs/zerolog"
)

// MaxRetries bounds how many times a retryable rejection re-addresses and
// resends before the router surfaces a permanent failure (§4.6).
const MaxRetries = 5

// Sender delivers an outbound message to its target silo, e.g. backed by
// pkg/transport's Manager.
type Sender interface {
	Send(ctx context.Context, target types.SiloAddress, msg *types.Message) error
}

// Resolver re-addresses a message whose target activation is stale or
// unknown, e.g. backed by pkg/directory plus pkg/placement.
type Resolver interface {
	Resolve(ctx context.Context, grain types.GrainID) (types.SiloAddress, error)
}

// Dispatcher hands an inbound message to the local scheduler for the
// target activation.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *types.Message) error
}

type pendingCall struct {
	msg        *types.Message
	response   chan *types.Message
	done       chan struct{}
	failReason error
}

// Router is the per-silo message router.
type Router struct {
	self     types.SiloAddress
	sender   Sender
	resolver Resolver
	dispatch Dispatcher
	logger   zerolog.Logger

	nextCorrelation uint64

	mu       sync.Mutex
	pending  map[uint64]*pendingCall

	sweepInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
}

// New creates a Router for silo self.
func New(self types.SiloAddress, sender Sender, resolver Resolver, dispatch Dispatcher, logger zerolog.Logger) *Router {
	r := &Router{
		self:          self,
		sender:        sender,
		resolver:      resolver,
		dispatch:      dispatch,
		logger:        logger.With().Str("component", "router").Logger(),
		pending:       make(map[uint64]*pendingCall),
		sweepInterval: time.Second,
		stop:          make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// SendOptions configures a request send.
type SendOptions struct {
	Timeout     time.Duration
	ChainRootID uint64
}

// SendRequest sends msg to its target and blocks until a response arrives,
// the timeout expires, or ctx is cancelled.
func (r *Router) SendRequest(ctx context.Context, target types.SiloAddress, msg *types.Message, opts SendOptions) (*types.Message, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	correlationID := atomic.AddUint64(&r.nextCorrelation, 1)
	msg.Header.CorrelationID = correlationID
	msg.Header.SendingSilo = r.self
	msg.Header.Direction = types.DirectionRequest
	msg.Header.Expiry = time.Now().Add(opts.Timeout)
	msg.Header.ChainRootID = opts.ChainRootID
	msg.Header.TargetSilo = target

	call := &pendingCall{msg: msg, response: make(chan *types.Message, 1), done: make(chan struct{})}
	r.mu.Lock()
	r.pending[correlationID] = call
	r.mu.Unlock()
	metrics.PendingCallbacks.Inc()
	defer func() {
		r.mu.Lock()
		delete(r.pending, correlationID)
		r.mu.Unlock()
		metrics.PendingCallbacks.Dec()
	}()

	if err := r.sendToTarget(ctx, target, msg); err != nil {
		return nil, err
	}

	resp, err := r.awaitResponse(ctx, call, msg.Header.Expiry, target)
	if err != nil {
		return nil, err
	}
	if resp.Header.Rejection != types.RejectionNone {
		return r.handleRejection(ctx, msg, resp, opts)
	}
	metrics.MessagesSentTotal.WithLabelValues("response").Inc()
	return resp, nil
}

// awaitResponse blocks until call's response arrives, it is failed via
// Fail, its message expires, or ctx is cancelled. The calling turn's
// worker-pool slot (if any, per pkg/activation) is released for the
// duration of the wait and reacquired before returning, so this wait
// cannot starve the pool the way holding the slot would (§5, "suspension
// must free the worker thread").
func (r *Router) awaitResponse(ctx context.Context, call *pendingCall, expiry time.Time, target types.SiloAddress) (*types.Message, error) {
	reacquire := activation.ReleaseForBlocking(ctx)
	resp, err := func() (*types.Message, error) {
		select {
		case resp := <-call.response:
			return resp, nil
		case <-call.done:
			return nil, call.failReason
		case <-time.After(time.Until(expiry)):
			metrics.MessagesTimedOutTotal.Inc()
			return nil, failure.New(failure.KindTimeout, "request to %s timed out", target)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}()
	_ = reacquire(ctx) // best effort: ctx is typically Background-derived and won't cancel this
	return resp, err
}

func (r *Router) sendToTarget(ctx context.Context, target types.SiloAddress, msg *types.Message) error {
	metrics.MessagesSentTotal.WithLabelValues(msg.Header.Direction.String()).Inc()
	return r.sender.Send(ctx, target, msg)
}

// handleRejection applies §4.6's rejection-kind policy: retryable kinds
// re-address via the directory/placement Resolver and resend, up to
// MaxRetries; CacheInvalidation and DuplicateRequest are not retried here
// (the caller owns cache invalidation; duplicates are simply ignored).
func (r *Router) handleRejection(ctx context.Context, original *types.Message, resp *types.Message, opts SendOptions) (*types.Message, error) {
	kind := resp.Header.Rejection
	metrics.RejectionsTotal.WithLabelValues(kind.String()).Inc()

	if !kind.Retryable() {
		if kind == types.RejectionDuplicateRequest {
			return nil, nil
		}
		err := failure.New(failure.KindUnsupportedRequest, "request rejected: %s", kind)
		r.Fail(original.Header.CorrelationID, err)
		return nil, err
	}

	if original.Header.RetryCount >= MaxRetries {
		metrics.RetriesExhaustedTotal.Inc()
		err := failure.New(failure.KindTimeout, "exceeded max retries (%d) routing to %s", MaxRetries, original.Header.TargetGrain)
		r.Fail(original.Header.CorrelationID, err)
		return nil, err
	}
	original.Header.RetryCount++

	// A CacheInvalidation-bearing rejection does not reset the retry
	// counter shared with ordinary transient retries — it is the same
	// budget, just triggered by a different cause.
	target, err := r.resolver.Resolve(ctx, original.Header.TargetGrain)
	if err != nil {
		return nil, err
	}
	original.Header.TargetSilo = target

	if err := r.sendToTarget(ctx, target, original); err != nil {
		return nil, err
	}

	correlationID := original.Header.CorrelationID
	r.mu.Lock()
	call, ok := r.pending[correlationID]
	r.mu.Unlock()
	if !ok {
		return nil, failure.New(failure.KindTimeout, "lost pending callback for correlation %d", correlationID)
	}

	again, err := r.awaitResponse(ctx, call, original.Header.Expiry, target)
	if err != nil {
		return nil, err
	}
	if again.Header.Rejection != types.RejectionNone {
		return r.handleRejection(ctx, original, again, opts)
	}
	return again, nil
}

// SendResponse sends a response back to the original requester.
func (r *Router) SendResponse(ctx context.Context, request *types.Message, response *types.Message) error {
	response.Header.CorrelationID = request.Header.CorrelationID
	response.Header.Direction = types.DirectionResponse
	response.Header.SendingSilo = r.self
	response.Header.TargetSilo = request.Header.SendingSilo
	response.Header.TargetGrain = request.Header.SendingGrain
	return r.sendToTarget(ctx, request.Header.SendingSilo, response)
}

// Receive handles an inbound message: responses are matched to their
// pending callback; requests and one-way messages are dispatched locally.
// Expired messages are dropped (one-way, silently) or answered with a
// Transient rejection (requests); there is no separate Timeout rejection
// kind.
func (r *Router) Receive(ctx context.Context, msg *types.Message) error {
	if msg.Expired(time.Now()) {
		if msg.Header.Direction == types.DirectionRequest {
			return r.rejectExpired(ctx, msg)
		}
		return nil
	}

	switch msg.Header.Direction {
	case types.DirectionResponse:
		r.mu.Lock()
		call, ok := r.pending[msg.Header.CorrelationID]
		r.mu.Unlock()
		if !ok {
			r.logger.Debug().Uint64("correlation_id", msg.Header.CorrelationID).Msg("no pending callback for response")
			return nil
		}
		select {
		case call.response <- msg:
		default:
		}
		return nil
	default:
		return r.dispatch.Dispatch(ctx, msg)
	}
}

func (r *Router) rejectExpired(ctx context.Context, msg *types.Message) error {
	metrics.MessagesTimedOutTotal.Inc()
	rejection := &types.Message{Header: types.MessageHeader{Rejection: types.RejectionTransient}}
	return r.SendResponse(ctx, msg, rejection)
}

// Fail surfaces a permanent failure to a pending caller, bypassing retry
// and any further wait: handleRejection calls it once a rejection is
// non-retryable or the retry budget is exhausted, and Stop calls it for
// every call still pending at shutdown, so callers blocked in
// awaitResponse see reason immediately instead of waiting out their own
// timeout against a router that will never deliver a response.
func (r *Router) Fail(correlationID uint64, reason error) {
	r.mu.Lock()
	call, ok := r.pending[correlationID]
	if ok {
		delete(r.pending, correlationID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	call.failReason = reason
	close(call.done)
}

// sweepLoop periodically drops pending callbacks whose message has
// expired, surfacing a Timeout to any still-blocked caller; SendRequest's
// own timer is the common path, this is the backstop for messages whose
// caller never gets scheduled to check it (§4.6 "on every handoff point").
func (r *Router) sweepLoop() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweepExpired()
		}
	}
}

func (r *Router) sweepExpired() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, call := range r.pending {
		if call.msg.Expired(now) {
			select {
			case call.response <- &types.Message{Header: types.MessageHeader{Rejection: types.RejectionTransient}}:
			default:
			}
			delete(r.pending, id)
		}
	}
}

// Stop halts the expiration sweeper and fails every call still pending,
// so SendRequest callers unblock immediately on shutdown rather than
// waiting out their own timeout against a router that can no longer
// deliver anything.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.mu.Lock()
		ids := make([]uint64, 0, len(r.pending))
		for id := range r.pending {
			ids = append(ids, id)
		}
		r.mu.Unlock()
		for _, id := range ids {
			r.Fail(id, failure.New(failure.KindTimeout, "router stopped"))
		}
	})
}
