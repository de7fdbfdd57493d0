package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/grainhive/grainhive/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testSelf() types.SiloAddress { return types.SiloAddress{Endpoint: "127.0.0.1:9001", Generation: 1} }
func testPeer() types.SiloAddress { return types.SiloAddress{Endpoint: "127.0.0.1:9002", Generation: 1} }

// loopSender hands every sent message straight to a peer Router's Receive,
// simulating a zero-latency network for router-to-router tests.
type loopSender struct {
	mu    sync.Mutex
	peers map[string]*Router
}

func newLoopSender() *loopSender { return &loopSender{peers: make(map[string]*Router)} }

func (s *loopSender) register(addr types.SiloAddress, r *Router) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[addr.String()] = r
}

func (s *loopSender) Send(ctx context.Context, target types.SiloAddress, msg *types.Message) error {
	s.mu.Lock()
	peer, ok := s.peers[target.String()]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	go peer.Receive(ctx, msg)
	return nil
}

type staticResolver struct{ target types.SiloAddress }

func (r staticResolver) Resolve(ctx context.Context, grain types.GrainID) (types.SiloAddress, error) {
	return r.target, nil
}

type echoDispatcher struct {
	router   func() *Router
	rejector func(msg *types.Message) types.RejectionKind
}

func (d echoDispatcher) Dispatch(ctx context.Context, msg *types.Message) error {
	resp := &types.Message{Body: []byte("ok")}
	if d.rejector != nil {
		if kind := d.rejector(msg); kind != types.RejectionNone {
			resp.Header.Rejection = kind
		}
	}
	return d.router().SendResponse(ctx, msg, resp)
}

func TestRouter_SendRequestReceivesResponse(t *testing.T) {
	sender := newLoopSender()
	var serverRouter *Router
	dispatcher := echoDispatcher{router: func() *Router { return serverRouter }}

	clientRouter := New(testSelf(), sender, staticResolver{}, nil, zerolog.Nop())
	serverRouter = New(testPeer(), sender, staticResolver{}, dispatcher, zerolog.Nop())
	sender.register(testSelf(), clientRouter)
	sender.register(testPeer(), serverRouter)

	msg := &types.Message{Header: types.MessageHeader{TargetGrain: types.NewGUIDGrainID("Account", "a1")}, Body: []byte("hi")}
	resp, err := clientRouter.SendRequest(context.Background(), testPeer(), msg, SendOptions{Timeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), resp.Body)
}

func TestRouter_TimeoutSurfacesWhenNoResponse(t *testing.T) {
	sender := newLoopSender()
	clientRouter := New(testSelf(), sender, staticResolver{}, nil, zerolog.Nop())
	sender.register(testSelf(), clientRouter)
	// No peer registered: Send silently drops, so no response ever arrives.

	msg := &types.Message{Header: types.MessageHeader{TargetGrain: types.NewGUIDGrainID("Account", "a1")}}
	_, err := clientRouter.SendRequest(context.Background(), testPeer(), msg, SendOptions{Timeout: 30 * time.Millisecond})
	require.Error(t, err)
}

func TestRouter_RetryableRejectionReroutesAndRetries(t *testing.T) {
	sender := newLoopSender()

	var attempt int
	var mu sync.Mutex
	var serverRouter *Router
	dispatcher := echoDispatcher{
		router: func() *Router { return serverRouter },
		rejector: func(msg *types.Message) types.RejectionKind {
			mu.Lock()
			defer mu.Unlock()
			attempt++
			if attempt == 1 {
				return types.RejectionTransient
			}
			return types.RejectionNone
		},
	}

	clientRouter := New(testSelf(), sender, staticResolver{target: testPeer()}, nil, zerolog.Nop())
	serverRouter = New(testPeer(), sender, staticResolver{}, dispatcher, zerolog.Nop())
	sender.register(testSelf(), clientRouter)
	sender.register(testPeer(), serverRouter)

	msg := &types.Message{Header: types.MessageHeader{TargetGrain: types.NewGUIDGrainID("Account", "a1")}}
	resp, err := clientRouter.SendRequest(context.Background(), testPeer(), msg, SendOptions{Timeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, types.RejectionNone, resp.Header.Rejection)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, attempt)
}

func TestRouter_PersistentUnrecoverableRejectionFails(t *testing.T) {
	sender := newLoopSender()
	var serverRouter *Router
	dispatcher := echoDispatcher{
		router:   func() *Router { return serverRouter },
		rejector: func(msg *types.Message) types.RejectionKind { return types.RejectionUnrecoverable },
	}

	clientRouter := New(testSelf(), sender, staticResolver{target: testPeer()}, nil, zerolog.Nop())
	serverRouter = New(testPeer(), sender, staticResolver{}, dispatcher, zerolog.Nop())
	sender.register(testSelf(), clientRouter)
	sender.register(testPeer(), serverRouter)

	msg := &types.Message{Header: types.MessageHeader{TargetGrain: types.NewGUIDGrainID("Account", "a1")}}
	resp, err := clientRouter.SendRequest(context.Background(), testPeer(), msg, SendOptions{Timeout: time.Second})
	require.Error(t, err)
	require.Nil(t, resp)
}

func TestRouter_DuplicateRequestIsIgnored(t *testing.T) {
	sender := newLoopSender()
	var serverRouter *Router
	dispatcher := echoDispatcher{
		router:   func() *Router { return serverRouter },
		rejector: func(msg *types.Message) types.RejectionKind { return types.RejectionDuplicateRequest },
	}

	clientRouter := New(testSelf(), sender, staticResolver{}, nil, zerolog.Nop())
	serverRouter = New(testPeer(), sender, staticResolver{}, dispatcher, zerolog.Nop())
	sender.register(testSelf(), clientRouter)
	sender.register(testPeer(), serverRouter)

	msg := &types.Message{Header: types.MessageHeader{TargetGrain: types.NewGUIDGrainID("Account", "a1")}}
	resp, err := clientRouter.SendRequest(context.Background(), testPeer(), msg, SendOptions{Timeout: time.Second})
	require.NoError(t, err)
	require.Nil(t, resp)
}

func TestRouter_ExpiredOneWayMessageDropsSilently(t *testing.T) {
	sender := newLoopSender()
	router := New(testSelf(), sender, staticResolver{}, nil, zerolog.Nop())
	sender.register(testSelf(), router)

	msg := &types.Message{Header: types.MessageHeader{
		Direction: types.DirectionOneWay,
		Expiry:    time.Now().Add(-time.Second),
	}}
	require.NoError(t, router.Receive(context.Background(), msg))
}
