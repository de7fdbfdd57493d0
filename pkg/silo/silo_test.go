package silo

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grainhive/grainhive/pkg/membership"
	"github.com/grainhive/grainhive/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

type recordingHandler struct {
	invoked    int32
	invoke     func(ctx context.Context, address types.ActivationAddress, msg *types.Message) (*types.Message, error)
	deactivate func(address types.ActivationAddress, reason types.DeactivationReason)
}

func (h *recordingHandler) Activate(ctx context.Context, address types.ActivationAddress) error {
	return nil
}

func (h *recordingHandler) Deactivate(address types.ActivationAddress, reason types.DeactivationReason) {
	if h.deactivate != nil {
		h.deactivate(address, reason)
	}
}

func (h *recordingHandler) Invoke(ctx context.Context, address types.ActivationAddress, msg *types.Message) (*types.Message, error) {
	atomic.AddInt32(&h.invoked, 1)
	if h.invoke != nil {
		return h.invoke(ctx, address, msg)
	}
	return &types.Message{}, nil
}

func (h *recordingHandler) count() int32 { return atomic.LoadInt32(&h.invoked) }

func newTestSilo(t *testing.T, self types.SiloAddress, store membership.Store, mutate func(*Config)) *Silo {
	t.Helper()
	cfg := Config{
		Self:             self,
		ClusterID:        "test-cluster",
		HostName:         "host-" + self.Endpoint,
		Role:             "default",
		BindAddr:         self.Endpoint,
		DataDir:          t.TempDir(),
		MembershipConfig: membership.DefaultConfig(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, store, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestSilo_DispatchCreatesActivationAndInvokesHandler(t *testing.T) {
	self := types.SiloAddress{Endpoint: freeAddr(t), Generation: 1}
	store := membership.NewMemStore()
	s := newTestSilo(t, self, store, nil)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)
	s.refreshMembership(ctx)

	handler := &recordingHandler{}
	s.RegisterGrainType("echo", types.ReentrancyNone, nil, handler)

	grain := types.NewStringGrainID("echo", "g1")
	msg := &types.Message{Header: types.MessageHeader{TargetGrain: grain, Direction: types.DirectionOneWay}}
	require.NoError(t, s.Dispatch(ctx, msg))

	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, s.Catalog.Count())
}

func TestSilo_DispatchIgnoresUnknownGrainType(t *testing.T) {
	self := types.SiloAddress{Endpoint: freeAddr(t), Generation: 1}
	store := membership.NewMemStore()
	s := newTestSilo(t, self, store, nil)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)
	s.refreshMembership(ctx)

	grain := types.NewStringGrainID("unregistered", "g1")
	msg := &types.Message{Header: types.MessageHeader{TargetGrain: grain, Direction: types.DirectionOneWay}}
	require.NoError(t, s.Dispatch(ctx, msg))
	require.Equal(t, 0, s.Catalog.Count())
}

func TestSilo_DispatchRejectsWhenRingNotYetOwned(t *testing.T) {
	self := types.SiloAddress{Endpoint: freeAddr(t), Generation: 1}
	store := membership.NewMemStore()
	s := newTestSilo(t, self, store, nil)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)
	// Deliberately skip refreshMembership: the directory ring is still nil.

	handler := &recordingHandler{}
	s.RegisterGrainType("echo", types.ReentrancyNone, nil, handler)

	grain := types.NewStringGrainID("echo", "g1")
	msg := &types.Message{Header: types.MessageHeader{TargetGrain: grain, Direction: types.DirectionOneWay}}
	require.NoError(t, s.Dispatch(ctx, msg))

	require.Never(t, func() bool { return handler.count() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSilo_DispatchShedsNewActivationsOnceOverLimit(t *testing.T) {
	self := types.SiloAddress{Endpoint: freeAddr(t), Generation: 1}
	store := membership.NewMemStore()
	s := newTestSilo(t, self, store, func(c *Config) { c.MaxLocalActivations = 1 })

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)
	s.refreshMembership(ctx)

	handler := &recordingHandler{}
	s.RegisterGrainType("echo", types.ReentrancyNone, nil, handler)

	first := types.NewStringGrainID("echo", "g1")
	require.NoError(t, s.Dispatch(ctx, &types.Message{Header: types.MessageHeader{TargetGrain: first, Direction: types.DirectionOneWay}}))
	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 10*time.Millisecond)

	second := types.NewStringGrainID("echo", "g2")
	require.NoError(t, s.Dispatch(ctx, &types.Message{Header: types.MessageHeader{TargetGrain: second, Direction: types.DirectionOneWay}}))

	require.Never(t, func() bool { return handler.count() > 1 }, 200*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, 1, s.Catalog.Count())
}

func TestSilo_DeactivateRemovesSchedulerAndDirectoryEntry(t *testing.T) {
	self := types.SiloAddress{Endpoint: freeAddr(t), Generation: 1}
	store := membership.NewMemStore()
	s := newTestSilo(t, self, store, nil)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)
	s.refreshMembership(ctx)

	handler := &recordingHandler{}
	s.RegisterGrainType("echo", types.ReentrancyNone, nil, handler)

	grain := types.NewStringGrainID("echo", "g1")
	require.NoError(t, s.Dispatch(ctx, &types.Message{Header: types.MessageHeader{TargetGrain: grain, Direction: types.DirectionOneWay}}))
	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 10*time.Millisecond)

	entry, ok := s.Directory.LookupLocal(grain)
	require.True(t, ok)

	require.NoError(t, s.Catalog.Deactivate(entry.Address, "echo", types.ReasonIdle))

	_, ok = s.Directory.LookupLocal(grain)
	require.False(t, ok)
	require.Equal(t, 0, s.Catalog.Count())
}

func TestOwnedHashRange_SingleSiloOwnsEntireRing(t *testing.T) {
	self := types.SiloAddress{Endpoint: "10.0.0.1:7400", Generation: 1}
	begin, end := ownedHashRange([]types.SiloAddress{self}, self)
	require.Equal(t, begin, end, "a lone silo's range must collapse to the full-ring wrap case")
}

func TestOwnedHashRange_TwoSilosPartitionTheFullRing(t *testing.T) {
	a := types.SiloAddress{Endpoint: "10.0.0.1:7400", Generation: 1}
	b := types.SiloAddress{Endpoint: "10.0.0.2:7400", Generation: 1}
	silos := []types.SiloAddress{a, b}

	ha, hb := ringHash(a.String()), ringHash(b.String())
	lo, hi := a, b
	loHash, hiHash := ha, hb
	if hb < ha {
		lo, hi = b, a
		loHash, hiHash = hb, ha
	}

	loBegin, loEnd := ownedHashRange(silos, lo)
	require.Equal(t, hiHash, loBegin, "the lower-hash silo's range begins just past the higher-hash silo (wrap)")
	require.Equal(t, loHash, loEnd)

	hiBegin, hiEnd := ownedHashRange(silos, hi)
	require.Equal(t, loHash, hiBegin)
	require.Equal(t, hiHash, hiEnd)
}

func TestOwnedHashRange_AbsentSiloIsTreatedAsJoining(t *testing.T) {
	self := types.SiloAddress{Endpoint: "10.0.0.9:7400", Generation: 1}
	begin, end := ownedHashRange(nil, self)
	require.Equal(t, begin, end)
}
