package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grainhive/grainhive/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestManager_DialListenRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	received := make(chan *types.Message, 1)
	server := NewManager(
		types.SiloAddress{Endpoint: addr, Generation: 1},
		"cluster-1",
		func(msg *types.Message) { received <- msg },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = server.Listen(ctx, addr) }()
	time.Sleep(50 * time.Millisecond)

	client := NewManager(types.SiloAddress{Endpoint: "127.0.0.1:0", Generation: 1}, "cluster-1", func(*types.Message) {})
	defer client.CloseAll()

	err = client.Send(context.Background(), types.SiloAddress{Endpoint: addr, Generation: 1}, &types.Message{
		Header: types.MessageHeader{CorrelationID: 7, Direction: types.DirectionOneWay},
	})
	require.NoError(t, err)

	select {
	case msg := <-received:
		require.Equal(t, uint64(7), msg.Header.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestManager_ClusterMismatchRejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	server := NewManager(types.SiloAddress{Endpoint: addr, Generation: 1}, "cluster-A", func(*types.Message) {})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = server.Listen(ctx, addr) }()
	time.Sleep(50 * time.Millisecond)

	client := NewManager(types.SiloAddress{Endpoint: "127.0.0.1:0", Generation: 1}, "cluster-B", func(*types.Message) {})
	_, err = client.Dial(context.Background(), types.SiloAddress{Endpoint: addr, Generation: 1})
	require.Error(t, err)
}
