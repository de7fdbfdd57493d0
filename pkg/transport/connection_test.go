package transport

import (
	"bytes"
	"testing"
	"time"

	"github.com/grainhive/grainhive/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadMessage_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := &types.Message{
		Header: types.MessageHeader{
			SendingGrain:  types.NewStringGrainID("account", "a1"),
			TargetGrain:   types.NewStringGrainID("account", "a2"),
			CorrelationID: 42,
			Direction:     types.DirectionRequest,
			InterfaceType: "Account",
			Expiry:        time.Now().Add(time.Second).Truncate(time.Millisecond),
		},
		Body: []byte(`{"method":"deposit","amount":5}`),
	}

	require.NoError(t, WriteMessage(&buf, msg))
	got, err := ReadMessage(&buf)
	require.NoError(t, err)

	assert.Equal(t, msg.Header.CorrelationID, got.Header.CorrelationID)
	assert.Equal(t, msg.Header.InterfaceType, got.Header.InterfaceType)
	assert.True(t, msg.Header.Expiry.Equal(got.Header.Expiry))
	assert.Equal(t, msg.Body, got.Body)
}

func TestWriteReadMessage_EmptyBody(t *testing.T) {
	var buf bytes.Buffer
	msg := &types.Message{Header: types.MessageHeader{Direction: types.DirectionOneWay}}
	require.NoError(t, WriteMessage(&buf, msg))
	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Empty(t, got.Body)
}

func TestHandshake_Success(t *testing.T) {
	a, b := newPipe()
	local := types.SiloAddress{Endpoint: "10.0.0.1:7000", Generation: 1}
	remote := types.SiloAddress{Endpoint: "10.0.0.2:7000", Generation: 1}

	errCh := make(chan error, 1)
	go func() {
		_, err := Handshake(b, Preamble{NodeIdentity: remote.String(), ProtocolVersion: ProtocolVersion, Silo: &remote, ClusterID: "c1"})
		errCh <- err
	}()

	got, err := Handshake(a, Preamble{NodeIdentity: local.String(), ProtocolVersion: ProtocolVersion, Silo: &local, ClusterID: "c1"})
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, remote.String(), got.NodeIdentity)
}

func TestHandshake_ClusterMismatchIsFatal(t *testing.T) {
	a, b := newPipe()
	go func() {
		_, _ = Handshake(b, Preamble{NodeIdentity: "peer", ProtocolVersion: ProtocolVersion, ClusterID: "other-cluster"})
	}()

	_, err := Handshake(a, Preamble{NodeIdentity: "self", ProtocolVersion: ProtocolVersion, ClusterID: "c1"})
	require.Error(t, err)
}

func TestHandshake_ProtocolVersionMismatchIsFatal(t *testing.T) {
	a, b := newPipe()
	go func() {
		_, _ = Handshake(b, Preamble{NodeIdentity: "peer", ProtocolVersion: ProtocolVersion + 1, ClusterID: "c1"})
	}()

	_, err := Handshake(a, Preamble{NodeIdentity: "self", ProtocolVersion: ProtocolVersion, ClusterID: "c1"})
	require.Error(t, err)
}
