package membership

import (
	"context"
	"net"
	"time"

	"github.com/grainhive/grainhive/pkg/transport"
	"github.com/grainhive/grainhive/pkg/types"
)

// Prober reports whether a remote silo answers to a liveness probe. It
// generalizes the teacher's pkg/health.Checker to a cluster-membership
// check: a probe succeeds only if the remote accepts our preamble, which
// also rules out split clusters (mismatched cluster IDs fail the probe).
type Prober interface {
	Probe(ctx context.Context, target types.SiloAddress) error
}

// TCPProber dials the target's endpoint directly, grounded on
// pkg/health.TCPChecker, generalized to perform the transport preamble
// handshake rather than a bare connect — a reachable port whose cluster ID
// doesn't match ours must count as a failed probe, not a live one.
type TCPProber struct {
	Self      types.SiloAddress
	ClusterID string
	Timeout   time.Duration
}

// NewTCPProber builds a Prober that performs a full preamble handshake
// against the target on every probe.
func NewTCPProber(self types.SiloAddress, clusterID string, timeout time.Duration) *TCPProber {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &TCPProber{Self: self, ClusterID: clusterID, Timeout: timeout}
}

func (p *TCPProber) Probe(ctx context.Context, target types.SiloAddress) error {
	dialer := net.Dialer{Timeout: p.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.Endpoint)
	if err != nil {
		return err
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(p.Timeout))
	_, err = transport.Handshake(conn, transport.Preamble{
		NodeIdentity:    p.Self.String(),
		ProtocolVersion: transport.ProtocolVersion,
		Silo:            &p.Self,
		ClusterID:       p.ClusterID,
	})
	return err
}
