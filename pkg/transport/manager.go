package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/grainhive/grainhive/pkg/log"
	"github.com/grainhive/grainhive/pkg/types"
	"github.com/rs/zerolog"
)

// Manager owns every long-lived connection a silo holds — one per remote
// peer, in each direction it is dialed or accepted — grounded on the
// teacher's one-conn-per-peer client (pkg/client.Client) generalized from a
// single blocking RPC client into a multiplexed, many-peer table.
type Manager struct {
	self      types.SiloAddress
	clusterID string
	handler   Handler

	mu    sync.RWMutex
	conns map[string]*Conn // keyed by peer NodeIdentity

	logger zerolog.Logger
}

// NewManager creates a connection manager for a silo identified by self,
// belonging to clusterID. handler is invoked for every message received on
// any connection this manager owns.
func NewManager(self types.SiloAddress, clusterID string, handler Handler) *Manager {
	return &Manager{
		self:      self,
		clusterID: clusterID,
		handler:   handler,
		conns:     make(map[string]*Conn),
		logger:    log.WithComponent("transport-manager"),
	}
}

func (m *Manager) localPreamble() Preamble {
	self := m.self
	return Preamble{
		NodeIdentity:    self.String(),
		ProtocolVersion: ProtocolVersion,
		Silo:            &self,
		ClusterID:       m.clusterID,
	}
}

// Dial opens (or returns an existing) connection to a peer silo, performing
// the preamble handshake described in §4.7/§6. On cluster id or protocol
// mismatch the connection is closed and the fatal failure is returned.
func (m *Manager) Dial(ctx context.Context, peer types.SiloAddress) (*Conn, error) {
	key := peer.String()

	m.mu.RLock()
	if c, ok := m.conns[key]; ok {
		m.mu.RUnlock()
		return c, nil
	}
	m.mu.RUnlock()

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", peer.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", peer.Endpoint, err)
	}

	remote, err := Handshake(raw, m.localPreamble())
	if err != nil {
		raw.Close()
		return nil, err
	}

	c := newConn(raw, remote)
	m.register(key, c)
	go func() {
		_ = c.Serve(m.handler)
		m.unregister(key, c)
	}()
	return c, nil
}

// Accept completes the server side of the preamble handshake on an
// incoming connection and registers it for outbound use (peers reuse one
// connection bidirectionally once established).
func (m *Manager) Accept(raw net.Conn) (*Conn, error) {
	remote, err := Handshake(raw, m.localPreamble())
	if err != nil {
		raw.Close()
		return nil, err
	}
	c := newConn(raw, remote)
	key := remote.NodeIdentity
	m.register(key, c)
	go func() {
		_ = c.Serve(m.handler)
		m.unregister(key, c)
	}()
	return c, nil
}

// Listen serves incoming connections on addr until the listener is closed
// or ctx is done.
func (m *Manager) Listen(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go func() {
			if _, err := m.Accept(raw); err != nil {
				m.logger.Warn().Err(err).Msg("inbound handshake failed")
			}
		}()
	}
}

// Send delivers a message to the peer it is already addressed to, dialing
// a connection if none is open yet.
func (m *Manager) Send(ctx context.Context, peer types.SiloAddress, msg *types.Message) error {
	c, err := m.Dial(ctx, peer)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// CloseAll closes every connection this manager owns.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, c := range m.conns {
		c.Close(nil)
		delete(m.conns, key)
	}
}

func (m *Manager) register(key string, c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.conns[key]; ok {
		old.Close(nil)
	}
	m.conns[key] = c
}

func (m *Manager) unregister(key string, c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.conns[key]; ok && cur == c {
		delete(m.conns, key)
	}
}
