// Package silo wires the per-process runtime together: a Silo owns the
// membership oracle, grain directory, activation catalog, message router,
// connection manager, and the durable reminder/state/stream-cache
// backends, and dispatches inbound messages to registered grain types.
//
// Every other pkg/ in this module implements one piece of the spec in
// isolation with a narrow interface; Silo is the only place that commits
// to concrete choices about how those pieces compose into a running
// process — grounded on the teacher's pkg/manager, which plays the same
// role of gluing Raft membership, the FSM, and the gRPC surface into one
// manager.Manager.
package silo

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/grainhive/grainhive/pkg/activation"
	"github.com/grainhive/grainhive/pkg/catalog"
	"github.com/grainhive/grainhive/pkg/directory"
	"github.com/grainhive/grainhive/pkg/events"
	"github.com/grainhive/grainhive/pkg/failure"
	"github.com/grainhive/grainhive/pkg/log"
	"github.com/grainhive/grainhive/pkg/membership"
	"github.com/grainhive/grainhive/pkg/metrics"
	"github.com/grainhive/grainhive/pkg/placement"
	"github.com/grainhive/grainhive/pkg/reminder"
	"github.com/grainhive/grainhive/pkg/router"
	"github.com/grainhive/grainhive/pkg/statestore"
	"github.com/grainhive/grainhive/pkg/streamcache"
	"github.com/grainhive/grainhive/pkg/transport"
	"github.com/grainhive/grainhive/pkg/txlock"
	"github.com/grainhive/grainhive/pkg/types"
	"github.com/rs/zerolog"
)

// GrainHandler is the extension point a grain type implements to receive
// activation lifecycle calls and invocations. Absent methods on a
// concrete handler are never skipped — all three are mandatory, unlike
// catalog.Hooks where either hook may be nil.
type GrainHandler interface {
	Activate(ctx context.Context, address types.ActivationAddress) error
	Deactivate(address types.ActivationAddress, reason types.DeactivationReason)
	Invoke(ctx context.Context, address types.ActivationAddress, msg *types.Message) (*types.Message, error)
}

type grainType struct {
	policy    types.ReentrancyPolicy
	predicate activation.ReentrancyPredicate
	handler   GrainHandler
}

// Config collects everything needed to construct a Silo.
type Config struct {
	Self      types.SiloAddress
	ClusterID string
	HostName  string
	Role      string
	BindAddr  string
	DataDir   string

	EncryptStateAtRest   bool
	DirectoryCacheSize   int
	DeactivationCoolDown time.Duration

	// MaxLocalActivations bounds how many activations this silo will
	// host before it sheds new (not-yet-existing) activation requests
	// with RejectionGatewayTooBusy. Zero disables shedding.
	MaxLocalActivations int

	MembershipConfig     membership.Config
	ReminderScanInterval time.Duration
	MembershipRefresh    time.Duration

	StreamMaxAge        time.Duration
	StreamMaxPerStream  int
	StreamPressureLimit int

	TxLockGroupDeadline time.Duration
}

func (c *Config) setDefaults() {
	if c.DirectoryCacheSize <= 0 {
		c.DirectoryCacheSize = 4096
	}
	if c.DeactivationCoolDown <= 0 {
		c.DeactivationCoolDown = 30 * time.Second
	}
	if c.ReminderScanInterval <= 0 {
		c.ReminderScanInterval = 10 * time.Second
	}
	if c.MembershipRefresh <= 0 {
		c.MembershipRefresh = 5 * time.Second
	}
	if c.StreamMaxAge <= 0 {
		c.StreamMaxAge = 5 * time.Minute
	}
	if c.StreamMaxPerStream <= 0 {
		c.StreamMaxPerStream = 1000
	}
	if c.StreamPressureLimit <= 0 {
		c.StreamPressureLimit = 100_000
	}
	if c.TxLockGroupDeadline <= 0 {
		c.TxLockGroupDeadline = 30 * time.Second
	}
}

// Silo is one runtime process: it hosts activations for whichever grains
// its directory partition (or a peer's placement decision) sends it, and
// participates in the cluster's membership, directory, and reminder
// protocols alongside every other silo.
type Silo struct {
	cfg    Config
	logger zerolog.Logger

	Events     *events.Broker
	State      statestore.Store
	Reminders  reminder.Store
	Streams    *streamcache.Cache
	Membership membership.Store
	Oracle     *membership.Oracle
	Directory  *directory.Directory
	Catalog    *catalog.Catalog
	Locks      *txlock.Manager
	Transport  *transport.Manager
	Router     *router.Router

	placementStrategy placement.Strategy

	grainsMu sync.RWMutex
	grains   map[string]grainType

	schedMu    sync.Mutex
	schedulers map[string]*activation.Scheduler

	activeMu  sync.Mutex
	active    map[string]types.SiloAddress
	ownedLoMu sync.Mutex
	ownedLo   uint32
	ownedHi   uint32

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires every subsystem together for self, backed by membershipStore
// (typically a *membership.RaftStore bound to a Raft cluster, or a
// *membership.MemStore for tests).
func New(cfg Config, membershipStore membership.Store, logger zerolog.Logger) (*Silo, error) {
	cfg.setDefaults()
	logger = logger.With().Str("component", "silo").Logger()
	logger = logger.With().Str(string(log.SiloField), cfg.Self.String()).Logger()

	boltState, err := statestore.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	var state statestore.Store = boltState
	if cfg.EncryptStateAtRest {
		enc, err := statestore.NewEncryptedStore(boltState, cfg.ClusterID)
		if err != nil {
			return nil, fmt.Errorf("wrap encrypted state store: %w", err)
		}
		state = enc
	}

	reminders, err := reminder.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open reminder store: %w", err)
	}

	dir, err := directory.New(cfg.Self, cfg.DirectoryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("build directory: %w", err)
	}

	s := &Silo{
		cfg:        cfg,
		logger:     logger,
		Events:     events.NewBroker(),
		State:      state,
		Reminders:  reminders,
		Streams:    streamcache.NewCache(cfg.StreamMaxAge, cfg.StreamMaxPerStream, cfg.StreamPressureLimit),
		Membership: membershipStore,
		Directory:  dir,
		Catalog:    catalog.New(cfg.Self, cfg.DeactivationCoolDown),
		Locks:      txlock.New(cfg.TxLockGroupDeadline),
		grains:     make(map[string]grainType),
		schedulers: make(map[string]*activation.Scheduler),
		active:     make(map[string]types.SiloAddress),
		stop:       make(chan struct{}),
	}
	s.placementStrategy = placement.RandomActive{Overloaded: s.isOverloaded}

	s.Oracle = membership.NewOracle(cfg.Self, membershipStore, membership.NewTCPProber(cfg.Self, cfg.ClusterID, 5*time.Second), cfg.MembershipConfig, logger, s.onSelfDead)
	s.Transport = transport.NewManager(cfg.Self, cfg.ClusterID, s.handleInbound)
	s.Router = router.New(cfg.Self, s.Transport, s, s, logger)

	return s, nil
}

// RegisterGrainType installs the handler for grainType, wiring its
// lifecycle into the catalog and event plumbing. Call before
// Start; registering the same grain type twice replaces the handler.
func (s *Silo) RegisterGrainType(grainTypeName string, policy types.ReentrancyPolicy, predicate activation.ReentrancyPredicate, handler GrainHandler) {
	s.grainsMu.Lock()
	s.grains[grainTypeName] = grainType{policy: policy, predicate: predicate, handler: handler}
	s.grainsMu.Unlock()

	s.Catalog.RegisterHooks(grainTypeName, catalog.Hooks{
		OnActivate: func(ctx context.Context, address types.ActivationAddress) error {
			if err := handler.Activate(ctx, address); err != nil {
				return err
			}
			s.Events.Publish(&events.Event{
				Type:       events.EventActivationCreated,
				Activation: address,
				Message:    fmt.Sprintf("activation created for %s", address),
				Metadata: map[string]string{
					"grain_type": address.Grain.Type,
					"grain_key":  address.Grain.Key(),
					"silo":       address.Silo.String(),
				},
			})
			return nil
		},
		OnDeactivate: func(address types.ActivationAddress, reason types.DeactivationReason) {
			handler.Deactivate(address, reason)
			s.Directory.Unregister(address)
			s.removeScheduler(address)
			s.Events.Publish(&events.Event{
				Type:       events.EventActivationDeactivated,
				Activation: address,
				Message:    fmt.Sprintf("activation deactivated for %s: %s", address, reason),
				Metadata: map[string]string{
					"grain_type": address.Grain.Type,
					"grain_key":  address.Grain.Key(),
					"reason":     reason.String(),
				},
			})
		},
	})
}

// Self returns the address this silo registers itself under.
func (s *Silo) Self() types.SiloAddress { return s.cfg.Self }

func (s *Silo) grainTypeFor(name string) (grainType, bool) {
	s.grainsMu.RLock()
	defer s.grainsMu.RUnlock()
	gt, ok := s.grains[name]
	return gt, ok
}

func (s *Silo) isOverloaded(addr types.SiloAddress) bool {
	if s.cfg.MaxLocalActivations <= 0 || !addr.Equal(s.cfg.Self) {
		return false
	}
	return s.Catalog.Count() >= s.cfg.MaxLocalActivations
}

// Start begins every background loop: the membership oracle's heartbeat
// and probe cycle, the inbound connection listener, the reminder scan,
// the stream cache sweep, and the periodic membership-ring refresh. It
// returns once the silo has joined the membership table; the background
// loops continue until Stop.
func (s *Silo) Start(ctx context.Context) error {
	s.Events.Start()
	s.Streams.Start()

	if err := s.Oracle.Join(ctx, s.cfg.HostName, s.cfg.Role); err != nil {
		return fmt.Errorf("join membership: %w", err)
	}
	s.Oracle.Start(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Transport.Listen(ctx, s.cfg.BindAddr); err != nil {
			s.logger.Error().Err(err).Msg("transport listener exited")
		}
	}()

	s.wg.Add(1)
	go s.membershipRefreshLoop(ctx)

	s.wg.Add(1)
	go s.reminderScanLoop(ctx)

	s.Events.Publish(&events.Event{
		Type:    events.EventSiloJoined,
		Message: fmt.Sprintf("%s joined the cluster", s.cfg.Self),
		Metadata: map[string]string{
			"silo_address": s.cfg.Self.String(),
		},
	})
	return nil
}

// Stop drains every locally hosted activation, then shuts down the
// background loops and releases the durable stores.
func (s *Silo) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	s.schedMu.Lock()
	schedulers := make([]*activation.Scheduler, 0, len(s.schedulers))
	for _, sched := range s.schedulers {
		schedulers = append(schedulers, sched)
	}
	s.schedMu.Unlock()
	for _, sched := range schedulers {
		_ = sched.Stop(ctx)
	}

	if err := s.Oracle.Leave(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("leave failed during shutdown")
	}
	s.Oracle.Stop()
	s.Router.Stop()
	s.Transport.CloseAll()
	s.Locks.Stop()
	s.Streams.Stop()
	s.Events.Stop()

	s.wg.Wait()

	if err := s.Reminders.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("closing reminder store")
	}
	return s.State.Close()
}

func (s *Silo) onSelfDead() {
	s.logger.Error().Msg("observed self marked Dead by the membership table; exiting")
	s.stopOnce.Do(func() { close(s.stop) })
}

// handleInbound is the transport.Handler installed on the connection
// manager: cluster-join RPCs are handled directly (they precede cluster
// membership and so cannot be addressed to a grain); everything else goes
// through the router.
func (s *Silo) handleInbound(msg *types.Message) {
	if msg.Header.InterfaceType == joinInterfaceType {
		s.handleJoinMessage(msg)
		return
	}
	if err := s.Router.Receive(context.Background(), msg); err != nil {
		s.logger.Warn().Err(err).Msg("router receive failed")
	}
}

// Send implements router.Sender.
func (s *Silo) Send(ctx context.Context, target types.SiloAddress, msg *types.Message) error {
	return s.Transport.Send(ctx, target, msg)
}

// Resolve implements router.Resolver: it answers "which silo should this
// grain's message go to", preferring a cached or locally authoritative
// directory row and falling back to the grain's partition owner — who,
// in this build, is always also the activation's host (see DESIGN.md for
// why placement never relocates an activation off its directory owner).
func (s *Silo) Resolve(ctx context.Context, grain types.GrainID) (types.SiloAddress, error) {
	if e, ok := s.Directory.LookupCache(grain); ok {
		return e.Address.Silo, nil
	}
	if e, ok := s.Directory.LookupLocal(grain); ok {
		return e.Address.Silo, nil
	}
	owner, ok := s.Directory.Owner(grain)
	if !ok {
		return types.SiloAddress{}, failure.New(failure.KindTimeout, "no known ring owner for grain %s", grain)
	}
	return owner, nil
}

// Dispatch implements router.Dispatcher: it admits, places, and schedules
// an inbound request or one-way message against the locally hosted
// activation for its target grain.
func (s *Silo) Dispatch(ctx context.Context, msg *types.Message) error {
	grain := msg.Header.TargetGrain
	gt, ok := s.grainTypeFor(grain.Type)
	if !ok {
		return s.reject(ctx, msg, types.RejectionUnrecoverable,
			failure.New(failure.KindUnsupportedRequest, "no handler registered for grain type %q", grain.Type))
	}

	if !s.Directory.IsOwner(grain) {
		return s.reject(ctx, msg, types.RejectionCacheInvalidation,
			failure.New(failure.KindStaleActivation, "silo %s does not own grain %s", s.cfg.Self, grain))
	}

	if !s.Catalog.HasActivation(grain) {
		if _, err := s.placementStrategy.Choose(ctx, grain, []types.SiloAddress{s.cfg.Self}); err != nil {
			return s.reject(ctx, msg, types.RejectionGatewayTooBusy,
				failure.New(failure.KindOverloaded, "silo %s is shedding new activations", s.cfg.Self))
		}
	}

	address, existed, err := s.Catalog.GetOrCreate(ctx, grain, grain.Type)
	if err != nil {
		if failure.As(err, failure.KindUnsupportedRequest) {
			return s.reject(ctx, msg, types.RejectionGatewayTooBusy, err)
		}
		return s.reject(ctx, msg, types.RejectionTransient, err)
	}
	if !existed {
		winner, rerr := s.Directory.Register(address)
		if rerr != nil {
			return s.reject(ctx, msg, types.RejectionTransient, rerr)
		}
		if winner.Activation != address.Activation {
			s.Events.Publish(&events.Event{
				Type:       events.EventDirectoryRaceResolved,
				Activation: winner,
				Message:    fmt.Sprintf("concurrent create race for %s resolved to %s", grain, winner),
				Metadata: map[string]string{
					"grain_type":  grain.Type,
					"grain_key":   grain.Key(),
					"winner_silo": winner.Silo.String(),
				},
			})
		}
		address = winner
	}

	sched := s.schedulerFor(address, gt)
	return sched.Enqueue(activation.WorkItem{
		ChainRootID: msg.Header.ChainRootID,
		Run: func(ctx context.Context) {
			s.runTurn(ctx, gt, address, msg)
		},
	})
}

func (s *Silo) runTurn(ctx context.Context, gt grainType, address types.ActivationAddress, msg *types.Message) {
	resp, err := gt.handler.Invoke(ctx, address, msg)
	if err != nil {
		s.Events.Publish(&events.Event{
			Type:       events.EventActivationFailed,
			Activation: address,
			Message:    fmt.Sprintf("invocation failed for %s: %v", address, err),
			Metadata: map[string]string{
				"grain_type": address.Grain.Type,
				"grain_key":  address.Grain.Key(),
				"error":      err.Error(),
			},
		})
		if msg.Header.Direction == types.DirectionRequest {
			_ = s.reject(context.Background(), msg, types.RejectionUnrecoverable, err)
		}
		return
	}
	if msg.Header.Direction == types.DirectionRequest && resp != nil {
		if err := s.Router.SendResponse(context.Background(), msg, resp); err != nil {
			s.logger.Warn().Err(err).Str("activation", address.String()).Msg("failed to send response")
		}
	}
}

func (s *Silo) reject(ctx context.Context, msg *types.Message, kind types.RejectionKind, cause error) error {
	s.logger.Debug().Err(cause).Str("rejection", kind.String()).Msg("rejecting message")
	if msg.Header.Direction != types.DirectionRequest {
		return nil
	}
	response := &types.Message{Header: types.MessageHeader{Rejection: kind}}
	return s.Router.SendResponse(ctx, msg, response)
}

func (s *Silo) schedulerFor(address types.ActivationAddress, gt grainType) *activation.Scheduler {
	key := address.Grain.Key()
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	if sched, ok := s.schedulers[key]; ok {
		return sched
	}
	sched := activation.New(address, gt.policy, gt.predicate)
	s.schedulers[key] = sched
	return sched
}

func (s *Silo) removeScheduler(address types.ActivationAddress) {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	delete(s.schedulers, address.Grain.Key())
}

// membershipRefreshLoop periodically re-reads the membership table,
// updates the directory's ownership ring, and publishes join/left/down
// events for every silo whose status transitioned since the last poll.
func (s *Silo) membershipRefreshLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.MembershipRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refreshMembership(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Silo) refreshMembership(ctx context.Context) {
	table, err := s.Membership.ReadAll(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("reading membership table")
		return
	}
	if v, err := strconv.ParseFloat(table.Version, 64); err == nil {
		metrics.TableVersion.Set(v)
	}

	var activeList []types.SiloAddress
	next := make(map[string]types.SiloAddress, len(table.Entries))
	for _, e := range table.Entries {
		key := e.Silo.String()
		if e.Status == types.StatusActive || e.Status == types.StatusJoining {
			activeList = append(activeList, e.Silo)
			next[key] = e.Silo
		}
		if e.Status == types.StatusDead {
			s.activeMu.Lock()
			_, wasActive := s.active[key]
			s.activeMu.Unlock()
			if wasActive {
				s.Events.Publish(&events.Event{
					Type:     events.EventSiloDown,
					Message:  fmt.Sprintf("%s marked Dead", e.Silo),
					Metadata: map[string]string{"silo_address": key},
				})
			}
		}
	}

	s.activeMu.Lock()
	for key, addr := range next {
		if _, ok := s.active[key]; !ok && !addr.Equal(s.cfg.Self) {
			s.Events.Publish(&events.Event{
				Type:     events.EventSiloJoined,
				Message:  fmt.Sprintf("%s joined the cluster", addr),
				Metadata: map[string]string{"silo_address": key},
			})
		}
	}
	for key, addr := range s.active {
		if _, ok := next[key]; !ok {
			s.Events.Publish(&events.Event{
				Type:     events.EventSiloLeft,
				Message:  fmt.Sprintf("%s left the cluster", addr),
				Metadata: map[string]string{"silo_address": key},
			})
		}
	}
	s.active = next
	s.activeMu.Unlock()

	s.Directory.UpdateRing(activeList)
}

func (s *Silo) activeSilos() []types.SiloAddress {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	out := make([]types.SiloAddress, 0, len(s.active))
	for _, addr := range s.active {
		out = append(out, addr)
	}
	return out
}

// reminderScanLoop periodically sweeps this silo's owned hash range of
// the reminder table and fires every row whose due time has elapsed.
func (s *Silo) reminderScanLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ReminderScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.scanReminders()
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Silo) scanReminders() {
	silos := s.activeSilos()
	begin, end := ownedHashRange(silos, s.cfg.Self)

	s.ownedLoMu.Lock()
	rangeChanged := s.ownedLo != begin || s.ownedHi != end
	s.ownedLo, s.ownedHi = begin, end
	s.ownedLoMu.Unlock()

	rows, err := s.Reminders.ReadRowsForHashRange(begin, end)
	if err != nil {
		s.logger.Warn().Err(err).Msg("reading reminder hash range")
		return
	}
	if rangeChanged && len(silos) > 1 {
		s.Events.Publish(&events.Event{
			Type:    events.EventReminderRedistributed,
			Message: fmt.Sprintf("now owns reminder hash range (%x, %x]", begin, end),
			Metadata: map[string]string{
				"hash_begin": fmt.Sprintf("%08x", begin),
				"hash_end":   fmt.Sprintf("%08x", end),
				"row_count":  fmt.Sprintf("%d", len(rows)),
			},
		})
	}

	now := time.Now().UTC()
	for _, row := range rows {
		if now.Before(row.DueAt) {
			continue
		}
		s.fireReminder(row)
	}
}

func (s *Silo) fireReminder(row reminder.Entry) {
	body, _ := json.Marshal(map[string]string{"reminder_name": row.Name})
	msg := &types.Message{
		Header: types.MessageHeader{
			TargetGrain:   row.Grain,
			Direction:     types.DirectionOneWay,
			InterfaceType: reminderFireInterfaceType,
		},
		Body: body,
	}
	if err := s.Dispatch(context.Background(), msg); err != nil {
		s.logger.Warn().Err(err).Str("grain", row.Grain.String()).Str("reminder", row.Name).Msg("dispatching reminder tick")
		return
	}

	next := reminder.Entry{
		ServiceID: row.ServiceID,
		Grain:     row.Grain,
		Name:      row.Name,
		Period:    row.Period,
		DueAt:     row.DueAt.Add(row.Period),
		ETag:      row.ETag,
	}
	if _, err := s.Reminders.Upsert(next); err != nil {
		s.logger.Warn().Err(err).Str("grain", row.Grain.String()).Str("reminder", row.Name).Msg("rescheduling reminder")
	}
	s.Events.Publish(&events.Event{
		Type:    events.EventReminderFired,
		Message: fmt.Sprintf("reminder %q fired for %s", row.Name, row.Grain),
		Metadata: map[string]string{
			"grain_type":    row.Grain.Type,
			"grain_key":     row.Grain.Key(),
			"reminder_name": row.Name,
		},
	})
}

// reminderFireInterfaceType marks a one-way dispatch as a reminder tick
// rather than an ordinary application invocation; a GrainHandler that
// registers reminders checks for it in Invoke.
const reminderFireInterfaceType = "silo.reminder-fire"

// ringHash is the 32-bit hash used to place silos on the reminder table's
// sorted ownership ring — deliberately independent from the directory's
// rendezvous ring (and from reminder.HashGrain's per-grain hash), since the
// reminder table partitions by contiguous successor ranges rather than by
// rendezvous weight (§6 "Reminder store").
func ringHash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// ownedHashRange returns the half-open (begin, end] range self owns on the
// sorted ring of silos, where begin is self's predecessor's hash and end
// is self's own hash — matching reminder.Store.ReadRowsForHashRange's
// contract exactly. If self is not yet present in silos, it is placed on
// the ring at its own hash as if it were. If self is the only silo on the
// ring, it owns the entire ring, expressed as begin == end (triggering the
// wrap case, which covers every hash).
func ownedHashRange(silos []types.SiloAddress, self types.SiloAddress) (begin, end uint32) {
	type entry struct {
		addr types.SiloAddress
		hash uint32
	}
	present := false
	ring := make([]entry, 0, len(silos)+1)
	for _, addr := range silos {
		ring = append(ring, entry{addr: addr, hash: ringHash(addr.String())})
		if addr.Equal(self) {
			present = true
		}
	}
	if !present {
		ring = append(ring, entry{addr: self, hash: ringHash(self.String())})
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })

	idx := 0
	for i, e := range ring {
		if e.addr.Equal(self) {
			idx = i
			break
		}
	}
	if len(ring) == 1 {
		return ring[0].hash, ring[0].hash
	}
	predIdx := (idx - 1 + len(ring)) % len(ring)
	return ring[predIdx].hash, ring[idx].hash
}

const joinInterfaceType = "silo.cluster-join"

type joinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

type joinResult struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty"`
}

// handleJoinMessage answers a cluster-join RPC: only the Raft leader may
// admit a new voter, so a follower redirects the caller to the current
// leader rather than attempting the add itself (§4.1 join protocol,
// generalizing the teacher's cluster join command, which was left
// unimplemented, into a working redirect-following RPC over pkg/transport
// in place of the dropped gRPC surface).
func (s *Silo) handleJoinMessage(msg *types.Message) {
	var req joinRequest
	result := joinResult{}
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		result.Error = fmt.Sprintf("decode join request: %v", err)
	} else if rs, ok := s.Membership.(*membership.RaftStore); !ok {
		result.Error = "this silo's membership backend does not support Raft joins"
	} else if !rs.IsLeader() {
		result.Error = "not the Raft leader"
		result.LeaderAddr = rs.LeaderAddr()
	} else if err := rs.AddVoter(req.NodeID, req.RaftAddr); err != nil {
		result.Error = err.Error()
	} else {
		result.OK = true
	}

	body, _ := json.Marshal(result)
	resp := &types.Message{
		Header: types.MessageHeader{
			Direction:     types.DirectionResponse,
			CorrelationID: msg.Header.CorrelationID,
			InterfaceType: joinInterfaceType,
			SendingSilo:   s.cfg.Self,
		},
		Body: body,
	}
	if err := s.Transport.Send(context.Background(), msg.Header.SendingSilo, resp); err != nil {
		s.logger.Warn().Err(err).Msg("sending join response")
	}
}

// StatusReport is the JSON body served at /status: a snapshot of this
// silo's membership view and local load, grounded on the teacher's
// cluster-info command in spirit (what an operator checks after standing a
// node up) but read straight from local state rather than a gRPC manager,
// since that surface does not exist in this build.
type StatusReport struct {
	Self                string                  `json:"self"`
	ClusterID           string                  `json:"cluster_id"`
	MembershipVersion   string                  `json:"membership_version"`
	Silos               []types.MembershipEntry `json:"silos"`
	LocalActivations    int                     `json:"local_activations"`
	UnderStreamPressure bool                    `json:"under_stream_pressure"`
}

// Status reads a live snapshot of this silo's membership and load.
func (s *Silo) Status(ctx context.Context) StatusReport {
	table, err := s.Membership.ReadAll(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("reading membership table for status report")
	}
	return StatusReport{
		Self:                s.cfg.Self.String(),
		ClusterID:           s.cfg.ClusterID,
		MembershipVersion:   table.Version,
		Silos:               table.Entries,
		LocalActivations:    s.Catalog.Count(),
		UnderStreamPressure: s.Streams.IsUnderPressure(),
	}
}

// ServeStatusHTTP blocks serving /status, /healthz and /metrics on addr,
// the read side of silod's CLI surface: silod status queries /status over
// plain HTTP rather than the teacher's gRPC GetClusterInfo, which this
// build drops along with the rest of the gRPC surface (§4.7).
func (s *Silo) ServeStatusHTTP(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Status(r.Context()))
	})

	server := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return server.Close()
	case <-s.stop:
		return server.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Bootstrap forms a brand-new single-voter Raft cluster with this silo as
// the only member. Call on exactly one silo, the one starting a cluster
// from scratch; every other silo calls RequestJoin against it instead.
func (s *Silo) Bootstrap() error {
	rs, ok := s.Membership.(*membership.RaftStore)
	if !ok {
		return fmt.Errorf("bootstrap requires a *membership.RaftStore backend")
	}
	return rs.Bootstrap()
}

// RequestJoin asks seed (a silo already in the cluster) to admit a new
// Raft voter identified by nodeID/raftAddr. It makes up to five attempts,
// so it follows at most four leader redirects. It opens its own short-lived transport connection rather
// than reusing a Silo's router, since the caller is not yet a cluster
// member when it issues the request.
func RequestJoin(ctx context.Context, seed types.SiloAddress, clusterID, nodeID, raftAddr string, logger zerolog.Logger) error {
	respCh := make(chan *types.Message, 1)
	self := types.SiloAddress{Endpoint: raftAddr}
	mgr := transport.NewManager(self, clusterID, func(msg *types.Message) {
		if msg.Header.InterfaceType == joinInterfaceType {
			select {
			case respCh <- msg:
			default:
			}
		}
	})
	defer mgr.CloseAll()

	target := seed
	for attempt := 0; attempt < 5; attempt++ {
		body, err := json.Marshal(joinRequest{NodeID: nodeID, RaftAddr: raftAddr})
		if err != nil {
			return err
		}
		msg := &types.Message{
			Header: types.MessageHeader{
				InterfaceType: joinInterfaceType,
				Direction:     types.DirectionRequest,
				Expiry:        time.Now().Add(10 * time.Second),
			},
			Body: body,
		}
		if err := mgr.Send(ctx, target, msg); err != nil {
			return fmt.Errorf("send join request to %s: %w", target, err)
		}

		select {
		case resp := <-respCh:
			var result joinResult
			if err := json.Unmarshal(resp.Body, &result); err != nil {
				return fmt.Errorf("decode join response: %w", err)
			}
			if result.OK {
				return nil
			}
			if result.LeaderAddr == "" {
				return fmt.Errorf("join rejected by %s: %s", target, result.Error)
			}
			logger.Info().Str("leader", result.LeaderAddr).Msg("redirected to raft leader, retrying join")
			target = types.SiloAddress{Endpoint: result.LeaderAddr}
		case <-time.After(12 * time.Second):
			return fmt.Errorf("join request to %s timed out", target)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("exceeded join retry attempts, last target %s", target)
}
