package membership

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/grainhive/grainhive/pkg/failure"
	"github.com/grainhive/grainhive/pkg/metrics"
	"github.com/grainhive/grainhive/pkg/types"
	"github.com/dgryski/go-rendezvous"
	"github.com/rs/zerolog"
)

// Config tunes the Oracle's heartbeat/probe/suspicion cadence (§4.1).
type Config struct {
	HeartbeatPeriod time.Duration
	ProbePeriod     time.Duration
	// SuspicionWindow is the sliding window W within which SuspicionThreshold
	// distinct suspectors must accumulate before a suspect may be marked Dead.
	SuspicionWindow    time.Duration
	SuspicionThreshold int
	// NumProbeTargets bounds how many successors on the hash ring are probed
	// each probe period.
	NumProbeTargets int
	// DefunctRetention is how long a Dead row survives before cleanup may
	// remove it.
	DefunctRetention time.Duration
}

// DefaultConfig returns conservative defaults suitable for tests and small
// clusters.
func DefaultConfig() Config {
	return Config{
		HeartbeatPeriod:    5 * time.Second,
		ProbePeriod:        10 * time.Second,
		SuspicionWindow:    30 * time.Second,
		SuspicionThreshold: 2,
		NumProbeTargets:    3,
		DefunctRetention:   24 * time.Hour,
	}
}

// Oracle runs the per-silo membership protocol against a pluggable Store:
// periodic IAmAlive heartbeats, periodic probing of ring successors,
// suspicion accumulation, and version-guarded CAS transitions to Dead. It
// is the direct generalization of the teacher's pkg/health health-check
// loop to a cluster-wide, version-guarded membership table.
type Oracle struct {
	store  Store
	prober Prober
	self   types.SiloAddress
	cfg    Config
	logger zerolog.Logger

	mu       sync.RWMutex
	ring     *rendezvous.Rendezvous
	siloKeys []string

	onSelfDead   func()
	selfDeadOnce sync.Once

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewOracle constructs an Oracle for self, backed by store and prober.
// onSelfDead is invoked exactly once if this silo ever observes its own row
// marked Dead (§4.1: "a silo that observes itself marked Dead must exit").
func NewOracle(self types.SiloAddress, store Store, prober Prober, cfg Config, logger zerolog.Logger, onSelfDead func()) *Oracle {
	return &Oracle{
		store:      store,
		prober:     prober,
		self:       self,
		cfg:        cfg,
		logger:     logger.With().Str("silo_address", self.String()).Logger(),
		onSelfDead: onSelfDead,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Join inserts this silo's row as Created then advances it to Joining and
// Active, matching the state machine Created → Joining → Active.
func (o *Oracle) Join(ctx context.Context, hostName, role string) error {
	entry := types.MembershipEntry{
		Silo:         o.self,
		HostName:     hostName,
		Role:         role,
		Status:       types.StatusCreated,
		StartTime:    time.Now().UTC(),
		IAmAliveTime: time.Now().UTC(),
	}

	if err := o.insertWithRetry(ctx, entry); err != nil {
		return err
	}
	if err := o.advanceStatus(ctx, types.StatusJoining); err != nil {
		return err
	}
	if err := o.advanceStatus(ctx, types.StatusActive); err != nil {
		return err
	}
	return nil
}

func (o *Oracle) insertWithRetry(ctx context.Context, entry types.MembershipEntry) error {
	for attempt := 0; attempt < 10; attempt++ {
		table, err := o.store.ReadAll(ctx)
		if err != nil {
			return err
		}
		ok, err := o.store.InsertRow(ctx, entry, table.Version)
		if err != nil {
			return err
		}
		if ok {
			metrics.SilosTotal.WithLabelValues(entry.Status.String()).Inc()
			return nil
		}
		metrics.MembershipContentionTotal.Inc()
	}
	return failure.New(failure.KindMembershipContention, "could not insert membership row for %s after retries", o.self)
}

func (o *Oracle) advanceStatus(ctx context.Context, next types.SiloStatus) error {
	for attempt := 0; attempt < 10; attempt++ {
		entry, etag, err := o.store.ReadRow(ctx, o.self)
		if err != nil {
			return err
		}
		table, err := o.store.ReadAll(ctx)
		if err != nil {
			return err
		}
		entry.Status = next
		ok, err := o.store.UpdateRow(ctx, entry, etag, table.Version)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		metrics.MembershipContentionTotal.Inc()
	}
	return failure.New(failure.KindMembershipContention, "could not advance %s to %s after retries", o.self, next)
}

// Start launches the heartbeat and probe loops in the background and
// returns immediately; Stop ends both loops and waits for them to exit.
func (o *Oracle) Start(ctx context.Context) {
	if err := o.refreshRing(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("initial ring refresh failed")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		o.probeLoop(ctx)
	}()
	go func() {
		wg.Wait()
		close(o.done)
	}()
}

// Stop signals both loops to exit and waits for them to finish.
func (o *Oracle) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
	<-o.done
}

func (o *Oracle) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			if err := o.heartbeatOnce(ctx); err != nil {
				o.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (o *Oracle) heartbeatOnce(ctx context.Context) error {
	entry, _, err := o.store.ReadRow(ctx, o.self)
	if err != nil {
		return err
	}
	if entry.Status == types.StatusDead {
		o.declareSelfDead()
		return nil
	}
	entry.IAmAliveTime = time.Now().UTC()
	return o.store.UpdateIAmAlive(ctx, entry)
}

func (o *Oracle) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ProbePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			if err := o.refreshRing(ctx); err != nil {
				o.logger.Warn().Err(err).Msg("ring refresh failed")
				continue
			}
			o.probeOnce(ctx)
		}
	}
}

func (o *Oracle) refreshRing(ctx context.Context) error {
	table, err := o.store.ReadAll(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(table.Entries))
	for _, e := range table.Entries {
		if e.Status == types.StatusDead {
			continue
		}
		keys = append(keys, e.Silo.String())
	}
	sort.Slice(keys, func(i, j int) bool { return rendezvousHash(keys[i]) < rendezvousHash(keys[j]) })
	o.mu.Lock()
	o.siloKeys = keys
	o.ring = rendezvous.New(keys, rendezvousHash)
	o.mu.Unlock()
	return nil
}

// Successors returns the next n distinct peers on the hash ring after
// self, used both for probe target selection and for directory ownership
// handoff reasoning.
func (o *Oracle) Successors(n int) []types.SiloAddress {
	o.mu.RLock()
	keys := append([]string(nil), o.siloKeys...)
	o.mu.RUnlock()

	if len(keys) == 0 {
		return nil
	}
	start := 0
	self := o.self.String()
	for i, k := range keys {
		if k == self {
			start = i
			break
		}
	}
	out := make([]types.SiloAddress, 0, n)
	for i := 1; i <= len(keys) && len(out) < n; i++ {
		k := keys[(start+i)%len(keys)]
		if k == self {
			continue
		}
		out = append(out, parseSiloKey(k))
	}
	return out
}

func (o *Oracle) probeOnce(ctx context.Context) {
	targets := o.Successors(o.cfg.NumProbeTargets)
	for _, target := range targets {
		probeCtx, cancel := context.WithTimeout(ctx, o.cfg.ProbePeriod/2)
		err := o.prober.Probe(probeCtx, target)
		cancel()
		if err == nil {
			metrics.ProbesSentTotal.WithLabelValues("ok").Inc()
			continue
		}
		metrics.ProbesSentTotal.WithLabelValues("failed").Inc()
		if suspErr := o.addSuspicion(ctx, target); suspErr != nil {
			o.logger.Warn().Err(suspErr).Str("target", target.String()).Msg("failed to record suspicion")
		}
	}
}

// addSuspicion appends this silo as a suspector of target and, if the
// suspector count within SuspicionWindow reaches SuspicionThreshold, marks
// target Dead via version-guarded CAS.
func (o *Oracle) addSuspicion(ctx context.Context, target types.SiloAddress) error {
	for attempt := 0; attempt < 5; attempt++ {
		entry, etag, err := o.store.ReadRow(ctx, target)
		if err != nil {
			return err
		}
		if entry.Status == types.StatusDead {
			return nil
		}

		now := time.Now().UTC()
		cutoff := now.Add(-o.cfg.SuspicionWindow)
		fresh := make([]types.Suspicion, 0, len(entry.Suspectors)+1)
		alreadySuspected := false
		for _, s := range entry.Suspectors {
			if s.SuspectAt.Before(cutoff) {
				continue
			}
			if s.Suspector.Equal(o.self) {
				alreadySuspected = true
			}
			fresh = append(fresh, s)
		}
		if !alreadySuspected {
			fresh = append(fresh, types.Suspicion{Suspector: o.self, SuspectAt: now})
		}
		entry.Suspectors = fresh

		if len(fresh) >= o.cfg.SuspicionThreshold {
			entry.Status = types.StatusDead
			entry.Suspectors = nil
		}

		table, err := o.store.ReadAll(ctx)
		if err != nil {
			return err
		}
		ok, err := o.store.UpdateRow(ctx, entry, etag, table.Version)
		if err != nil {
			return err
		}
		if ok {
			if entry.Status == types.StatusDead {
				metrics.SilosMarkedDeadTotal.Inc()
				metrics.SilosTotal.WithLabelValues(types.StatusDead.String()).Inc()
			}
			return nil
		}
		metrics.MembershipContentionTotal.Inc()
	}
	return failure.New(failure.KindMembershipContention, "could not record suspicion for %s after retries", target)
}

func (o *Oracle) declareSelfDead() {
	o.selfDeadOnce.Do(func() {
		o.logger.Error().Msg("observed own row marked Dead; exiting")
		if o.onSelfDead != nil {
			o.onSelfDead()
		}
	})
}

// Leave moves this silo's row through ShuttingDown → Stopping → Dead, the
// graceful counterpart to peer-forced death.
func (o *Oracle) Leave(ctx context.Context) error {
	if err := o.advanceStatus(ctx, types.StatusShuttingDown); err != nil {
		return err
	}
	if err := o.advanceStatus(ctx, types.StatusStopping); err != nil {
		return err
	}
	return o.advanceStatus(ctx, types.StatusDead)
}

func rendezvousHash(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// parseSiloKey reverses types.SiloAddress.String()'s "endpoint@generation"
// format back into a SiloAddress for dialing.
func parseSiloKey(key string) types.SiloAddress {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '@' {
			var gen int64
			for _, c := range key[i+1:] {
				if c < '0' || c > '9' {
					gen = 0
					break
				}
				gen = gen*10 + int64(c-'0')
			}
			return types.SiloAddress{Endpoint: key[:i], Generation: gen}
		}
	}
	return types.SiloAddress{Endpoint: key}
}
