// Package catalog implements the Activation Catalog (§4.4): the per-silo
// table of locally hosted activations, their lifecycle hooks, and
// deactivation cool-downs.
package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grainhive/grainhive/pkg/failure"
	"github.com/grainhive/grainhive/pkg/metrics"
	"github.com/grainhive/grainhive/pkg/types"
	"github.com/google/uuid"
)

// Lifecycle hooks a grain type may implement; absent hooks are treated as
// no-ops.
type OnActivate func(ctx context.Context, address types.ActivationAddress) error
type OnDeactivate func(address types.ActivationAddress, reason types.DeactivationReason)

// Hooks bundles a grain type's lifecycle callbacks.
type Hooks struct {
	OnActivate   OnActivate
	OnDeactivate OnDeactivate
}

type activation struct {
	address   types.ActivationAddress
	createdAt time.Time
}

// Catalog is the per-silo table of locally hosted activations.
type Catalog struct {
	self types.SiloAddress

	hooksMu sync.RWMutex
	hooks   map[string]Hooks

	mu          sync.Mutex
	byGrain     map[string]*activation
	creating    map[string]chan struct{}
	coolingDown map[string]time.Time
	coolDownFor time.Duration
}

// New creates an empty Catalog for silo self. coolDownFor bounds how long
// a grain refuses reactivation after an ApplicationError or
// InconsistentState deactivation (§4.4).
func New(self types.SiloAddress, coolDownFor time.Duration) *Catalog {
	if coolDownFor <= 0 {
		coolDownFor = 30 * time.Second
	}
	return &Catalog{
		self:        self,
		hooks:       make(map[string]Hooks),
		byGrain:     make(map[string]*activation),
		creating:    make(map[string]chan struct{}),
		coolingDown: make(map[string]time.Time),
		coolDownFor: coolDownFor,
	}
}

// RegisterHooks installs lifecycle hooks for a grain type.
func (c *Catalog) RegisterHooks(grainType string, hooks Hooks) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks[grainType] = hooks
}

func (c *Catalog) hooksFor(grainType string) Hooks {
	c.hooksMu.RLock()
	defer c.hooksMu.RUnlock()
	return c.hooks[grainType]
}

// ErrCoolingDown is returned by GetOrCreate when the grain is still within
// its post-failure cool-down window.
var ErrCoolingDown = failure.New(failure.KindUnsupportedRequest, "catalog: grain is cooling down after a failed deactivation")

// GetOrCreate returns the existing activation for grain, or creates one.
// Creation is idempotent under concurrent callers: only the first caller
// runs onActivate; the rest wait on it and share its result (§4.4
// "concurrent callers observe one activation").
func (c *Catalog) GetOrCreate(ctx context.Context, grain types.GrainID, grainType string) (types.ActivationAddress, bool, error) {
	key := grain.Key()

	for {
		c.mu.Lock()
		if a, ok := c.byGrain[key]; ok {
			c.mu.Unlock()
			return a.address, true, nil
		}
		if until, ok := c.coolingDown[key]; ok {
			if nowFunc().Before(until) {
				c.mu.Unlock()
				return types.ActivationAddress{}, false, ErrCoolingDown
			}
			delete(c.coolingDown, key)
		}
		if wait, ok := c.creating[key]; ok {
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return types.ActivationAddress{}, false, ctx.Err()
			}
		}

		wait := make(chan struct{})
		c.creating[key] = wait
		c.mu.Unlock()

		address, err := c.create(ctx, grain, grainType)

		c.mu.Lock()
		delete(c.creating, key)
		if err == nil {
			c.byGrain[key] = &activation{address: address, createdAt: nowFunc()}
			metrics.ActivationsTotal.WithLabelValues(grain.Type).Inc()
			metrics.ActivationsCreatedTotal.Inc()
		}
		c.mu.Unlock()
		close(wait)

		if err != nil {
			return types.ActivationAddress{}, false, err
		}
		return address, false, nil
	}
}

func (c *Catalog) create(ctx context.Context, grain types.GrainID, grainType string) (types.ActivationAddress, error) {
	address := types.ActivationAddress{
		Grain:      grain,
		Silo:       c.self,
		Activation: types.ActivationID(uuid.NewString()),
	}
	hooks := c.hooksFor(grainType)
	if hooks.OnActivate == nil {
		return address, nil
	}
	if err := hooks.OnActivate(ctx, address); err != nil {
		return types.ActivationAddress{}, failure.Wrap(failure.KindInconsistentState, err)
	}
	return address, nil
}

// HasActivation reports whether grain currently has a live local
// activation, without creating one.
func (c *Catalog) HasActivation(grain types.GrainID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byGrain[grain.Key()]
	return ok
}

// Find returns the activation at address if it is still current.
func (c *Catalog) Find(address types.ActivationAddress) (types.ActivationAddress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.byGrain[address.Grain.Key()]
	if !ok || a.address.Activation != address.Activation {
		return types.ActivationAddress{}, false
	}
	return a.address, true
}

// IsCoolingDown reports whether grain is still within a post-failure
// cool-down window and should not be reactivated yet.
func (c *Catalog) IsCoolingDown(grain types.GrainID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.coolingDown[grain.Key()]
	return ok && nowFunc().Before(until)
}

// Deactivate removes address from the catalog, running onDeactivate and,
// for ApplicationError/InconsistentState, starting the cool-down window
// during which the grain refuses reactivation.
func (c *Catalog) Deactivate(address types.ActivationAddress, grainType string, reason types.DeactivationReason) error {
	key := address.Grain.Key()

	c.mu.Lock()
	a, ok := c.byGrain[key]
	if !ok || a.address.Activation != address.Activation {
		c.mu.Unlock()
		return fmt.Errorf("catalog: no such activation %s", address)
	}
	delete(c.byGrain, key)
	if reason.CoolsDown() {
		c.coolingDown[key] = nowFunc().Add(c.coolDownFor)
	}
	c.mu.Unlock()

	hooks := c.hooksFor(grainType)
	if hooks.OnDeactivate != nil {
		hooks.OnDeactivate(address, reason)
	}
	metrics.DeactivationsTotal.WithLabelValues(reason.String()).Inc()
	metrics.ActivationsTotal.WithLabelValues(address.Grain.Type).Dec()
	return nil
}

// Count returns the number of locally hosted activations.
func (c *Catalog) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byGrain)
}

var nowFunc = func() time.Time { return time.Now().UTC() }
