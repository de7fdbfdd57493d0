// Package directory implements the Grain Directory (§4.2): the mapping
// from a grain to its current activation address, partitioned across
// silos by consistent hashing and cached, with bounded staleness, by every
// other silo that talks to that grain.
package directory

import (
	"sync"
	"time"

	"github.com/grainhive/grainhive/pkg/failure"
	"github.com/grainhive/grainhive/pkg/metrics"
	"github.com/grainhive/grainhive/pkg/types"
	"github.com/dgryski/go-rendezvous"
	lru "github.com/hashicorp/golang-lru"
)

// nowFunc is overridable in tests that need deterministic timestamps.
var nowFunc = func() time.Time { return time.Now().UTC() }

// ErrNotOwner is returned by owner-only operations when self does not own
// the grain's partition on the current ring.
var ErrNotOwner = failure.New(failure.KindStaleActivation, "directory: not the owner of this grain on the current ring")

// Directory tracks, for the partition this silo owns, the authoritative
// directory rows, and caches a bounded number of entries it looked up for
// grains owned elsewhere.
type Directory struct {
	self types.SiloAddress

	mu    sync.RWMutex
	ring  *rendezvous.Rendezvous
	silos []string

	ownedMu sync.RWMutex
	owned   map[string]types.DirectoryEntry

	cache *lru.Cache
}

// New creates a Directory for self with a bounded non-owned-entry cache of
// cacheSize rows.
func New(self types.SiloAddress, cacheSize int) (*Directory, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Directory{
		self:  self,
		owned: make(map[string]types.DirectoryEntry),
		cache: cache,
	}, nil
}

// UpdateRing replaces the set of live silos used to compute grain
// ownership; call this whenever membership changes (§4.1's Oracle is the
// usual caller).
func (d *Directory) UpdateRing(silos []types.SiloAddress) {
	keys := make([]string, 0, len(silos))
	for _, s := range silos {
		keys = append(keys, s.String())
	}
	d.mu.Lock()
	d.silos = keys
	d.ring = rendezvous.New(keys, directoryHash)
	d.mu.Unlock()
	metrics.DirectoryCacheSize.Set(float64(d.cache.Len()))
}

// Owner returns the silo that currently owns grain's authoritative
// directory row: the silo with the highest rendezvous (highest-random-
// weight) score for the grain's hash input among the silos in the ring.
// Ownership is not the successor of the grain's hash on a sorted ring.
func (d *Directory) Owner(grain types.GrainID) (types.SiloAddress, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.ring == nil || len(d.silos) == 0 {
		return types.SiloAddress{}, false
	}
	key := d.ring.Lookup(grain.HashInput())
	return parseSiloString(key), true
}

// IsOwner reports whether self currently owns grain's partition.
func (d *Directory) IsOwner(grain types.GrainID) bool {
	owner, ok := d.Owner(grain)
	return ok && owner.Equal(d.self)
}

// Register records address as the current activation of grain. Only the
// owner may register; concurrent registration races are broken
// deterministically by ActivationAddress.Less (§4.2).
func (d *Directory) Register(address types.ActivationAddress) (types.ActivationAddress, error) {
	if !d.IsOwner(address.Grain) {
		return types.ActivationAddress{}, ErrNotOwner
	}

	d.ownedMu.Lock()
	defer d.ownedMu.Unlock()

	key := address.Grain.Key()
	if existing, ok := d.owned[key]; ok {
		metrics.DirectoryRegistrationRacesTotal.Inc()
		if existing.Address.Less(address) {
			return existing.Address, nil
		}
	}
	d.owned[key] = types.DirectoryEntry{
		Grain:        address.Grain,
		Address:      address,
		RegisteredAt: nowFunc(),
	}
	return address, nil
}

// Unregister removes a grain's authoritative row, e.g. on deactivation.
// It is a no-op if address no longer matches the current row (a newer
// activation already replaced it).
func (d *Directory) Unregister(address types.ActivationAddress) {
	d.ownedMu.Lock()
	defer d.ownedMu.Unlock()
	key := address.Grain.Key()
	if existing, ok := d.owned[key]; ok && existing.Address.Activation == address.Activation {
		delete(d.owned, key)
	}
}

// LookupLocal returns the authoritative row for grain if self owns it.
func (d *Directory) LookupLocal(grain types.GrainID) (types.DirectoryEntry, bool) {
	d.ownedMu.RLock()
	defer d.ownedMu.RUnlock()
	e, ok := d.owned[grain.Key()]
	return e, ok
}

// LookupCache returns a cached row for a non-owned grain, if present.
func (d *Directory) LookupCache(grain types.GrainID) (types.DirectoryEntry, bool) {
	v, ok := d.cache.Get(grain.Key())
	if !ok {
		metrics.DirectoryCacheHitsTotal.WithLabelValues("miss").Inc()
		return types.DirectoryEntry{}, false
	}
	metrics.DirectoryCacheHitsTotal.WithLabelValues("hit").Inc()
	return v.(types.DirectoryEntry), true
}

// PutCache caches a row for a non-owned grain, e.g. after a remote lookup.
func (d *Directory) PutCache(entry types.DirectoryEntry) {
	d.cache.Add(entry.Grain.Key(), entry)
	metrics.DirectoryCacheSize.Set(float64(d.cache.Len()))
}

// InvalidateCache drops a cached row, e.g. on a CacheInvalidation rejection
// from the message router (§4.6).
func (d *Directory) InvalidateCache(grain types.GrainID) {
	d.cache.Remove(grain.Key())
	metrics.DirectoryCacheSize.Set(float64(d.cache.Len()))
}

// RemoveSilo drops every authoritative row owned by a silo detected dead,
// so stale activations are not handed out once a peer's death is observed.
func (d *Directory) RemoveSilo(silo types.SiloAddress) {
	d.ownedMu.Lock()
	defer d.ownedMu.Unlock()
	for key, e := range d.owned {
		if e.Address.Silo.Equal(silo) {
			delete(d.owned, key)
		}
	}
}

func directoryHash(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

func parseSiloString(key string) types.SiloAddress {
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
