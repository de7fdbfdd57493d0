// Package placement implements the Placement Director (§4.3): advisory
// strategies for choosing which silo should host a new grain activation.
// The final owner is always whoever wins directory registration — a
// placement decision is a proposal, not a commitment.
package placement

import (
	"context"
	"math/rand"

	"github.com/grainhive/grainhive/pkg/failure"
	"github.com/grainhive/grainhive/pkg/types"
	"github.com/dgryski/go-rendezvous"
)

// LoadReport is one silo's self-reported load, as returned by the
// LoadPublisher a LoadAware strategy is given. This package defines the
// LoadPublisher interface only; it contains no publisher implementation.
type LoadReport struct {
	Silo            types.SiloAddress
	ActivationCount int
	CPUPercent      float64
	MemoryPercent   float64
	// ShedHeadroom is 0 at full load-shedding and 1 at no load at all;
	// higher is more eligible.
	ShedHeadroom float64
}

// weighted combines the load dimensions into a single comparable score;
// lower is better. Activation count dominates since it is the cheapest,
// most directly comparable signal across heterogeneous hardware.
func (r LoadReport) weighted() float64 {
	return float64(r.ActivationCount) + r.CPUPercent*0.5 + r.MemoryPercent*0.3 - r.ShedHeadroom*10
}

// LoadPublisher exposes the last report seen for every active silo.
type LoadPublisher interface {
	Reports() []LoadReport
}

// Strategy is one placement policy.
type Strategy interface {
	Choose(ctx context.Context, grain types.GrainID, candidates []types.SiloAddress) (types.SiloAddress, error)
}

var errNoCandidates = failure.New(failure.KindUnsupportedRequest, "placement: no eligible silos")

// RandomActive places uniformly across active, non-overloaded silos.
type RandomActive struct {
	Overloaded func(types.SiloAddress) bool
}

func (p RandomActive) Choose(_ context.Context, _ types.GrainID, candidates []types.SiloAddress) (types.SiloAddress, error) {
	eligible := filterOverloaded(candidates, p.Overloaded)
	if len(eligible) == 0 {
		return types.SiloAddress{}, errNoCandidates
	}
	return eligible[rand.Intn(len(eligible))], nil
}

// PreferLocal places on the caller's own silo when it is eligible,
// falling back to RandomActive otherwise.
type PreferLocal struct {
	Local      types.SiloAddress
	Overloaded func(types.SiloAddress) bool
}

func (p PreferLocal) Choose(ctx context.Context, grain types.GrainID, candidates []types.SiloAddress) (types.SiloAddress, error) {
	for _, c := range candidates {
		if c.Equal(p.Local) && (p.Overloaded == nil || !p.Overloaded(c)) {
			return p.Local, nil
		}
	}
	return RandomActive{Overloaded: p.Overloaded}.Choose(ctx, grain, candidates)
}

// HashBased places deterministically by rendezvous hashing the grain id
// over the candidate set, so a single membership change moves only the
// grains whose owner actually changes.
type HashBased struct{}

func (HashBased) Choose(_ context.Context, grain types.GrainID, candidates []types.SiloAddress) (types.SiloAddress, error) {
	if len(candidates) == 0 {
		return types.SiloAddress{}, errNoCandidates
	}
	keys := make([]string, len(candidates))
	byKey := make(map[string]types.SiloAddress, len(candidates))
	for i, c := range candidates {
		keys[i] = c.String()
		byKey[keys[i]] = c
	}
	ring := rendezvous.New(keys, placementHash)
	return byKey[ring.Lookup(grain.HashInput())], nil
}

// LoadAware prefers the candidate with the lowest weighted load as
// reported by a LoadPublisher. Candidates with no report are skipped; it
// falls back to RandomActive only when no candidate has a report.
type LoadAware struct {
	Publisher LoadPublisher
}

func (p LoadAware) Choose(ctx context.Context, grain types.GrainID, candidates []types.SiloAddress) (types.SiloAddress, error) {
	if len(candidates) == 0 {
		return types.SiloAddress{}, errNoCandidates
	}
	reports := make(map[string]LoadReport)
	for _, r := range p.Publisher.Reports() {
		reports[r.Silo.String()] = r
	}

	best, bestScore := types.SiloAddress{}, 0.0
	haveBest := false
	for _, c := range candidates {
		r, ok := reports[c.String()]
		if !ok {
			continue
		}
		score := r.weighted()
		if !haveBest || score < bestScore {
			best, bestScore, haveBest = c, score, true
		}
	}
	if haveBest {
		return best, nil
	}
	return RandomActive{}.Choose(ctx, grain, candidates)
}

func filterOverloaded(candidates []types.SiloAddress, overloaded func(types.SiloAddress) bool) []types.SiloAddress {
	if overloaded == nil {
		return candidates
	}
	out := make([]types.SiloAddress, 0, len(candidates))
	for _, c := range candidates {
		if !overloaded(c) {
			out = append(out, c)
		}
	}
	return out
}

func placementHash(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
