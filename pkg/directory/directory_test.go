package directory

import (
	"fmt"
	"testing"

	"github.com/grainhive/grainhive/pkg/types"
	"github.com/stretchr/testify/require"
)

func threeSilos() []types.SiloAddress {
	return []types.SiloAddress{
		{Endpoint: "127.0.0.1:9001", Generation: 1},
		{Endpoint: "127.0.0.1:9002", Generation: 1},
		{Endpoint: "127.0.0.1:9003", Generation: 1},
	}
}

func TestDirectory_OwnerIsDeterministic(t *testing.T) {
	silos := threeSilos()
	grain := types.NewGUIDGrainID("Account", "abc-123")

	var owners []types.SiloAddress
	for _, self := range silos {
		d, err := New(self, 16)
		require.NoError(t, err)
		d.UpdateRing(silos)
		owner, ok := d.Owner(grain)
		require.True(t, ok)
		owners = append(owners, owner)
	}
	require.Equal(t, owners[0], owners[1])
	require.Equal(t, owners[1], owners[2])
}

func TestDirectory_RegisterRejectsNonOwner(t *testing.T) {
	silos := threeSilos()

	// Find a grain silos[0] does not own by trying candidates until one
	// resolves to a different owner; the ring is deterministic so this
	// terminates quickly in practice.
	probe, err := New(silos[0], 16)
	require.NoError(t, err)
	probe.UpdateRing(silos)

	var grain types.GrainID
	var owner types.SiloAddress
	found := false
	for i := 0; i < 50; i++ {
		g := types.NewGUIDGrainID("Account", fmt.Sprintf("candidate-%d", i))
		o, ok := probe.Owner(g)
		require.True(t, ok)
		if !o.Equal(silos[0]) {
			grain, owner, found = g, o, true
			break
		}
	}
	require.True(t, found, "expected at least one non-owned grain within 50 candidates")
	require.False(t, owner.Equal(silos[0]))

	addr := types.ActivationAddress{Grain: grain, Silo: silos[0], Activation: "act-1"}
	_, regErr := probe.Register(addr)
	require.ErrorIs(t, regErr, ErrNotOwner)
}

func TestDirectory_ConcurrentRegisterBreaksTieDeterministically(t *testing.T) {
	silos := threeSilos()
	grain := types.NewGUIDGrainID("Account", "tie-break")

	var owner types.SiloAddress
	dirs := make(map[string]*Directory)
	for _, self := range silos {
		d, err := New(self, 16)
		require.NoError(t, err)
		d.UpdateRing(silos)
		dirs[self.String()] = d
		if o, ok := d.Owner(grain); ok {
			owner = o
		}
	}
	d := dirs[owner.String()]

	first := types.ActivationAddress{Grain: grain, Silo: silos[0], Activation: "act-aaa"}
	second := types.ActivationAddress{Grain: grain, Silo: silos[0], Activation: "act-bbb"}

	winner1, err := d.Register(first)
	require.NoError(t, err)
	winner2, err := d.Register(second)
	require.NoError(t, err)

	require.Equal(t, winner1, winner2)

	entry, ok := d.LookupLocal(grain)
	require.True(t, ok)
	require.Equal(t, winner1, entry.Address)
}

func TestDirectory_CachePutLookupInvalidate(t *testing.T) {
	d, err := New(types.SiloAddress{Endpoint: "127.0.0.1:9001"}, 16)
	require.NoError(t, err)

	grain := types.NewGUIDGrainID("Account", "cached-grain")
	addr := types.ActivationAddress{Grain: grain, Silo: types.SiloAddress{Endpoint: "127.0.0.1:9002"}, Activation: "act-1"}

	_, ok := d.LookupCache(grain)
	require.False(t, ok)

	d.PutCache(types.DirectoryEntry{Grain: grain, Address: addr})
	entry, ok := d.LookupCache(grain)
	require.True(t, ok)
	require.Equal(t, addr, entry.Address)

	d.InvalidateCache(grain)
	_, ok = d.LookupCache(grain)
	require.False(t, ok)
}

func TestDirectory_RemoveSiloDropsOwnedRows(t *testing.T) {
	silos := threeSilos()
	grain := types.NewGUIDGrainID("Account", "drop-on-death")

	var d *Directory
	var owner types.SiloAddress
	for _, self := range silos {
		cand, err := New(self, 16)
		require.NoError(t, err)
		cand.UpdateRing(silos)
		if o, ok := cand.Owner(grain); ok && o.Equal(self) {
			d = cand
			owner = self
		}
	}
	require.NotNil(t, d)

	addr := types.ActivationAddress{Grain: grain, Silo: silos[1], Activation: "act-1"}
	_, err := d.Register(addr)
	require.NoError(t, err)

	d.RemoveSilo(silos[1])
	_, ok := d.LookupLocal(grain)
	require.False(t, ok)
	_ = owner
}
