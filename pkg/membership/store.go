// Package membership implements the Membership Oracle (§4.1): the shared,
// versioned roster of silos, its optimistic-concurrency backing contract,
// and the heartbeat/probe/suspicion protocol that silos run against it.
package membership

import (
	"context"
	"time"

	"github.com/grainhive/grainhive/pkg/types"
)

// Table is a full snapshot of the membership roster plus its opaque
// concurrency tag (§3 "Membership entry" — "a monotonically increasing
// version with an opaque concurrency tag").
type Table struct {
	Entries []types.MembershipEntry
	Version string
}

// Row returns the entry for silo, if present.
func (t *Table) Row(silo types.SiloAddress) (types.MembershipEntry, bool) {
	for _, e := range t.Entries {
		if e.Silo.Equal(silo) {
			return e, true
		}
	}
	return types.MembershipEntry{}, false
}

// Store is the pluggable membership backend contract (§6). Every mutating
// operation is optimistic: it carries the caller's last-read version tag,
// and the backend atomically rejects on mismatch by returning (false, nil)
// — never by raising — so contention is an ordinary, expected outcome, not
// a fault.
type Store interface {
	// Initialize prepares the backend. MemStore and RaftStore both treat it
	// as a no-op: tryInitTableVersion is not installed, and a fresh table
	// starts at version 0.
	Initialize(ctx context.Context, tryInitTableVersion string) error

	ReadAll(ctx context.Context) (Table, error)
	ReadRow(ctx context.Context, silo types.SiloAddress) (types.MembershipEntry, string, error)

	// InsertRow and UpdateRow report (false, nil) on version/etag mismatch;
	// they never return an error for ordinary contention.
	InsertRow(ctx context.Context, entry types.MembershipEntry, tableVersion string) (bool, error)
	UpdateRow(ctx context.Context, entry types.MembershipEntry, etag string, tableVersion string) (bool, error)

	// UpdateIAmAlive is the fast, non-contentious heartbeat path: it never
	// fails on version mismatch and never bumps the table version.
	UpdateIAmAlive(ctx context.Context, entry types.MembershipEntry) error

	DeleteMembershipTableEntries(ctx context.Context, clusterID string) error
	CleanupDefunctSiloEntries(ctx context.Context, before time.Time) error
}

// ErrRowNotFound is returned by ReadRow when no entry exists for the given
// silo.
type ErrRowNotFound struct{ Silo types.SiloAddress }

func (e *ErrRowNotFound) Error() string { return "membership: no row for " + e.Silo.String() }
