package membership

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grainhive/grainhive/pkg/types"
)

// MemStore is the in-memory, primary-silo-hosted membership backend named
// in §6 as one of the observed implementation shapes — suitable for
// single-process tests and for a cluster bootstrapped without Raft.
type MemStore struct {
	mu      sync.Mutex
	rows    map[string]*memRow
	version int64
}

type memRow struct {
	entry types.MembershipEntry
	etag  string
}

// NewMemStore creates an empty in-memory membership store.
func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[string]*memRow)}
}

func (s *MemStore) Initialize(ctx context.Context, tryInitTableVersion string) error {
	return nil
}

func (s *MemStore) ReadAll(ctx context.Context) (Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := Table{Version: fmt.Sprintf("%d", s.version)}
	for _, r := range s.rows {
		t.Entries = append(t.Entries, r.entry)
	}
	return t, nil
}

func (s *MemStore) ReadRow(ctx context.Context, silo types.SiloAddress) (types.MembershipEntry, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[silo.String()]
	if !ok {
		return types.MembershipEntry{}, "", &ErrRowNotFound{Silo: silo}
	}
	return r.entry, r.etag, nil
}

func (s *MemStore) InsertRow(ctx context.Context, entry types.MembershipEntry, tableVersion string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.versionMatches(tableVersion) {
		return false, nil
	}
	key := entry.RowKey()
	if _, exists := s.rows[key]; exists {
		return false, nil
	}
	s.version++
	s.rows[key] = &memRow{entry: entry, etag: fmt.Sprintf("%d", s.version)}
	return true, nil
}

func (s *MemStore) UpdateRow(ctx context.Context, entry types.MembershipEntry, etag string, tableVersion string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.versionMatches(tableVersion) {
		return false, nil
	}
	key := entry.RowKey()
	r, ok := s.rows[key]
	if !ok || r.etag != etag {
		return false, nil
	}
	s.version++
	s.rows[key] = &memRow{entry: entry, etag: fmt.Sprintf("%d", s.version)}
	return true, nil
}

func (s *MemStore) UpdateIAmAlive(ctx context.Context, entry types.MembershipEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entry.RowKey()
	r, ok := s.rows[key]
	if !ok {
		return &ErrRowNotFound{Silo: entry.Silo}
	}
	r.entry.IAmAliveTime = entry.IAmAliveTime
	return nil
}

func (s *MemStore) DeleteMembershipTableEntries(ctx context.Context, clusterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[string]*memRow)
	s.version++
	return nil
}

func (s *MemStore) CleanupDefunctSiloEntries(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, r := range s.rows {
		if r.entry.Status == types.StatusDead && r.entry.IAmAliveTime.Before(before) {
			delete(s.rows, key)
		}
	}
	return nil
}

// versionMatches implements the open question (a) in SPEC_FULL.md: a
// caller-supplied version of "" or "0" is accepted only while the table is
// still empty (a fresh store); once any row exists, the caller must supply
// the current version.
func (s *MemStore) versionMatches(tableVersion string) bool {
	current := fmt.Sprintf("%d", s.version)
	if tableVersion == current {
		return true
	}
	return len(s.rows) == 0 && (tableVersion == "" || tableVersion == "0")
}
