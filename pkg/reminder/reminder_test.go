package reminder

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/grainhive/grainhive/pkg/failure"
	"github.com/grainhive/grainhive/pkg/types"
	bolt "go.etcd.io/bbolt"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// putRaw inserts a row at an exact hash, bypassing HashGrain, so range-query
// tests can use the fixed hash values from the wrap-query scenario.
func putRaw(t *testing.T, s *BoltStore, key string, e Entry) {
	t.Helper()
	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRows).Put([]byte(key), data); err != nil {
			return err
		}
		return tx.Bucket(bucketIndex).Put(indexKey(e.Hash, key), []byte(key))
	}))
}

func TestBoltStore_UpsertThenReadRow(t *testing.T) {
	s := newTestStore(t)
	grain := types.NewStringGrainID("counter", "g1")

	etag, err := s.Upsert(Entry{ServiceID: "svc", Grain: grain, Name: "wakeup", Period: time.Minute})
	require.NoError(t, err)
	require.NotEmpty(t, etag)

	entry, found, err := s.ReadRow("svc", grain, "wakeup")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, etag, entry.ETag)
	require.Equal(t, HashGrain(grain), entry.Hash)
}

func TestBoltStore_UpsertRejectsStaleETag(t *testing.T) {
	s := newTestStore(t)
	grain := types.NewStringGrainID("counter", "g1")

	_, err := s.Upsert(Entry{ServiceID: "svc", Grain: grain, Name: "wakeup", Period: time.Minute})
	require.NoError(t, err)

	_, err = s.Upsert(Entry{ServiceID: "svc", Grain: grain, Name: "wakeup", Period: 2 * time.Minute, ETag: "not-the-real-etag"})
	require.Error(t, err)
	require.True(t, failure.As(err, failure.KindInconsistentState))
}

func TestBoltStore_UpsertRejectsETagOnFirstWrite(t *testing.T) {
	s := newTestStore(t)
	grain := types.NewStringGrainID("counter", "g1")

	// No row exists yet for this key, but the caller supplies a non-empty
	// ETag, implying it expects to be updating an existing row.
	_, err := s.Upsert(Entry{ServiceID: "svc", Grain: grain, Name: "wakeup", Period: time.Minute, ETag: "bogus"})
	require.Error(t, err)
	require.True(t, failure.As(err, failure.KindInconsistentState))
}

func TestBoltStore_RemoveRequiresMatchingETag(t *testing.T) {
	s := newTestStore(t)
	grain := types.NewStringGrainID("counter", "g1")

	etag, err := s.Upsert(Entry{ServiceID: "svc", Grain: grain, Name: "wakeup", Period: time.Minute})
	require.NoError(t, err)

	err = s.Remove("svc", grain, "wakeup", "wrong-etag")
	require.Error(t, err)
	require.True(t, failure.As(err, failure.KindInconsistentState))

	require.NoError(t, s.Remove("svc", grain, "wakeup", etag))

	_, found, err := s.ReadRow("svc", grain, "wakeup")
	require.NoError(t, err)
	require.False(t, found)
}

func TestBoltStore_ReadRowsForGrainReturnsOnlyThatGrainsRows(t *testing.T) {
	s := newTestStore(t)
	g1 := types.NewStringGrainID("counter", "g1")
	g2 := types.NewStringGrainID("counter", "g2")

	_, err := s.Upsert(Entry{ServiceID: "svc", Grain: g1, Name: "a", Period: time.Minute})
	require.NoError(t, err)
	_, err = s.Upsert(Entry{ServiceID: "svc", Grain: g1, Name: "b", Period: time.Minute})
	require.NoError(t, err)
	_, err = s.Upsert(Entry{ServiceID: "svc", Grain: g2, Name: "a", Period: time.Minute})
	require.NoError(t, err)

	rows, err := s.ReadRowsForGrain("svc", g1)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	names := map[string]bool{}
	for _, r := range rows {
		names[r.Name] = true
	}
	require.True(t, names["a"])
	require.True(t, names["b"])
}

// TestBoltStore_ReadRowsForHashRange_WrapQuery reproduces the concrete wrap
// scenario: rows at 0x00000010, 0x80000000, and 0xFFFFFFF0; a wrap query
// with begin=0xC0000000, end=0x10000000 must return exactly the two rows
// outside the excluded middle band, {0x00000010, 0xFFFFFFF0}.
func TestBoltStore_ReadRowsForHashRange_WrapQuery(t *testing.T) {
	s := newTestStore(t)

	putRaw(t, s, "row-low", Entry{ServiceID: "svc", Name: "low", Hash: 0x00000010})
	putRaw(t, s, "row-mid", Entry{ServiceID: "svc", Name: "mid", Hash: 0x80000000})
	putRaw(t, s, "row-high", Entry{ServiceID: "svc", Name: "high", Hash: 0xFFFFFFF0})

	rows, err := s.ReadRowsForHashRange(0xC0000000, 0x10000000)
	require.NoError(t, err)

	got := map[uint32]bool{}
	for _, r := range rows {
		got[r.Hash] = true
	}
	require.Len(t, got, 2)
	require.True(t, got[0x00000010])
	require.True(t, got[0xFFFFFFF0])
	require.False(t, got[0x80000000])
}

func TestBoltStore_ReadRowsForHashRange_NonWrapHalfOpenInterval(t *testing.T) {
	s := newTestStore(t)

	putRaw(t, s, "row-begin", Entry{ServiceID: "svc", Name: "begin", Hash: 0x100})
	putRaw(t, s, "row-mid", Entry{ServiceID: "svc", Name: "mid", Hash: 0x200})
	putRaw(t, s, "row-end", Entry{ServiceID: "svc", Name: "end", Hash: 0x300})

	// (0x100, 0x300]: excludes the begin boundary, includes the end boundary.
	rows, err := s.ReadRowsForHashRange(0x100, 0x300)
	require.NoError(t, err)

	got := map[uint32]bool{}
	for _, r := range rows {
		got[r.Hash] = true
	}
	require.Len(t, got, 2)
	require.False(t, got[0x100])
	require.True(t, got[0x200])
	require.True(t, got[0x300])
}

func TestBoltStore_ReadRowsForHashRange_EmptyWhenNoneMatch(t *testing.T) {
	s := newTestStore(t)
	putRaw(t, s, "row", Entry{ServiceID: "svc", Name: "only", Hash: 0x500})

	rows, err := s.ReadRowsForHashRange(0x600, 0x700)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestHashGrain_DeterministicAcrossCalls(t *testing.T) {
	grain := types.NewStringGrainID("counter", "g1")
	require.Equal(t, HashGrain(grain), HashGrain(grain))

	other := types.NewStringGrainID("counter", "g2")
	require.NotEqual(t, HashGrain(grain), HashGrain(other))
}
