// Package reminder implements the durable reminder store (§6 "Reminder
// store"): rows keyed by (service id, grain id, reminder name), with a
// secondary index ordered by a 32-bit grain hash supporting ring-wrap
// range reads for the reminder table's periodic local-redistribution scan.
package reminder

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/grainhive/grainhive/pkg/failure"
	"github.com/grainhive/grainhive/pkg/types"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRows  = []byte("reminder_rows")
	bucketIndex = []byte("reminder_hash_index")
)

// Entry is one durable reminder row.
type Entry struct {
	ServiceID string
	Grain     types.GrainID
	Name      string
	Hash      uint32
	Period    time.Duration
	DueAt     time.Time
	ETag      string
}

// RowKey is the stable primary key for a reminder row.
func RowKey(serviceID string, grain types.GrainID, name string) string {
	return serviceID + "\x00" + grain.HashInput() + "\x00" + name
}

// HashGrain computes the 32-bit FNV-1a hash a reminder row is indexed
// under, matching the hashing style already used for ring placement
// elsewhere in this tree (membership, directory, placement), sized to
// 32 bits per §6's range-index contract.
func HashGrain(grain types.GrainID) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	h := uint32(offset32)
	s := grain.HashInput()
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// Store is the reminder table's storage contract.
type Store interface {
	ReadRow(serviceID string, grain types.GrainID, name string) (Entry, bool, error)
	ReadRowsForGrain(serviceID string, grain types.GrainID) ([]Entry, error)
	// ReadRowsForHashRange returns every row whose hash falls in the
	// range: if begin < end, the half-open interval (begin, end]; if
	// begin >= end, the two disjoint half-open arcs forming a ring wrap,
	// (begin, math.MaxUint32] union [0, end].
	ReadRowsForHashRange(begin, end uint32) ([]Entry, error)
	// Upsert writes entry, checking entry.ETag against the row's current
	// etag (empty ETag means "row must not yet exist"), and returns the
	// row's new etag.
	Upsert(entry Entry) (string, error)
	Remove(serviceID string, grain types.GrainID, name string, etag string) error
	Close() error
}

// BoltStore is the bbolt-backed Store implementation, grounded on the
// teacher's pkg/storage bucket-per-entity BoltDB layout.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a reminder database under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "reminders.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open reminder database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRows); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketIndex)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func indexKey(hash uint32, primary string) []byte {
	buf := make([]byte, 4+len(primary))
	binary.BigEndian.PutUint32(buf[:4], hash)
	copy(buf[4:], primary)
	return buf
}

func (s *BoltStore) ReadRow(serviceID string, grain types.GrainID, name string) (Entry, bool, error) {
	var entry Entry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRows)
		data := b.Get([]byte(RowKey(serviceID, grain, name)))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	return entry, found, err
}

func (s *BoltStore) ReadRowsForGrain(serviceID string, grain types.GrainID) ([]Entry, error) {
	prefix := []byte(serviceID + "\x00" + grain.HashInput() + "\x00")
	var rows []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRows)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			rows = append(rows, e)
		}
		return nil
	})
	return rows, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *BoltStore) ReadRowsForHashRange(begin, end uint32) ([]Entry, error) {
	var rows []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIndex)
		rowsBucket := tx.Bucket(bucketRows)

		scan := func(lowExclusive uint64, highInclusive uint64) error {
			c := idx.Cursor()
			start := indexKey(uint32(lowExclusive+1), "")
			for k, primary := c.Seek(start); k != nil; k, primary = c.Next() {
				hash := binary.BigEndian.Uint32(k[:4])
				if uint64(hash) > highInclusive {
					break
				}
				data := rowsBucket.Get(primary)
				if data == nil {
					continue
				}
				var e Entry
				if err := json.Unmarshal(data, &e); err != nil {
					return err
				}
				rows = append(rows, e)
			}
			return nil
		}

		if begin < end {
			return scan(uint64(begin), uint64(end))
		}
		// Ring wrap: (begin, MaxUint32] union [0, end]. The first arc is
		// empty when begin is MaxUint32.
		if begin < 0xFFFFFFFF {
			if err := scan(uint64(begin), 0xFFFFFFFF); err != nil {
				return err
			}
		}
		return scan(^uint64(0), uint64(end)) // lowExclusive+1 wraps to 0
	})
	return rows, err
}

func (s *BoltStore) Upsert(entry Entry) (string, error) {
	key := RowKey(entry.ServiceID, entry.Grain, entry.Name)
	newETag := uuid.NewString()
	err := s.db.Update(func(tx *bolt.Tx) error {
		rows := tx.Bucket(bucketRows)
		idx := tx.Bucket(bucketIndex)

		existing := rows.Get([]byte(key))
		if existing != nil {
			var current Entry
			if err := json.Unmarshal(existing, &current); err != nil {
				return err
			}
			if entry.ETag != current.ETag {
				return failure.New(failure.KindInconsistentState, "reminder %s: etag mismatch", key)
			}
			if err := idx.Delete(indexKey(current.Hash, key)); err != nil {
				return err
			}
		} else if entry.ETag != "" {
			return failure.New(failure.KindInconsistentState, "reminder %s: expected existing row, none found", key)
		}

		entry.Hash = HashGrain(entry.Grain)
		entry.ETag = newETag
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := rows.Put([]byte(key), data); err != nil {
			return err
		}
		return idx.Put(indexKey(entry.Hash, key), []byte(key))
	})
	if err != nil {
		return "", err
	}
	return newETag, nil
}

func (s *BoltStore) Remove(serviceID string, grain types.GrainID, name string, etag string) error {
	key := RowKey(serviceID, grain, name)
	return s.db.Update(func(tx *bolt.Tx) error {
		rows := tx.Bucket(bucketRows)
		idx := tx.Bucket(bucketIndex)

		existing := rows.Get([]byte(key))
		if existing == nil {
			return failure.New(failure.KindInconsistentState, "reminder %s: not found", key)
		}
		var current Entry
		if err := json.Unmarshal(existing, &current); err != nil {
			return err
		}
		if current.ETag != etag {
			return failure.New(failure.KindInconsistentState, "reminder %s: etag mismatch on remove", key)
		}
		if err := idx.Delete(indexKey(current.Hash, key)); err != nil {
			return err
		}
		return rows.Delete([]byte(key))
	})
}
