// Package statestore implements the persistent state backend (§6
// "Persistent state backend"): per-(grain, state name) rows with
// optimistic concurrency via etag, bbolt-backed, with an optional
// envelope-encryption wrapper.
package statestore

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/grainhive/grainhive/pkg/failure"
	"github.com/grainhive/grainhive/pkg/security"
	"github.com/grainhive/grainhive/pkg/types"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketState = []byte("grain_state")

// Store is the low-level, byte-oriented state backend contract. data is
// the caller's already-serialized state payload; the store itself never
// inspects it.
type Store interface {
	// Read returns the stored payload and its etag. found is false if no
	// row exists yet for (grain, stateName).
	Read(grain types.GrainID, stateName string) (data []byte, etag string, found bool, err error)
	// Write persists data under (grain, stateName), checking etag against
	// the row's current etag (empty etag means "row must not yet exist"),
	// and returns the row's new etag. A mismatch returns an
	// InconsistentState failure without mutating the row.
	Write(grain types.GrainID, stateName string, data []byte, etag string) (newETag string, err error)
	// Clear deletes the row, conditional on etag matching the stored one.
	Clear(grain types.GrainID, stateName string, etag string) error
	Close() error
}

func rowKey(grain types.GrainID, stateName string) string {
	return grain.HashInput() + "\x00" + stateName
}

type row struct {
	Data []byte
	ETag string
}

// BoltStore is the bbolt-backed Store implementation, grounded on the
// teacher's pkg/storage bucket-per-entity BoltDB layout.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a grain-state database under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "state.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Read(grain types.GrainID, stateName string) ([]byte, string, bool, error) {
	var r row
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketState).Get([]byte(rowKey(grain, stateName)))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &r)
	})
	if err != nil || !found {
		return nil, "", found, err
	}
	return r.Data, r.ETag, true, nil
}

func (s *BoltStore) Write(grain types.GrainID, stateName string, data []byte, etag string) (string, error) {
	key := rowKey(grain, stateName)
	newETag := uuid.NewString()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		existing := b.Get([]byte(key))
		if existing != nil {
			var current row
			if err := json.Unmarshal(existing, &current); err != nil {
				return err
			}
			if etag != current.ETag {
				return failure.New(failure.KindInconsistentState, "state row %s: etag mismatch on write", key)
			}
		} else if etag != "" {
			return failure.New(failure.KindInconsistentState, "state row %s: expected existing row, none found", key)
		}

		encoded, err := json.Marshal(row{Data: data, ETag: newETag})
		if err != nil {
			return err
		}
		return b.Put([]byte(key), encoded)
	})
	if err != nil {
		return "", err
	}
	return newETag, nil
}

func (s *BoltStore) Clear(grain types.GrainID, stateName string, etag string) error {
	key := rowKey(grain, stateName)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		existing := b.Get([]byte(key))
		if existing == nil {
			return failure.New(failure.KindInconsistentState, "state row %s: not found", key)
		}
		var current row
		if err := json.Unmarshal(existing, &current); err != nil {
			return err
		}
		if current.ETag != etag {
			return failure.New(failure.KindInconsistentState, "state row %s: etag mismatch on clear", key)
		}
		return b.Delete([]byte(key))
	})
}

// EncryptedStore wraps a Store with AES-256-GCM envelope encryption over
// the payload bytes, using the teacher's security.SecretsManager. Etags
// pass through unmodified; only the payload is opaque to the underlying
// store. Off by default — callers opt in by constructing one explicitly.
type EncryptedStore struct {
	inner Store
	sm    *security.SecretsManager
}

// NewEncryptedStore wraps inner with envelope encryption derived from a
// cluster-wide key, per security.DeriveKeyFromClusterID.
func NewEncryptedStore(inner Store, clusterID string) (*EncryptedStore, error) {
	sm, err := security.NewSecretsManager(security.DeriveKeyFromClusterID(clusterID))
	if err != nil {
		return nil, err
	}
	return &EncryptedStore{inner: inner, sm: sm}, nil
}

func (e *EncryptedStore) Read(grain types.GrainID, stateName string) ([]byte, string, bool, error) {
	ciphertext, etag, found, err := e.inner.Read(grain, stateName)
	if err != nil || !found {
		return nil, etag, found, err
	}
	plaintext, err := e.sm.DecryptSecret(ciphertext)
	if err != nil {
		return nil, "", false, fmt.Errorf("failed to decrypt grain state: %w", err)
	}
	return plaintext, etag, true, nil
}

func (e *EncryptedStore) Write(grain types.GrainID, stateName string, data []byte, etag string) (string, error) {
	ciphertext, err := e.sm.EncryptSecret(data)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt grain state: %w", err)
	}
	return e.inner.Write(grain, stateName, ciphertext, etag)
}

func (e *EncryptedStore) Clear(grain types.GrainID, stateName string, etag string) error {
	return e.inner.Clear(grain, stateName, etag)
}

func (e *EncryptedStore) Close() error { return e.inner.Close() }

// ReadJSON reads the row at (grain, stateName) and unmarshals it into out.
func ReadJSON(s Store, grain types.GrainID, stateName string, out any) (string, bool, error) {
	data, etag, found, err := s.Read(grain, stateName)
	if err != nil || !found {
		return etag, found, err
	}
	return etag, true, json.Unmarshal(data, out)
}

// WriteJSON marshals state to JSON and writes it through s.
func WriteJSON(s Store, grain types.GrainID, stateName string, state any, etag string) (string, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	return s.Write(grain, stateName, data, etag)
}
