// Package localstore implements the local, per-instance evidence queue and
// blob store (dbiface.EvidenceManager) on top of an embedded bbolt database
// — the same storage engine internal/evidence uses for its dedup cache, so
// the process has one on-disk dependency for everything it keeps locally
// rather than two.
package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/azera85/rcs-collector/internal/dbiface"
)

const (
	blobBucket = "evidence_blobs" // key "instance\x00id" -> raw bytes
	metaBucket = "evidence_meta"  // key "instance" -> JSON dbiface.InstanceMeta
)

// Store is a bbolt-backed dbiface.EvidenceManager.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the evidence store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open evidence store %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(blobBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("create evidence store buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func blobKey(instance, id string) []byte {
	return []byte(instance + "\x00" + id)
}

// Put stores one evidence blob for (instance, id), overwriting any existing
// entry. Called by whatever ingests evidence into the local store (an
// agent-facing intake endpoint, outside this package's scope).
func (s *Store) Put(_ context.Context, instance, id string, blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(blobBucket)).Put(blobKey(instance, id), blob)
	})
}

// SetMeta records the session metadata for instance.
func (s *Store) SetMeta(_ context.Context, instance string, meta dbiface.InstanceMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metaBucket)).Put([]byte(instance), data)
	})
}

// Cached returns every (instance, id) pair currently stored, used to seed
// the evidence worker's queue at startup.
func (s *Store) Cached(_ context.Context) (map[string][]string, error) {
	out := make(map[string][]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(blobBucket))
		return b.ForEach(func(k, _ []byte) error {
			instance, id, ok := splitBlobKey(k)
			if !ok {
				return nil
			}
			out[instance] = append(out[instance], id)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Meta returns the session metadata for instance. A missing entry returns
// the zero value (Bid == 0), which the evidence worker resolves via
// DB.AgentStatus.
func (s *Store) Meta(_ context.Context, instance string) (dbiface.InstanceMeta, error) {
	var meta dbiface.InstanceMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(metaBucket)).Get([]byte(instance))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &meta)
	})
	return meta, err
}

// Blob reads the evidence payload for (instance, id).
func (s *Store) Blob(_ context.Context, instance, id string) ([]byte, error) {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(blobBucket)).Get(blobKey(instance, id))
		if data == nil {
			return fmt.Errorf("localstore: no blob for instance=%s id=%s", instance, id)
		}
		blob = append([]byte(nil), data...)
		return nil
	})
	return blob, err
}

// Delete removes (instance, id) after a successful upload.
func (s *Store) Delete(_ context.Context, instance, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(blobBucket)).Delete(blobKey(instance, id))
	})
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func splitBlobKey(k []byte) (instance, id string, ok bool) {
	i := strings.IndexByte(string(k), 0)
	if i < 0 {
		return "", "", false
	}
	return string(k[:i]), string(k[i+1:]), true
}
