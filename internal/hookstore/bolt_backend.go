package hookstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	boltEndpointsBucket = []byte("endpoints")
	boltRequestsBucket  = []byte("requests")
)

// BoltBackend stores endpoints in one bucket and each endpoint's requests in
// a nested bucket keyed by an increasing sequence, so cursor order is
// capture order.
type BoltBackend struct {
	db *bolt.DB
}

func NewBoltBackend(path string) (*BoltBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltEndpointsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltRequestsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) CreateEndpoint(_ context.Context, endpoint Endpoint) error {
	if endpoint.ID == "" {
		return ErrInvalidInput
	}
	enc, err := json.Marshal(endpoint)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		endpoints := tx.Bucket(boltEndpointsBucket)
		key := []byte(endpoint.ID)
		if endpoints.Get(key) != nil {
			return ErrInvalidInput
		}
		if _, err := tx.Bucket(boltRequestsBucket).CreateBucketIfNotExists(key); err != nil {
			return err
		}
		return endpoints.Put(key, enc)
	})
}

func (b *BoltBackend) GetEndpoint(_ context.Context, endpointID string) (Endpoint, error) {
	var endpoint Endpoint
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boltEndpointsBucket).Get([]byte(endpointID))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &endpoint)
	})
	return endpoint, err
}

func (b *BoltBackend) AppendRequest(_ context.Context, endpointID string, req CapturedRequest, keep int) error {
	enc, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		endpoints := tx.Bucket(boltEndpointsBucket)
		key := []byte(endpointID)
		raw := endpoints.Get(key)
		if raw == nil {
			return ErrNotFound
		}
		var endpoint Endpoint
		if err := json.Unmarshal(raw, &endpoint); err != nil {
			return err
		}
		requests, err := tx.Bucket(boltRequestsBucket).CreateBucketIfNotExists(key)
		if err != nil {
			return err
		}
		seq, err := requests.NextSequence()
		if err != nil {
			return err
		}
		if err := requests.Put(boltSeqKey(seq), enc); err != nil {
			return err
		}
		if keep > 0 {
			if err := trimBoltRequests(requests, keep); err != nil {
				return err
			}
		}
		endpoint.RequestCount++
		updated, err := json.Marshal(endpoint)
		if err != nil {
			return err
		}
		return endpoints.Put(key, updated)
	})
}

func (b *BoltBackend) ListRequests(_ context.Context, endpointID string) ([]CapturedRequest, error) {
	out := []CapturedRequest{}
	err := b.db.View(func(tx *bolt.Tx) error {
		key := []byte(endpointID)
		if tx.Bucket(boltEndpointsBucket).Get(key) == nil {
			return ErrNotFound
		}
		requests := tx.Bucket(boltRequestsBucket).Bucket(key)
		if requests == nil {
			return nil
		}
		c := requests.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var req CapturedRequest
			if err := json.Unmarshal(v, &req); err != nil {
				return fmt.Errorf("decode request %x: %w", k, err)
			}
			out = append(out, req)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}

// trimBoltRequests deletes the oldest entries until keep remain.
func trimBoltRequests(requests *bolt.Bucket, keep int) error {
	c := requests.Cursor()
	count := 0
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		count++
	}
	excess := count - keep
	if excess <= 0 {
		return nil
	}
	for k, _ := c.First(); k != nil && excess > 0; k, _ = c.First() {
		if err := c.Delete(); err != nil {
			return err
		}
		excess--
	}
	return nil
}

func boltSeqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
