package storage

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// BoltBackend is a Backend stored in a single BBolt file, one bucket per scope
type BoltBackend struct {
	db *bbolt.DB
}

var _ Backend = (*BoltBackend)(nil)

// NewBoltBackend wraps an open BBolt database
func NewBoltBackend(db *bbolt.DB) *BoltBackend {
	return &BoltBackend{db: db}
}

// OpenBolt opens (creating if needed) a BBolt database at path
func OpenBolt(path string) (*BoltBackend, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewBoltBackend(db), nil
}

// Scope returns the namespace called name
func (b *BoltBackend) Scope(name string) Scoped {
	return &boltScope{db: b.db, bucket: []byte(name)}
}

// Close closes the underlying BBolt database
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

type boltScope struct {
	db     *bbolt.DB
	bucket []byte
}

func (s *boltScope) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		for _, k := range keys {
			// bbolt values are only valid for the life of the transaction
			if v := b.Get([]byte(k)); v != nil {
				out[k] = copyBytes(v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bbolt get: %w", err)
	}
	return out, nil
}

func (s *boltScope) Set(ctx context.Context, values map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		for k, v := range values {
			if k == "" {
				return fmt.Errorf("storage key cannot be empty")
			}
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bbolt set: %w", err)
	}
	return nil
}

func (s *boltScope) Remove(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bbolt remove: %w", err)
	}
	return nil
}

func (s *boltScope) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bbolt keys: %w", err)
	}
	return keys, nil
}
