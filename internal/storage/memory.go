package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend is a thread-safe in-memory Backend.
// Suitable for testing and for ephemeral wallets.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   map[string]map[string][]byte
	closed bool
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]map[string][]byte)}
}

// Scope returns the namespace called name
func (b *MemoryBackend) Scope(name string) Scoped {
	return &memoryScope{backend: b, name: name}
}

// Close marks the backend closed
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type memoryScope struct {
	backend *MemoryBackend
	name    string
}

func (s *memoryScope) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := s.backend
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	out := make(map[string][]byte, len(keys))
	bucket := b.data[s.name]
	for _, k := range keys {
		if v, ok := bucket[k]; ok {
			out[k] = copyBytes(v)
		}
	}
	return out, nil
}

func (s *memoryScope) Set(ctx context.Context, values map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	if err := validateKeys(keys); err != nil {
		return err
	}

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	bucket, ok := b.data[s.name]
	if !ok {
		bucket = make(map[string][]byte)
		b.data[s.name] = bucket
	}
	for k, v := range values {
		bucket[k] = copyBytes(v)
	}
	return nil
}

func (s *memoryScope) Remove(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	for _, k := range keys {
		delete(b.data[s.name], k)
	}
	return nil
}

func (s *memoryScope) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := s.backend
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	keys := make([]string, 0, len(b.data[s.name]))
	for k := range b.data[s.name] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
