package storage

import (
	"context"
	"fmt"
)

// Sealer encrypts values before they reach the storage engine. It is
// satisfied by the KMS providers in internal/keyexec.
type Sealer interface {
	Encrypt(ctx context.Context, data []byte) ([]byte, error)
	Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error)
	Provider() string
}

// SealedBackend wraps a Backend so every stored value is additionally
// encrypted by an external key service. Keys and scope names stay readable.
type SealedBackend struct {
	inner  Backend
	sealer Sealer
}

var _ Backend = (*SealedBackend)(nil)

// NewSealedBackend wraps inner with sealer
func NewSealedBackend(inner Backend, sealer Sealer) *SealedBackend {
	return &SealedBackend{inner: inner, sealer: sealer}
}

// Scope returns the sealed view of the namespace called name
func (b *SealedBackend) Scope(name string) Scoped {
	return &sealedScope{inner: b.inner.Scope(name), sealer: b.sealer}
}

// Close closes the wrapped backend
func (b *SealedBackend) Close() error {
	return b.inner.Close()
}

type sealedScope struct {
	inner  Scoped
	sealer Sealer
}

func (s *sealedScope) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	raw, err := s.inner.Get(ctx, keys...)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		plain, err := s.sealer.Decrypt(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("%s unseal %q: %w", s.sealer.Provider(), k, err)
		}
		out[k] = plain
	}
	return out, nil
}

func (s *sealedScope) Set(ctx context.Context, values map[string][]byte) error {
	sealed := make(map[string][]byte, len(values))
	for k, v := range values {
		enc, err := s.sealer.Encrypt(ctx, v)
		if err != nil {
			return fmt.Errorf("%s seal %q: %w", s.sealer.Provider(), k, err)
		}
		sealed[k] = enc
	}
	return s.inner.Set(ctx, sealed)
}

func (s *sealedScope) Remove(ctx context.Context, keys ...string) error {
	return s.inner.Remove(ctx, keys...)
}

func (s *sealedScope) Keys(ctx context.Context) ([]string, error) {
	return s.inner.Keys(ctx)
}
