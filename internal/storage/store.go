// Package storage provides the scoped key-value persistence the vault and the
// permission registry sit on. Session key material never goes through it.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed backend
var ErrClosed = errors.New("storage closed")

// Scoped is a key-value namespace. Set is atomic across all keys it is given:
// either every value is written or none is.
type Scoped interface {
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	Set(ctx context.Context, values map[string][]byte) error
	Remove(ctx context.Context, keys ...string) error
	Keys(ctx context.Context) ([]string, error)
}

// Backend hands out Scoped namespaces over one storage engine
type Backend interface {
	Scope(name string) Scoped
	Close() error
}

// Well-known scopes
const (
	ScopeVault       = "vault"
	ScopePermissions = "permissions"
)

func validateKeys(keys []string) error {
	for _, k := range keys {
		if k == "" {
			return fmt.Errorf("storage key cannot be empty")
		}
	}
	return nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
