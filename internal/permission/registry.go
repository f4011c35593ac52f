// Package permission records which accounts each page origin may see.
// Grants only ever cover account disclosure; signing and sending are
// approved per request no matter what an origin holds here.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"

	"github.com/better-wallet/walletbridge/internal/logger"
	"github.com/better-wallet/walletbridge/internal/storage"
	apperrors "github.com/better-wallet/walletbridge/pkg/errors"
	"github.com/better-wallet/walletbridge/pkg/types"
)

// Registry persists OriginGrants and keeps them cached in memory
type Registry struct {
	store storage.Scoped
	clock clockwork.Clock

	mu     sync.RWMutex
	cache  map[string]types.OriginGrant
	loaded bool
}

// New creates a registry over store. A nil clock uses the real clock.
func New(store storage.Scoped, clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		store: store,
		clock: clock,
		cache: make(map[string]types.OriginGrant),
	}
}

func (r *Registry) ensureLoaded(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(ctx)
}

func (r *Registry) loadLocked(ctx context.Context) error {
	if r.loaded {
		return nil
	}

	keys, err := r.store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list grants: %w", err)
	}
	values, err := r.store.Get(ctx, keys...)
	if err != nil {
		return fmt.Errorf("failed to load grants: %w", err)
	}

	for origin, raw := range values {
		var g types.OriginGrant
		if err := json.Unmarshal(raw, &g); err != nil {
			// one unreadable grant must not lock every origin out
			logger.Warn(ctx, "skipping unreadable grant", "origin", origin, "error", err)
			continue
		}
		r.cache[origin] = g
	}
	r.loaded = true
	return nil
}

func normalize(origin string) (string, error) {
	o, err := types.NormalizeOrigin(origin)
	if err != nil {
		return "", apperrors.InvalidParams(err.Error())
	}
	return o, nil
}

// Grant exposes accounts to origin on chainID, replacing any earlier grant
func (r *Registry) Grant(ctx context.Context, origin string, accounts []common.Address, chainID int64) (types.OriginGrant, error) {
	o, err := normalize(origin)
	if err != nil {
		return types.OriginGrant{}, err
	}
	if len(accounts) == 0 {
		return types.OriginGrant{}, apperrors.InvalidParams("a grant needs at least one account")
	}

	grant := types.OriginGrant{
		Origin:    o,
		Accounts:  dedupe(accounts),
		ChainID:   chainID,
		GrantedAt: r.clock.Now().UTC(),
	}
	raw, err := json.Marshal(grant)
	if err != nil {
		return types.OriginGrant{}, fmt.Errorf("failed to encode grant: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(ctx); err != nil {
		return types.OriginGrant{}, err
	}
	if err := r.store.Set(ctx, map[string][]byte{o: raw}); err != nil {
		return types.OriginGrant{}, fmt.Errorf("failed to save grant: %w", err)
	}
	r.cache[o] = grant

	logger.Info(logger.WithOrigin(ctx, o), "origin granted", "accounts", len(grant.Accounts), "chain_id", chainID)
	return grant, nil
}

// Revoke removes the grant of origin. It reports whether one existed.
func (r *Registry) Revoke(ctx context.Context, origin string) (bool, error) {
	o, err := normalize(origin)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(ctx); err != nil {
		return false, err
	}
	if _, ok := r.cache[o]; !ok {
		return false, nil
	}
	if err := r.store.Remove(ctx, o); err != nil {
		return false, fmt.Errorf("failed to remove grant: %w", err)
	}
	delete(r.cache, o)

	logger.Info(logger.WithOrigin(ctx, o), "origin revoked")
	return true, nil
}

// IsGranted returns the accounts origin may see, empty when it has no grant
func (r *Registry) IsGranted(ctx context.Context, origin string) ([]common.Address, error) {
	g, ok, err := r.Get(ctx, origin)
	if err != nil || !ok {
		return []common.Address{}, err
	}
	return g.Accounts, nil
}

// Get returns the grant of origin
func (r *Registry) Get(ctx context.Context, origin string) (types.OriginGrant, bool, error) {
	o, err := normalize(origin)
	if err != nil {
		return types.OriginGrant{}, false, err
	}
	if err := r.ensureLoaded(ctx); err != nil {
		return types.OriginGrant{}, false, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.cache[o]
	if !ok {
		return types.OriginGrant{}, false, nil
	}
	g.Accounts = append([]common.Address(nil), g.Accounts...)
	return g, true, nil
}

// List returns every grant ordered by origin
func (r *Registry) List(ctx context.Context) ([]types.OriginGrant, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	out := make([]types.OriginGrant, 0, len(r.cache))
	for _, g := range r.cache {
		g.Accounts = append([]common.Address(nil), g.Accounts...)
		out = append(out, g)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out, nil
}

// Clear revokes every grant and returns the origins that lost one
func (r *Registry) Clear(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Clear also runs on wallet deletion, so grants are dropped from storage
	// even when the cache was never loaded
	keys, err := r.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	if len(keys) > 0 {
		if err := r.store.Remove(ctx, keys...); err != nil {
			return nil, fmt.Errorf("failed to clear grants: %w", err)
		}
	}
	r.cache = make(map[string]types.OriginGrant)
	r.loaded = true

	sort.Strings(keys)
	logger.Info(ctx, "all grants cleared", "count", len(keys))
	return keys, nil
}

func dedupe(accounts []common.Address) []common.Address {
	seen := make(map[common.Address]struct{}, len(accounts))
	out := make([]common.Address, 0, len(accounts))
	for _, a := range accounts {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
