package eth

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"

	"github.com/better-wallet/walletbridge/internal/logger"
	apperrors "github.com/better-wallet/walletbridge/pkg/errors"
)

// statusAttempts bounds receipt polling retries
const statusAttempts = 3

// Registry maps chain IDs to adapters and tracks the selected chain
type Registry struct {
	mu       sync.RWMutex
	adapters map[int64]ChainAdapter
	current  int64
}

// NewRegistry creates a registry whose selected chain is defaultChain
func NewRegistry(defaultChain int64) *Registry {
	return &Registry{
		adapters: make(map[int64]ChainAdapter),
		current:  defaultChain,
	}
}

// Dial connects to every configured endpoint. The chain ID each endpoint
// reports must match the ID it was configured under.
func Dial(ctx context.Context, urls map[int64]string, defaultChain int64) (*Registry, error) {
	r := NewRegistry(defaultChain)
	for id, url := range urls {
		c, err := NewClient(ctx, url)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("chain %d: %w", id, err)
		}
		if c.ChainID().Int64() != id {
			got := c.ChainID()
			c.Close()
			r.Close()
			return nil, fmt.Errorf("chain %d: endpoint reports chain ID %s", id, got)
		}
		r.Register(c)
	}
	return r, nil
}

// Register adds or replaces the adapter for a's chain
func (r *Registry) Register(a ChainAdapter) {
	id := a.ChainID().Int64()
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.adapters[id]; ok && old != a {
		old.Close()
	}
	r.adapters[id] = a
}

// Get returns the adapter for chainID or an UnrecognizedChain error
func (r *Registry) Get(chainID int64) (ChainAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[chainID]
	if !ok {
		return nil, apperrors.UnrecognizedChain(hexChainID(chainID))
	}
	return a, nil
}

// Known reports whether chainID can be selected. The default chain is
// always known even without an endpoint.
func (r *Registry) Known(chainID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[chainID]
	return ok || chainID == r.current
}

// Current returns the selected chain ID
func (r *Registry) Current() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Switch selects chainID. It reports whether the selection changed.
func (r *Registry) Switch(chainID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[chainID]; !ok && chainID != r.current {
		return false, apperrors.UnrecognizedChain(hexChainID(chainID))
	}
	changed := r.current != chainID
	r.current = chainID
	return changed, nil
}

// Chains lists the chains with an adapter, ascending
func (r *Registry) Chains() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Status polls the receipt of hash on chainID. Receipt lookups are
// idempotent, so transient RPC failures are retried with backoff.
func (r *Registry) Status(ctx context.Context, chainID int64, hash common.Hash) (TxStatus, error) {
	a, err := r.Get(chainID)
	if err != nil {
		return "", err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(policy, statusAttempts-1), ctx)

	var status TxStatus
	err = backoff.RetryNotify(func() error {
		s, err := a.GetStatus(ctx, hash)
		if err != nil {
			return err
		}
		status = s
		return nil
	}, b, func(err error, wait time.Duration) {
		logger.Debug(ctx, "receipt lookup failed, retrying", "chain_id", chainID, "wait", wait, "error", err)
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// Close closes every adapter
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range r.adapters {
		a.Close()
		delete(r.adapters, id)
	}
}

func hexChainID(id int64) string {
	return "0x" + strconv.FormatInt(id, 16)
}
