package crypto

import (
	"fmt"

	"github.com/hashicorp/vault/shamir"
)

const (
	// MinShareThreshold is the smallest quorum the recovery export allows
	MinShareThreshold = 2
	// MaxShares is the Shamir implementation's hard limit
	MaxShares = 255
)

// SplitSecret splits secret into total shares, any threshold of which
// reconstruct it
func SplitSecret(secret []byte, threshold, total int) ([][]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret cannot be empty")
	}
	if threshold < MinShareThreshold {
		return nil, fmt.Errorf("threshold must be at least %d, got %d", MinShareThreshold, threshold)
	}
	if total < threshold {
		return nil, fmt.Errorf("total shares (%d) must be >= threshold (%d)", total, threshold)
	}
	if total > MaxShares {
		return nil, fmt.Errorf("total shares must be at most %d, got %d", MaxShares, total)
	}

	shares, err := shamir.Split(secret, total, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret with Shamir's Secret Sharing: %w", err)
	}
	return shares, nil
}

// CombineShares reconstructs the secret from at least threshold shares.
// Too few shares yield a wrong secret rather than an error, so callers must
// verify the result.
func CombineShares(shares [][]byte) ([]byte, error) {
	if len(shares) < MinShareThreshold {
		return nil, fmt.Errorf("at least %d shares are required, got %d", MinShareThreshold, len(shares))
	}
	for i, share := range shares {
		if err := ValidateShare(share); err != nil {
			return nil, fmt.Errorf("share %d: %w", i, err)
		}
	}

	secret, err := shamir.Combine(shares)
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}
	return secret, nil
}

// ValidateShare checks if a share appears to be valid
// Note: This only checks format, not cryptographic validity
func ValidateShare(share []byte) error {
	if len(share) == 0 {
		return fmt.Errorf("share cannot be empty")
	}
	// Shamir shares carry a 1-byte x-coordinate tag after the share data
	if len(share) < MinSeedSize+1 {
		return fmt.Errorf("share too short: expected at least %d bytes, got %d", MinSeedSize+1, len(share))
	}
	return nil
}
