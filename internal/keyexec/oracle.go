// Package keyexec turns approved requests into signatures. Keys only exist
// inside the callback of a SecretSource and are zeroed when it returns.
package keyexec

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/better-wallet/walletbridge/internal/session"
)

// SigningOracle produces signatures for an unlocked session
type SigningOracle interface {
	// SignTransaction signs tx for chainID with the key of from
	SignTransaction(ctx context.Context, h session.Handle, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)

	// SignPersonal signs msg under the EIP-191 personal message prefix
	SignPersonal(ctx context.Context, h session.Handle, from common.Address, msg []byte) ([]byte, error)

	// SignTypedData signs the EIP-712 hash of data
	SignTypedData(ctx context.Context, h session.Handle, from common.Address, data apitypes.TypedData) ([]byte, error)
}

// SecretSource lends the private key of an account for the duration of fn.
// Implementations fail with ErrLocked when h is not the live session.
type SecretSource interface {
	WithAccountKey(ctx context.Context, h session.Handle, addr common.Address, fn func(key *ecdsa.PrivateKey) error) error
}

// LocalOracle signs in-process with go-ethereum's secp256k1 implementation
type LocalOracle struct {
	source SecretSource
}

var _ SigningOracle = (*LocalOracle)(nil)

// NewLocalOracle creates an oracle backed by source
func NewLocalOracle(source SecretSource) *LocalOracle {
	return &LocalOracle{source: source}
}

// SignTransaction signs tx with the latest signer for chainID
func (o *LocalOracle) SignTransaction(ctx context.Context, h session.Handle, from common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain ID is required")
	}

	var signed *types.Transaction
	err := o.source.WithAccountKey(ctx, h, from, func(key *ecdsa.PrivateKey) error {
		var err error
		signed, err = types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
		if err != nil {
			return fmt.Errorf("failed to sign transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return signed, nil
}

// SignPersonal signs keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg)
func (o *LocalOracle) SignPersonal(ctx context.Context, h session.Handle, from common.Address, msg []byte) ([]byte, error) {
	return o.signHash(ctx, h, from, accounts.TextHash(msg))
}

// SignTypedData signs the EIP-712 digest of data
func (o *LocalOracle) SignTypedData(ctx context.Context, h session.Handle, from common.Address, data apitypes.TypedData) ([]byte, error) {
	hash, err := TypedDataHash(data)
	if err != nil {
		return nil, err
	}
	return o.signHash(ctx, h, from, hash)
}

// signHash signs a pre-computed 32-byte digest and returns an
// Ethereum-style signature with V in {27, 28}
func (o *LocalOracle) signHash(ctx context.Context, h session.Handle, from common.Address, hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be exactly 32 bytes, got %d", len(hash))
	}

	var sig []byte
	err := o.source.WithAccountKey(ctx, h, from, func(key *ecdsa.PrivateKey) error {
		var err error
		sig, err = ethcrypto.Sign(hash, key)
		if err != nil {
			return fmt.Errorf("failed to sign hash: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(sig) == 65 && (sig[64] == 0 || sig[64] == 1) {
		sig[64] += 27
	}
	return sig, nil
}

// TypedDataHash computes keccak256("\x19\x01" || domainSeparator || hashStruct(message))
func TypedDataHash(data apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode typed data: %w", err)
	}
	return hash, nil
}
