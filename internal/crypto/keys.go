package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

const (
	// SeedSize is the length of a freshly generated wallet seed
	SeedSize = 32
	// MinSeedSize is the shortest seed accepted on import
	MinSeedSize = 16

	accountKeySalt = "walletbridge/account-key/v1"
	maxDeriveTries = 16
)

// NewSeed generates a new random wallet seed
func NewSeed() ([]byte, error) {
	return RandomBytes(SeedSize)
}

// AccountPath returns the BIP-44 style path for the Ethereum account at index
func AccountPath(index uint32) accounts.DerivationPath {
	path := make(accounts.DerivationPath, len(accounts.DefaultBaseDerivationPath))
	copy(path, accounts.DefaultBaseDerivationPath)
	path[len(path)-1] = index
	return path
}

// DeriveAccountKey deterministically derives the secp256k1 key for path
// from seed using HKDF-SHA256 with the path string as info. Candidates that
// are not valid scalars are skipped by bumping a counter.
func DeriveAccountKey(seed []byte, path accounts.DerivationPath) (*ecdsa.PrivateKey, error) {
	if len(seed) < MinSeedSize {
		return nil, fmt.Errorf("seed too short: expected at least %d bytes, got %d", MinSeedSize, len(seed))
	}

	info := []byte(path.String())
	for counter := uint32(0); counter < maxDeriveTries; counter++ {
		var ctr [4]byte
		binary.BigEndian.PutUint32(ctr[:], counter)

		r := hkdf.New(sha256.New, seed, []byte(accountKeySalt), append(info, ctr[:]...))
		candidate := make([]byte, 32)
		if _, err := io.ReadFull(r, candidate); err != nil {
			return nil, fmt.Errorf("failed to read from HKDF: %w", err)
		}

		key, err := crypto.ToECDSA(candidate)
		Wipe(candidate)
		if err == nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("failed to derive a valid key for path %s", path)
}

// DeriveAddress derives only the address for path, wiping the private scalar
func DeriveAddress(seed []byte, path accounts.DerivationPath) (common.Address, error) {
	key, err := DeriveAccountKey(seed, path)
	if err != nil {
		return common.Address{}, err
	}
	defer ZeroKey(key)
	return GetEthereumAddress(key), nil
}

// GetEthereumAddress derives the Ethereum address from a private key
func GetEthereumAddress(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// ZeroKey best-effort clears the private scalar of key
func ZeroKey(key *ecdsa.PrivateKey) {
	if key == nil || key.D == nil {
		return
	}
	key.D.SetUint64(0)
}
