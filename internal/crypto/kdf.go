package crypto

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KDFPBKDF2SHA256 is the only password KDF the vault format understands.
	KDFPBKDF2SHA256 = "pbkdf2-sha256"

	// MinKDFIterations is the floor enforced for any persisted vault.
	MinKDFIterations = 100_000
	// DefaultKDFIterations follows the current OWASP guidance for PBKDF2-HMAC-SHA256.
	DefaultKDFIterations = 600_000

	// KeySize is the AES-256 key length produced by the KDF.
	KeySize = 32
	// SaltSize is the per-vault random salt length.
	SaltSize = 16
)

// KDFParams describes how the vault key is stretched from the password
type KDFParams struct {
	Name       string `json:"name"`
	Iterations int    `json:"iterations"`
	KeyLen     int    `json:"key_len"`
}

// DefaultKDFParams returns the KDF profile used for new vaults
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Name:       KDFPBKDF2SHA256,
		Iterations: DefaultKDFIterations,
		KeyLen:     KeySize,
	}
}

// NewKDFParams returns a PBKDF2 profile with the given iteration count
func NewKDFParams(iterations int) KDFParams {
	p := DefaultKDFParams()
	p.Iterations = iterations
	return p
}

// Validate checks the params are acceptable for a persisted vault
func (p KDFParams) Validate() error {
	if p.Name != KDFPBKDF2SHA256 {
		return fmt.Errorf("unsupported KDF: %q", p.Name)
	}
	if p.Iterations < MinKDFIterations {
		return fmt.Errorf("KDF iterations %d below minimum %d", p.Iterations, MinKDFIterations)
	}
	if p.KeyLen != KeySize {
		return fmt.Errorf("KDF key length must be %d bytes, got %d", KeySize, p.KeyLen)
	}
	return nil
}

// Weaker reports whether p is below the target profile and should be upgraded
func (p KDFParams) Weaker(target KDFParams) bool {
	return p.Name != target.Name || p.Iterations < target.Iterations
}

// DeriveKey stretches password into a symmetric key. The floor is not
// enforced here; callers persisting vaults must Validate first.
func DeriveKey(password, salt []byte, p KDFParams) ([]byte, error) {
	if p.Name != KDFPBKDF2SHA256 {
		return nil, fmt.Errorf("unsupported KDF: %q", p.Name)
	}
	if p.Iterations <= 0 {
		return nil, fmt.Errorf("KDF iterations must be positive")
	}
	if p.KeyLen != KeySize {
		return nil, fmt.Errorf("KDF key length must be %d bytes, got %d", KeySize, p.KeyLen)
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("salt too short: expected at least %d bytes, got %d", SaltSize, len(salt))
	}
	return pbkdf2.Key(password, salt, p.Iterations, p.KeyLen, sha256.New), nil
}
