package crypto

import "fmt"

// Sealed is a password-encrypted blob together with everything needed to
// re-derive its key. The salt and nonce are fresh for every seal.
type Sealed struct {
	KDF        KDFParams `json:"kdf"`
	Salt       []byte    `json:"salt"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
}

// SealWithPassword derives a key from password under a new salt and seals plaintext.
func SealWithPassword(password, plaintext, aad []byte, p KDFParams) (*Sealed, error) {
	salt, err := RandomBytes(SaltSize)
	if err != nil {
		return nil, err
	}
	key, err := DeriveKey(password, salt, p)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	return SealWithKey(key, salt, p, plaintext, aad)
}

// SealWithKey seals plaintext under an already-derived key. salt must be the
// salt key was derived with.
func SealWithKey(key, salt []byte, p KDFParams, plaintext, aad []byte) (*Sealed, error) {
	nonce, ciphertext, err := Seal(key, plaintext, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to seal: %w", err)
	}
	return &Sealed{
		KDF:        p,
		Salt:       append([]byte(nil), salt...),
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// OpenWithPassword re-derives the key and opens s. Any failure past key
// derivation is reported as ErrDecrypt.
func OpenWithPassword(password []byte, s *Sealed, aad []byte) ([]byte, error) {
	key, err := s.DeriveKey(password)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	return s.OpenWithKey(key, aad)
}

// DeriveKey derives the key for s from password
func (s *Sealed) DeriveKey(password []byte) ([]byte, error) {
	if s == nil {
		return nil, ErrDecrypt
	}
	return DeriveKey(password, s.Salt, s.KDF)
}

// OpenWithKey opens s with an already-derived key
func (s *Sealed) OpenWithKey(key, aad []byte) ([]byte, error) {
	if s == nil {
		return nil, ErrDecrypt
	}
	return Open(key, s.Nonce, s.Ciphertext, aad)
}
