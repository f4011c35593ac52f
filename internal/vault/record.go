package vault

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/better-wallet/walletbridge/internal/crypto"
	"github.com/better-wallet/walletbridge/pkg/types"
)

// RecordVersion is the current at-rest format
const RecordVersion = 1

const recordKey = "record"

// Record is the persisted vault. Only the seed is encrypted; the account
// index is public metadata.
type Record struct {
	Version int `json:"version"`
	crypto.Sealed
	Accounts  []types.Account `json:"accounts"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// aad binds the ciphertext to the format version and KDF so neither can be
// swapped without failing authentication
func recordAAD(version int, kdf string) []byte {
	return []byte(fmt.Sprintf("walletbridge/vault/v%d/%s", version, kdf))
}

func (r *Record) aad() []byte {
	return recordAAD(r.Version, r.KDF.Name)
}

func (r *Record) needsUpgrade(target crypto.KDFParams) bool {
	return r.Version < RecordVersion || r.KDF.Weaker(target)
}

func decodeRecord(raw []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to decode vault record: %w", err)
	}
	if r.Version <= 0 || r.Version > RecordVersion {
		return nil, fmt.Errorf("unsupported vault record version %d", r.Version)
	}
	if len(r.Salt) < crypto.SaltSize || len(r.Nonce) != crypto.NonceSize || len(r.Ciphertext) == 0 {
		return nil, fmt.Errorf("vault record is truncated")
	}
	return &r, nil
}

func (r *Record) encode() ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode vault record: %w", err)
	}
	return raw, nil
}
