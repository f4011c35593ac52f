package vault

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/better-wallet/walletbridge/internal/crypto"
	"github.com/better-wallet/walletbridge/internal/session"
	"github.com/better-wallet/walletbridge/internal/storage"
	apperrors "github.com/better-wallet/walletbridge/pkg/errors"
	"github.com/better-wallet/walletbridge/pkg/types"
)

var (
	testPassword = []byte("correct horse battery staple")
	testKDF      = crypto.NewKDFParams(crypto.MinKDFIterations)
)

func testSeed() []byte {
	seed := make([]byte, crypto.SeedSize)
	for i := range seed {
		seed[i] = byte(0xa0 + i)
	}
	return seed
}

type fixture struct {
	backend  *storage.MemoryBackend
	clock    *clockwork.FakeClock
	sessions *session.Manager
	vault    *Vault
	deleted  int
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		backend: storage.NewMemoryBackend(),
		clock:   clockwork.NewFakeClock(),
	}
	f.sessions = session.NewManager(f.clock)

	opts := Options{
		KDF:             testKDF,
		SessionTTL:      10 * time.Minute,
		DefaultAccounts: 2,
		UnlockRate:      rate.Inf,
		OnDelete: func(context.Context) error {
			f.deleted++
			return nil
		},
		Now: f.clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}

	v, err := New(f.backend.Scope(storage.ScopeVault), f.sessions, opts)
	require.NoError(t, err)
	f.vault = v
	return f
}

func (f *fixture) rawRecord(t *testing.T) *Record {
	t.Helper()
	values, err := f.backend.Scope(storage.ScopeVault).Get(context.Background(), recordKey)
	require.NoError(t, err)
	rec, err := decodeRecord(values[recordKey])
	require.NoError(t, err)
	return rec
}

func (f *fixture) writeRaw(t *testing.T, raw []byte) {
	t.Helper()
	require.NoError(t, f.backend.Scope(storage.ScopeVault).Set(context.Background(), map[string][]byte{recordKey: raw}))
	// drop the cache so the next call re-reads storage
	f.vault.mu.Lock()
	f.vault.loaded = false
	f.vault.mu.Unlock()
}

func TestNew_RejectsWeakKDF(t *testing.T) {
	_, err := New(storage.NewMemoryBackend().Scope(storage.ScopeVault), session.NewManager(nil), Options{
		KDF:        crypto.NewKDFParams(10_000),
		SessionTTL: time.Minute,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below minimum")
}

func TestVault_CreateAndUnlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.vault.Unlock(ctx, testPassword)
	assert.ErrorIs(t, err, apperrors.ErrNotInitialized)

	require.NoError(t, f.vault.Create(ctx, testPassword, testSeed()))
	assert.ErrorIs(t, f.vault.Create(ctx, testPassword, testSeed()), apperrors.ErrAlreadyExists)

	exists, err := f.vault.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	rec := f.rawRecord(t)
	assert.Equal(t, RecordVersion, rec.Version)
	assert.Equal(t, testKDF, rec.KDF)
	assert.Len(t, rec.Salt, crypto.SaltSize)
	assert.Len(t, rec.Nonce, crypto.NonceSize)
	require.Len(t, rec.Accounts, 2)
	assert.Equal(t, "m/44'/60'/0'/0/1", rec.Accounts[1].Path)

	h, err := f.vault.Unlock(ctx, testPassword)
	require.NoError(t, err)
	assert.True(t, f.sessions.IsUnlocked())
	assert.Equal(t, addresses(rec.Accounts), f.sessions.CurrentAccounts())

	err = f.vault.WithSecret(ctx, h, func(seed []byte) error {
		assert.Equal(t, testSeed(), seed)
		return nil
	})
	require.NoError(t, err)
}

func TestVault_CreateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	assert.ErrorIs(t, f.vault.Create(ctx, nil, testSeed()), apperrors.InvalidParams(""))
	assert.ErrorIs(t, f.vault.Create(ctx, testPassword, []byte("short")), apperrors.InvalidParams(""))

	// nil seed generates one
	require.NoError(t, f.vault.Create(ctx, testPassword, nil))
	_, err := f.vault.Unlock(ctx, testPassword)
	require.NoError(t, err)
}

func TestVault_UnlockFailuresAreIndistinguishable(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		password []byte
		corrupt  func(t *testing.T, f *fixture)
	}{
		{name: "wrong password", password: []byte("wrong")},
		{
			name:     "flipped ciphertext bit",
			password: testPassword,
			corrupt: func(t *testing.T, f *fixture) {
				rec := f.rawRecord(t)
				rec.Ciphertext[0] ^= 0x01
				raw, _ := rec.encode()
				f.writeRaw(t, raw)
			},
		},
		{
			name:     "swapped nonce",
			password: testPassword,
			corrupt: func(t *testing.T, f *fixture) {
				rec := f.rawRecord(t)
				rec.Nonce = make([]byte, crypto.NonceSize)
				raw, _ := rec.encode()
				f.writeRaw(t, raw)
			},
		},
		{
			name:     "lowered iteration count",
			password: testPassword,
			corrupt: func(t *testing.T, f *fixture) {
				rec := f.rawRecord(t)
				rec.KDF.Iterations = 1000
				raw, _ := rec.encode()
				f.writeRaw(t, raw)
			},
		},
		{
			name:     "unparsable record",
			password: testPassword,
			corrupt: func(t *testing.T, f *fixture) {
				f.writeRaw(t, []byte("{not json"))
			},
		},
		{
			name:     "future version",
			password: testPassword,
			corrupt: func(t *testing.T, f *fixture) {
				rec := f.rawRecord(t)
				rec.Version = RecordVersion + 1
				raw, _ := rec.encode()
				f.writeRaw(t, raw)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.vault.Create(ctx, testPassword, testSeed()))
			if tt.corrupt != nil {
				tt.corrupt(t, f)
			}

			h, err := f.vault.Unlock(ctx, tt.password)
			require.Error(t, err)
			assert.Same(t, apperrors.ErrInvalidPassword, err)
			assert.Empty(t, h)
			assert.False(t, f.sessions.IsUnlocked())
		})
	}
}

func TestVault_UnlockThrottled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) {
		o.UnlockRate = rate.Every(time.Hour)
		o.UnlockBurst = 2
	})
	require.NoError(t, f.vault.Create(ctx, testPassword, testSeed()))

	_, err := f.vault.Unlock(ctx, []byte("guess-1"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidPassword)
	_, err = f.vault.Unlock(ctx, []byte("guess-2"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidPassword)
	_, err = f.vault.Unlock(ctx, testPassword)
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)
}

func TestVault_LockIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.vault.Create(ctx, testPassword, testSeed()))
	h, err := f.vault.Unlock(ctx, testPassword)
	require.NoError(t, err)

	f.vault.Lock()
	f.vault.Lock()

	err = f.vault.WithSecret(ctx, h, func([]byte) error { return nil })
	assert.ErrorIs(t, err, apperrors.ErrLocked)
}

func TestVault_SessionExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.vault.Create(ctx, testPassword, testSeed()))
	h, err := f.vault.Unlock(ctx, testPassword)
	require.NoError(t, err)

	f.clock.Advance(10*time.Minute + time.Second)

	called := false
	err = f.vault.WithSecret(ctx, h, func([]byte) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, apperrors.ErrLocked)
	assert.False(t, called)

	_, err = f.vault.DeriveAccount(ctx, h, types.ChainTypeEthereum, 5)
	assert.ErrorIs(t, err, apperrors.ErrLocked)
}

func TestVault_ChangePassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.vault.Create(ctx, testPassword, testSeed()))
	h, err := f.vault.Unlock(ctx, testPassword)
	require.NoError(t, err)
	before := f.rawRecord(t)

	newPassword := []byte("new password")

	t.Run("wrong old password leaves record untouched", func(t *testing.T) {
		err := f.vault.ChangePassword(ctx, []byte("nope"), newPassword)
		assert.ErrorIs(t, err, apperrors.ErrInvalidPassword)
		assert.Equal(t, before.Ciphertext, f.rawRecord(t).Ciphertext)
	})

	t.Run("success", func(t *testing.T) {
		require.NoError(t, f.vault.ChangePassword(ctx, testPassword, newPassword))

		after := f.rawRecord(t)
		assert.NotEqual(t, before.Salt, after.Salt)
		assert.NotEqual(t, before.Nonce, after.Nonce)
		assert.Equal(t, before.Accounts, after.Accounts)

		// the live session was re-keyed
		err := f.vault.WithSecret(ctx, h, func(seed []byte) error {
			assert.Equal(t, testSeed(), seed)
			return nil
		})
		require.NoError(t, err)

		f.vault.Lock()
		_, err = f.vault.Unlock(ctx, testPassword)
		assert.ErrorIs(t, err, apperrors.ErrInvalidPassword)
		_, err = f.vault.Unlock(ctx, newPassword)
		assert.NoError(t, err)
	})

	t.Run("empty new password", func(t *testing.T) {
		err := f.vault.ChangePassword(ctx, newPassword, nil)
		assert.ErrorIs(t, err, apperrors.InvalidParams(""))
	})
}

func TestVault_KDFUpgradeOnUnlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.vault.Create(ctx, testPassword, testSeed()))
	weak := f.rawRecord(t)

	stronger := crypto.NewKDFParams(crypto.MinKDFIterations + 20_000)
	upgraded, err := New(f.backend.Scope(storage.ScopeVault), f.sessions, Options{
		KDF:             stronger,
		SessionTTL:      time.Minute,
		DefaultAccounts: 2,
		UnlockRate:      rate.Inf,
	})
	require.NoError(t, err)

	h, err := upgraded.Unlock(ctx, testPassword)
	require.NoError(t, err)

	rec := f.rawRecord(t)
	assert.Equal(t, stronger.Iterations, rec.KDF.Iterations)
	assert.NotEqual(t, weak.Salt, rec.Salt)
	assert.Equal(t, weak.Accounts, rec.Accounts)

	// session key matches the upgraded record
	require.NoError(t, upgraded.WithSecret(ctx, h, func(seed []byte) error {
		assert.Equal(t, testSeed(), seed)
		return nil
	}))
}

func TestVault_DeriveAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.vault.Create(ctx, testPassword, testSeed()))

	_, err := f.vault.DeriveAccount(ctx, "none", types.ChainTypeEthereum, 3)
	assert.ErrorIs(t, err, apperrors.ErrLocked)

	h, err := f.vault.Unlock(ctx, testPassword)
	require.NoError(t, err)

	acct, err := f.vault.DeriveAccount(ctx, h, types.ChainTypeEthereum, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), acct.Index)
	assert.Equal(t, "m/44'/60'/0'/0/3", acct.Path)

	expected, err := crypto.DeriveAddress(testSeed(), crypto.AccountPath(3))
	require.NoError(t, err)
	assert.Equal(t, expected, acct.Address)

	assert.Contains(t, f.sessions.CurrentAccounts(), acct.Address)
	assert.Len(t, f.rawRecord(t).Accounts, 3)

	// deriving again does not duplicate
	_, err = f.vault.DeriveAccount(ctx, h, types.ChainTypeEthereum, 3)
	require.NoError(t, err)
	assert.Len(t, f.rawRecord(t).Accounts, 3)

	_, err = f.vault.DeriveAccount(ctx, h, "solana", 0)
	assert.ErrorIs(t, err, apperrors.InvalidParams(""))
}

func TestVault_WithAccountKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.vault.Create(ctx, testPassword, testSeed()))
	h, err := f.vault.Unlock(ctx, testPassword)
	require.NoError(t, err)

	accounts, err := f.vault.Accounts(ctx)
	require.NoError(t, err)

	var seen common.Address
	err = f.vault.WithAccountKey(ctx, h, accounts[1].Address, func(key *ecdsa.PrivateKey) error {
		seen = crypto.GetEthereumAddress(key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, accounts[1].Address, seen)

	stranger := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	err = f.vault.WithAccountKey(ctx, h, stranger, func(*ecdsa.PrivateKey) error { return nil })
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestVault_ExportAndRestore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.vault.Create(ctx, testPassword, testSeed()))
	original, err := f.vault.Accounts(ctx)
	require.NoError(t, err)

	_, err = f.vault.ExportShares(ctx, []byte("wrong"), 2, 3)
	assert.ErrorIs(t, err, apperrors.ErrInvalidPassword)

	shares, err := f.vault.ExportShares(ctx, testPassword, 2, 3)
	require.NoError(t, err)
	require.Len(t, shares, 3)

	_, err = f.vault.ExportShares(ctx, testPassword, 1, 3)
	assert.ErrorIs(t, err, apperrors.InvalidParams(""))

	require.NoError(t, f.vault.Delete(ctx, testPassword))

	t.Run("mismatched shares rejected", func(t *testing.T) {
		other := newFixture(t)
		require.NoError(t, other.vault.Create(ctx, testPassword, nil))
		foreign, err := other.vault.ExportShares(ctx, testPassword, 2, 2)
		require.NoError(t, err)

		err = f.vault.Restore(ctx, [][]byte{shares[0], foreign[1]}, testPassword)
		assert.ErrorIs(t, err, apperrors.InvalidParams(""))
	})

	newPassword := []byte("restored")
	require.NoError(t, f.vault.Restore(ctx, [][]byte{shares[2], shares[0]}, newPassword))

	h, err := f.vault.Unlock(ctx, newPassword)
	require.NoError(t, err)
	restored, err := f.vault.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, addresses(original), addresses(restored))

	require.NoError(t, f.vault.WithSecret(ctx, h, func(seed []byte) error {
		assert.Equal(t, testSeed(), seed)
		return nil
	}))
}

func TestVault_Delete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.vault.Create(ctx, testPassword, testSeed()))
	h, err := f.vault.Unlock(ctx, testPassword)
	require.NoError(t, err)

	assert.ErrorIs(t, f.vault.Delete(ctx, []byte("wrong")), apperrors.ErrInvalidPassword)
	assert.True(t, f.sessions.IsUnlocked())
	assert.Equal(t, 0, f.deleted)

	require.NoError(t, f.vault.Delete(ctx, testPassword))
	assert.False(t, f.sessions.IsUnlocked())
	assert.Equal(t, 1, f.deleted)

	err = f.vault.WithSecret(ctx, h, func([]byte) error { return nil })
	assert.ErrorIs(t, err, apperrors.ErrLocked)

	exists, err := f.vault.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, f.vault.Delete(ctx, testPassword), apperrors.ErrNotInitialized)
}

func TestVault_NoSeedLeakage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seed := testSeed()
	require.NoError(t, f.vault.Create(ctx, testPassword, append([]byte(nil), seed...)))

	h, err := f.vault.Unlock(ctx, testPassword)
	require.NoError(t, err)
	_, err = f.vault.DeriveAccount(ctx, h, types.ChainTypeEthereum, 7)
	require.NoError(t, err)
	require.NoError(t, f.vault.ChangePassword(ctx, testPassword, []byte("second")))

	var leaked []byte
	require.NoError(t, f.vault.WithSecret(ctx, h, func(s []byte) error {
		leaked = s
		return nil
	}))
	// the callback's slice is wiped once it returns
	assert.Equal(t, make([]byte, len(seed)), leaked)

	info, err := json.Marshal(f.sessions.Info())
	require.NoError(t, err)
	assert.False(t, bytes.Contains(info, seed))

	f.vault.Lock()

	for _, scope := range []string{storage.ScopeVault, storage.ScopePermissions} {
		s := f.backend.Scope(scope)
		keys, err := s.Keys(ctx)
		require.NoError(t, err)
		values, err := s.Get(ctx, keys...)
		require.NoError(t, err)
		for k, v := range values {
			assert.False(t, bytes.Contains(v, seed), "seed found in %s/%s", scope, k)
			assert.False(t, bytes.Contains(v, testPassword), "password found in %s/%s", scope, k)
		}
	}
}
