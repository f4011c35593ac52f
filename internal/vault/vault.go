// Package vault owns the encrypted wallet seed. The seed is decrypted only
// inside WithSecret and is wiped before it returns; an unlocked session holds
// the derived key, never the seed.
package vault

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"

	"github.com/better-wallet/walletbridge/internal/crypto"
	"github.com/better-wallet/walletbridge/internal/keyexec"
	"github.com/better-wallet/walletbridge/internal/logger"
	"github.com/better-wallet/walletbridge/internal/session"
	"github.com/better-wallet/walletbridge/internal/storage"
	apperrors "github.com/better-wallet/walletbridge/pkg/errors"
	"github.com/better-wallet/walletbridge/pkg/types"
)

// Options configures a Vault
type Options struct {
	KDF             crypto.KDFParams
	SessionTTL      time.Duration
	DefaultAccounts int

	// UnlockRate and UnlockBurst throttle password attempts process-wide
	UnlockRate  rate.Limit
	UnlockBurst int

	// OnDelete runs after the record is removed, e.g. to clear origin grants
	OnDelete func(ctx context.Context) error

	Now func() time.Time
}

// Vault implements the encrypted at-rest secret and its unlock lifecycle
type Vault struct {
	store    storage.Scoped
	sessions *session.Manager
	opts     Options
	limiter  *rate.Limiter

	// mu serializes record mutations and caches the decoded record.
	// The cache never holds plaintext.
	mu     sync.Mutex
	record *Record
	loaded bool
}

var _ keyexec.SecretSource = (*Vault)(nil)

// New creates a Vault over the given storage scope
func New(store storage.Scoped, sessions *session.Manager, opts Options) (*Vault, error) {
	if err := opts.KDF.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vault KDF: %w", err)
	}
	if opts.SessionTTL <= 0 {
		return nil, fmt.Errorf("session TTL must be positive")
	}
	if opts.DefaultAccounts < 1 {
		opts.DefaultAccounts = 1
	}
	if opts.UnlockRate == 0 {
		opts.UnlockRate = rate.Every(time.Second)
	}
	if opts.UnlockBurst <= 0 {
		opts.UnlockBurst = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Vault{
		store:    store,
		sessions: sessions,
		opts:     opts,
		limiter:  rate.NewLimiter(opts.UnlockRate, opts.UnlockBurst),
	}, nil
}

// loadLocked returns the cached record, reading it from storage on first use.
// A nil record means the wallet has not been created.
func (v *Vault) loadLocked(ctx context.Context) (*Record, error) {
	if v.loaded {
		return v.record, nil
	}
	values, err := v.store.Get(ctx, recordKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault record: %w", err)
	}
	raw, ok := values[recordKey]
	if !ok {
		v.record, v.loaded = nil, true
		return nil, nil
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		// keep the cache cold so a repaired record is picked up
		return nil, err
	}
	v.record, v.loaded = rec, true
	return rec, nil
}

func (v *Vault) saveLocked(ctx context.Context, rec *Record) error {
	raw, err := rec.encode()
	if err != nil {
		return err
	}
	if err := v.store.Set(ctx, map[string][]byte{recordKey: raw}); err != nil {
		return fmt.Errorf("failed to write vault record: %w", err)
	}
	v.record, v.loaded = rec, true
	return nil
}

// Exists reports whether a wallet has been created
func (v *Vault) Exists(ctx context.Context) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, err := v.loadLocked(ctx)
	if err != nil {
		// an unreadable record still occupies the slot
		return true, nil
	}
	return rec != nil, nil
}

// Create seals seed under password. A nil seed generates a fresh one.
func (v *Vault) Create(ctx context.Context, password, seed []byte) error {
	if len(password) == 0 {
		return apperrors.InvalidParams("password cannot be empty")
	}
	if seed == nil {
		var err error
		if seed, err = crypto.NewSeed(); err != nil {
			return err
		}
		defer crypto.Wipe(seed)
	}
	if len(seed) < crypto.MinSeedSize {
		return apperrors.InvalidParams(fmt.Sprintf("seed must be at least %d bytes", crypto.MinSeedSize))
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if exists, _ := v.existsLocked(ctx); exists {
		return apperrors.ErrAlreadyExists
	}

	accounts, err := deriveDefaultAccounts(seed, v.opts.DefaultAccounts)
	if err != nil {
		return err
	}

	sealed, err := crypto.SealWithPassword(password, seed, recordAAD(RecordVersion, v.opts.KDF.Name), v.opts.KDF)
	if err != nil {
		return fmt.Errorf("failed to seal vault: %w", err)
	}

	now := v.opts.Now().UTC()
	rec := &Record{
		Version:   RecordVersion,
		Sealed:    *sealed,
		Accounts:  accounts,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := v.saveLocked(ctx, rec); err != nil {
		return err
	}

	logger.Info(ctx, "vault created", "accounts", len(accounts), "kdf_iterations", v.opts.KDF.Iterations)
	return nil
}

func (v *Vault) existsLocked(ctx context.Context) (bool, error) {
	rec, err := v.loadLocked(ctx)
	if err != nil {
		return true, err
	}
	return rec != nil, nil
}

// Unlock opens the vault and starts a session. Every failure to open the
// record, whatever the cause, is reported as ErrInvalidPassword.
func (v *Vault) Unlock(ctx context.Context, password []byte) (session.Handle, error) {
	if !v.limiter.Allow() {
		return "", apperrors.ErrRateLimited
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	rec, err := v.loadLocked(ctx)
	if err != nil {
		logger.Warn(ctx, "vault unlock failed", "cause", "unreadable record", "error", err)
		return "", apperrors.ErrInvalidPassword
	}
	if rec == nil {
		return "", apperrors.ErrNotInitialized
	}

	key, seed, err := v.openLocked(rec, password)
	if err != nil {
		logger.Warn(ctx, "vault unlock failed", "cause", err.Error())
		return "", apperrors.ErrInvalidPassword
	}
	defer crypto.Wipe(seed)

	if rec.needsUpgrade(v.opts.KDF) {
		upgraded, newKey, err := v.resealLocked(rec, password, seed)
		if err != nil {
			crypto.Wipe(key)
			return "", err
		}
		if err := v.saveLocked(ctx, upgraded); err != nil {
			crypto.Wipe(key)
			crypto.Wipe(newKey)
			return "", err
		}
		logger.Info(ctx, "vault KDF upgraded",
			"from_iterations", rec.KDF.Iterations, "to_iterations", upgraded.KDF.Iterations)
		crypto.Wipe(key)
		key, rec = newKey, upgraded
	}

	if missing := v.opts.DefaultAccounts - len(rec.Accounts); missing > 0 {
		if err := v.topUpAccountsLocked(ctx, rec, seed); err != nil {
			crypto.Wipe(key)
			return "", err
		}
	}

	h := v.sessions.Start(key, addresses(rec.Accounts), v.opts.SessionTTL)
	logger.Info(ctx, "vault unlocked", "accounts", len(rec.Accounts))
	return h, nil
}

// openLocked derives the key and decrypts the seed. The returned error
// distinguishes causes for logging only.
func (v *Vault) openLocked(rec *Record, password []byte) (key, seed []byte, err error) {
	key, err = rec.DeriveKey(password)
	if err != nil {
		return nil, nil, fmt.Errorf("key derivation: %w", err)
	}
	seed, err = rec.OpenWithKey(key, rec.aad())
	if err != nil {
		crypto.Wipe(key)
		return nil, nil, fmt.Errorf("authentication failed")
	}
	return key, seed, nil
}

// resealLocked encrypts seed under password with a fresh salt and nonce and
// the configured KDF. It returns the new record and its key.
func (v *Vault) resealLocked(rec *Record, password, seed []byte) (*Record, []byte, error) {
	salt, err := crypto.RandomBytes(crypto.SaltSize)
	if err != nil {
		return nil, nil, err
	}
	key, err := crypto.DeriveKey(password, salt, v.opts.KDF)
	if err != nil {
		return nil, nil, err
	}
	sealed, err := crypto.SealWithKey(key, salt, v.opts.KDF, seed, recordAAD(RecordVersion, v.opts.KDF.Name))
	if err != nil {
		crypto.Wipe(key)
		return nil, nil, err
	}

	next := &Record{
		Version:   RecordVersion,
		Sealed:    *sealed,
		Accounts:  append([]types.Account(nil), rec.Accounts...),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: v.opts.Now().UTC(),
	}
	return next, key, nil
}

func (v *Vault) topUpAccountsLocked(ctx context.Context, rec *Record, seed []byte) error {
	accounts, err := deriveDefaultAccounts(seed, v.opts.DefaultAccounts)
	if err != nil {
		return err
	}
	next := *rec
	next.Accounts = mergeAccounts(rec.Accounts, accounts)
	next.UpdatedAt = v.opts.Now().UTC()
	if err := v.saveLocked(ctx, &next); err != nil {
		return err
	}
	*rec = next
	return nil
}

// Lock destroys the active session. It is idempotent.
func (v *Vault) Lock() {
	v.sessions.Lock()
}

// ChangePassword re-encrypts the seed under newPassword with a fresh salt
// and nonce. The record is replaced in a single write; a live session is
// re-keyed so it keeps working.
func (v *Vault) ChangePassword(ctx context.Context, oldPassword, newPassword []byte) error {
	if len(newPassword) == 0 {
		return apperrors.InvalidParams("password cannot be empty")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	rec, err := v.loadLocked(ctx)
	if err != nil {
		logger.Warn(ctx, "password change failed", "cause", "unreadable record", "error", err)
		return apperrors.ErrInvalidPassword
	}
	if rec == nil {
		return apperrors.ErrNotInitialized
	}

	oldKey, seed, err := v.openLocked(rec, oldPassword)
	if err != nil {
		logger.Warn(ctx, "password change failed", "cause", err.Error())
		return apperrors.ErrInvalidPassword
	}
	crypto.Wipe(oldKey)
	defer crypto.Wipe(seed)

	next, newKey, err := v.resealLocked(rec, newPassword, seed)
	if err != nil {
		return err
	}
	if err := v.saveLocked(ctx, next); err != nil {
		crypto.Wipe(newKey)
		return err
	}

	if h, err := v.sessions.Current(); err == nil {
		if err := v.sessions.Rekey(h, newKey); err != nil {
			logger.Warn(ctx, "session re-key failed, locking", "error", err)
			v.sessions.Lock()
		}
	} else {
		crypto.Wipe(newKey)
	}

	logger.Info(ctx, "vault password changed")
	return nil
}

// WithSecret decrypts the seed for the duration of fn. The seed slice is
// wiped when fn returns and must not be retained.
func (v *Vault) WithSecret(ctx context.Context, h session.Handle, fn func(seed []byte) error) error {
	buf, err := v.sessions.Open(h)
	if err != nil {
		return err
	}
	defer buf.Destroy()

	v.mu.Lock()
	rec, err := v.loadLocked(ctx)
	v.mu.Unlock()
	if err != nil || rec == nil {
		return apperrors.ErrLocked
	}

	seed, err := rec.OpenWithKey(buf.Bytes(), rec.aad())
	if err != nil {
		logger.Error(ctx, "session key no longer opens the vault", "error", err)
		return apperrors.ErrInternalError
	}
	defer crypto.Wipe(seed)

	return fn(seed)
}

// WithAccountKey lends the private key of addr for the duration of fn
func (v *Vault) WithAccountKey(ctx context.Context, h session.Handle, addr common.Address, fn func(key *ecdsa.PrivateKey) error) error {
	acct, ok, err := v.account(ctx, addr)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NewWithDetail(apperrors.ErrCodeUnauthorized,
			"Account is not managed by this wallet", addr.Hex(), apperrors.RPCUnauthorized)
	}
	path, err := acct.DerivationPath()
	if err != nil {
		return fmt.Errorf("invalid stored derivation path: %w", err)
	}

	return v.WithSecret(ctx, h, func(seed []byte) error {
		key, err := crypto.DeriveAccountKey(seed, path)
		if err != nil {
			return err
		}
		defer crypto.ZeroKey(key)
		if crypto.GetEthereumAddress(key) != addr {
			return fmt.Errorf("derived key does not match account %s", addr.Hex())
		}
		return fn(key)
	})
}

// DeriveAccount derives and records the account at index for network. It
// requires a live session.
func (v *Vault) DeriveAccount(ctx context.Context, h session.Handle, network string, index uint32) (types.Account, error) {
	if network != types.ChainTypeEthereum {
		return types.Account{}, apperrors.InvalidParams(fmt.Sprintf("unsupported network %q", network))
	}

	var acct types.Account
	err := v.WithSecret(ctx, h, func(seed []byte) error {
		var err error
		acct, err = deriveAccount(seed, network, index)
		return err
	})
	if err != nil {
		return types.Account{}, err
	}

	v.mu.Lock()
	rec, err := v.loadLocked(ctx)
	if err == nil && rec != nil && !hasAccount(rec.Accounts, acct.Address) {
		next := *rec
		next.Accounts = append(append([]types.Account(nil), rec.Accounts...), acct)
		next.UpdatedAt = v.opts.Now().UTC()
		err = v.saveLocked(ctx, &next)
	}
	v.mu.Unlock()
	if err != nil {
		return types.Account{}, err
	}

	if err := v.sessions.AddAccount(h, acct.Address); err != nil {
		return types.Account{}, err
	}
	return acct, nil
}

// Accounts lists the recorded accounts. Addresses are public so this does
// not require a session.
func (v *Vault) Accounts(ctx context.Context) ([]types.Account, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, err := v.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.ErrNotInitialized
	}
	return append([]types.Account(nil), rec.Accounts...), nil
}

func (v *Vault) account(ctx context.Context, addr common.Address) (types.Account, bool, error) {
	accounts, err := v.Accounts(ctx)
	if err != nil {
		return types.Account{}, false, err
	}
	for _, a := range accounts {
		if a.Address == addr {
			return a, true, nil
		}
	}
	return types.Account{}, false, nil
}

// shareChecksumSize trails the seed inside exported shares so Restore can
// tell a wrong share set from a valid one
const shareChecksumSize = 4

// ExportShares splits the seed into total Shamir shares with the given
// threshold. The password is re-verified.
func (v *Vault) ExportShares(ctx context.Context, password []byte, threshold, total int) ([][]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, err := v.loadLocked(ctx)
	if err != nil {
		return nil, apperrors.ErrInvalidPassword
	}
	if rec == nil {
		return nil, apperrors.ErrNotInitialized
	}
	key, seed, err := v.openLocked(rec, password)
	if err != nil {
		logger.Warn(ctx, "share export failed", "cause", err.Error())
		return nil, apperrors.ErrInvalidPassword
	}
	crypto.Wipe(key)
	defer crypto.Wipe(seed)

	payload := withChecksum(seed)
	defer crypto.Wipe(payload)

	shares, err := crypto.SplitSecret(payload, threshold, total)
	if err != nil {
		return nil, apperrors.InvalidParams(err.Error())
	}
	logger.Info(ctx, "recovery shares exported", "threshold", threshold, "total", total)
	return shares, nil
}

// Restore rebuilds the wallet from recovery shares and seals it under password
func (v *Vault) Restore(ctx context.Context, shares [][]byte, password []byte) error {
	payload, err := crypto.CombineShares(shares)
	if err != nil {
		return apperrors.InvalidParams(err.Error())
	}
	defer crypto.Wipe(payload)

	seed, ok := verifyChecksum(payload)
	if !ok {
		return apperrors.InvalidParams("shares do not reconstruct a valid seed")
	}
	return v.Create(ctx, password, seed)
}

// Delete removes the wallet after re-verifying the password. The session is
// locked and OnDelete runs so dependent state can be cleared.
func (v *Vault) Delete(ctx context.Context, password []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, err := v.loadLocked(ctx)
	if err != nil {
		// an unreadable record cannot be verified against any password
		return apperrors.ErrInvalidPassword
	}
	if rec == nil {
		return apperrors.ErrNotInitialized
	}
	key, seed, err := v.openLocked(rec, password)
	if err != nil {
		logger.Warn(ctx, "vault delete refused", "cause", err.Error())
		return apperrors.ErrInvalidPassword
	}
	crypto.Wipe(key)
	crypto.Wipe(seed)

	if err := v.store.Remove(ctx, recordKey); err != nil {
		return fmt.Errorf("failed to remove vault record: %w", err)
	}
	v.record, v.loaded = nil, true
	v.sessions.LockWithReason(session.ReasonDeleted)

	if v.opts.OnDelete != nil {
		if err := v.opts.OnDelete(ctx); err != nil {
			return fmt.Errorf("vault removed but cleanup failed: %w", err)
		}
	}
	logger.Info(ctx, "vault deleted")
	return nil
}

func withChecksum(seed []byte) []byte {
	sum := sha256.Sum256(seed)
	out := make([]byte, 0, len(seed)+shareChecksumSize)
	out = append(out, seed...)
	return append(out, sum[:shareChecksumSize]...)
}

func verifyChecksum(payload []byte) ([]byte, bool) {
	if len(payload) < crypto.MinSeedSize+shareChecksumSize {
		return nil, false
	}
	seed := payload[:len(payload)-shareChecksumSize]
	sum := sha256.Sum256(seed)
	if subtle.ConstantTimeCompare(sum[:shareChecksumSize], payload[len(seed):]) != 1 {
		return nil, false
	}
	return seed, true
}
