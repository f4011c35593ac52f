package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/better-wallet/walletbridge/internal/config"
	"github.com/better-wallet/walletbridge/internal/crypto"
	"github.com/better-wallet/walletbridge/internal/keyexec"
	"github.com/better-wallet/walletbridge/internal/logger"
	"github.com/better-wallet/walletbridge/internal/permission"
	"github.com/better-wallet/walletbridge/internal/session"
	"github.com/better-wallet/walletbridge/internal/storage"
	"github.com/better-wallet/walletbridge/internal/vault"
)

// core is the state every command opens: storage, the vault and the grants
type core struct {
	cfg      *config.Config
	clock    clockwork.Clock
	backend  storage.Backend
	sessions *session.Manager
	vault    *vault.Vault
	perms    *permission.Registry
}

func openCore(ctx context.Context) (*core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logger.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	sealer, err := keyexec.NewSealer(ctx, keyexec.KMSConfigFrom(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sealing provider: %w", err)
	}
	backend, err := storage.Open(ctx, storage.Options{
		Backend:     cfg.StorageBackend,
		DataDir:     cfg.DataDir,
		PostgresDSN: cfg.PostgresDSN,
		Sealer:      sealer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	logger.Info(ctx, "storage opened", "backend", cfg.StorageBackend, "sealed", sealer != nil)

	clock := clockwork.NewRealClock()
	sessions := session.NewManager(clock)
	perms := permission.New(backend.Scope(storage.ScopePermissions), clock)

	v, err := vault.New(backend.Scope(storage.ScopeVault), sessions, vault.Options{
		KDF:             crypto.NewKDFParams(cfg.KDFIterations),
		SessionTTL:      cfg.SessionTTL,
		DefaultAccounts: cfg.DefaultAccounts,
		OnDelete: func(ctx context.Context) error {
			_, err := perms.Clear(ctx)
			return err
		},
		Now: clock.Now,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}

	return &core{
		cfg:      cfg,
		clock:    clock,
		backend:  backend,
		sessions: sessions,
		vault:    v,
		perms:    perms,
	}, nil
}

func (c *core) Close() {
	c.sessions.LockWithReason("shutdown")
	if err := c.backend.Close(); err != nil {
		logger.Warn(context.Background(), "failed to close storage", "error", err)
	}
}

// stdin is shared so several prompts can read consecutive lines
var stdin = bufio.NewReader(os.Stdin)

// readSecret prompts on stderr and reads one line from stdin. The caller
// wipes the result.
func readSecret(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := stdin.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	secret := []byte(strings.TrimRight(string(line), "\r\n"))
	crypto.Wipe(line)
	if len(secret) == 0 {
		return nil, errors.New("input cannot be empty")
	}
	return secret, nil
}

// readNewPassword asks twice and requires both entries to match
func readNewPassword(prompt string) ([]byte, error) {
	first, err := readSecret(prompt)
	if err != nil {
		return nil, err
	}
	second, err := readSecret("Repeat: ")
	if err != nil {
		crypto.Wipe(first)
		return nil, err
	}
	defer crypto.Wipe(second)
	if string(first) != string(second) {
		crypto.Wipe(first)
		return nil, errors.New("passwords do not match")
	}
	return first, nil
}
