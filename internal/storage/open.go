package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Options selects and configures a storage engine
type Options struct {
	Backend     string // bolt, memory or postgres
	DataDir     string
	PostgresDSN string
	Sealer      Sealer // optional
}

// Open builds the Backend described by opts
func Open(ctx context.Context, opts Options) (Backend, error) {
	var (
		backend Backend
		err     error
	)

	switch opts.Backend {
	case "memory":
		backend = NewMemoryBackend()
	case "bolt", "":
		if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		backend, err = OpenBolt(filepath.Join(opts.DataDir, "wallet.db"))
	case "postgres":
		backend, err = NewPostgres(ctx, opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	if opts.Sealer != nil {
		backend = NewSealedBackend(backend, opts.Sealer)
	}
	return backend, nil
}
