package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend stores every scope in the kv_store table (see migrations/)
type PostgresBackend struct {
	pool *pgxpool.Pool
}

var _ Backend = (*PostgresBackend)(nil)

// NewPostgres creates a new PostgresBackend
func NewPostgres(ctx context.Context, dsn string) (*PostgresBackend, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	// A single wallet process needs very few connections
	config.MaxConns = 4
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresBackend{pool: pool}, nil
}

// Scope returns the namespace called name
func (b *PostgresBackend) Scope(name string) Scoped {
	return &postgresScope{pool: b.pool, scope: name}
}

// Close closes the database connection pool
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

type postgresScope struct {
	pool  *pgxpool.Pool
	scope string
}

func (s *postgresScope) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	query := `SELECT key, value FROM kv_store WHERE scope = $1 AND key = ANY($2)`

	rows, err := s.pool.Query(ctx, query, s.scope, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to get values: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan value: %w", err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read values: %w", err)
	}

	return out, nil
}

func (s *postgresScope) Set(ctx context.Context, values map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	query := `
		INSERT INTO kv_store (scope, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (scope, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for k, v := range values {
			if k == "" {
				return fmt.Errorf("storage key cannot be empty")
			}
			if _, err := tx.Exec(ctx, query, s.scope, k, v); err != nil {
				return fmt.Errorf("failed to set %q: %w", k, err)
			}
		}
		return nil
	})
}

func (s *postgresScope) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	query := `DELETE FROM kv_store WHERE scope = $1 AND key = ANY($2)`
	if _, err := s.pool.Exec(ctx, query, s.scope, keys); err != nil {
		return fmt.Errorf("failed to remove values: %w", err)
	}
	return nil
}

func (s *postgresScope) Keys(ctx context.Context) ([]string, error) {
	query := `SELECT key FROM kv_store WHERE scope = $1 ORDER BY key`

	rows, err := s.pool.Query(ctx, query, s.scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
