// Command migrate applies the kv_store schema used by the postgres storage
// backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/better-wallet/walletbridge/internal/storage"
)

var migrations = storage.Migrations

func main() {
	// POSTGRES_DSN may come from the same .env the daemon reads
	_ = godotenv.Load()

	var (
		dsn       = flag.String("dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
		direction = flag.String("direction", "up", "Migration direction: up or down")
		steps     = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}
	if *direction != "up" && *direction != "down" {
		log.Fatalf("direction must be up or down, got %q", *direction)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	count, err := migrate(ctx, pool, *direction, *steps)
	if err != nil {
		log.Fatal(err)
	}
	if count == 0 {
		fmt.Println("No migrations to apply")
	} else {
		fmt.Printf("Applied %d migration(s)\n", count)
	}
}

func migrate(ctx context.Context, pool *pgxpool.Pool, direction string, steps int) (int, error) {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return 0, err
	}

	suffix := "." + direction + ".sql"
	files, err := fs.Glob(migrations, "migrations/*"+suffix)
	if err != nil {
		return 0, fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(files)
	if direction == "down" {
		sort.Sort(sort.Reverse(sort.StringSlice(files)))
	}

	count := 0
	for _, file := range files {
		version := strings.TrimSuffix(path.Base(file), suffix)
		if applied[version] == (direction == "up") {
			continue
		}
		if steps > 0 && count >= steps {
			break
		}

		content, err := migrations.ReadFile(file)
		if err != nil {
			return count, fmt.Errorf("failed to read migration %s: %w", file, err)
		}

		fmt.Printf("Running migration: %s\n", path.Base(file))
		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(content)); err != nil {
				return fmt.Errorf("failed to execute migration %s: %w", file, err)
			}
			if direction == "up" {
				_, err = tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version)
			} else {
				_, err = tx.Exec(ctx, "DELETE FROM schema_migrations WHERE version = $1", version)
			}
			if err != nil {
				return fmt.Errorf("failed to update migrations table: %w", err)
			}
			return nil
		})
		if err != nil {
			return count, err
		}

		fmt.Printf("Applied migration: %s\n", version)
		count++
	}
	return count, nil
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan migration versions: %w", err)
	}

	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}
