package storage

import "embed"

// Migrations holds the PostgreSQL schema applied by cmd/migrate
//
//go:embed migrations/*.sql
var Migrations embed.FS
