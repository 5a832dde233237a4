package db

import "embed"

// MigrationFS embeds the SQL migrations in internal/db/migrations, applied by cmd/migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
