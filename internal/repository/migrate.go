package repository

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies embedded SQL migrations in file-name order, skipping versions already recorded.
func Migrate(ctx context.Context, db DBTX) ([]string, error) {
	const createTable = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := db.Exec(ctx, createTable); err != nil {
		return nil, fmt.Errorf("repository: create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("repository: read migrations: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var applied []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(e.Name(), ".sql")

		var exists bool
		if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, version).
			Scan(&exists); err != nil {
			return applied, fmt.Errorf("repository: check migration %s: %w", version, err)
		}
		if exists {
			continue
		}

		data, err := fs.ReadFile(migrationFiles, "migrations/"+e.Name())
		if err != nil {
			return applied, fmt.Errorf("repository: read %s: %w", e.Name(), err)
		}

		if _, err := db.Exec(ctx, string(data)); err != nil {
			return applied, fmt.Errorf("repository: apply %s: %w", e.Name(), err)
		}

		if _, err := db.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			return applied, fmt.Errorf("repository: record %s: %w", e.Name(), err)
		}

		applied = append(applied, version)
	}

	return applied, nil
}
