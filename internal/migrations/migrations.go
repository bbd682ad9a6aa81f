// Package migrations applies the embedded schema for each supported driver.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

func (d Dialect) dir() (string, error) {
	switch d {
	case Postgres:
		return "postgres", nil
	case SQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", d)
	}
}

func (d Dialect) placeholder() string {
	if d == Postgres {
		return "$1"
	}
	return "?"
}

// Versions lists the embedded migration versions for d in apply order.
func Versions(d Dialect) ([]string, error) {
	dir, err := d.dir()
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			out = append(out, strings.TrimSuffix(e.Name(), ".sql"))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Apply runs every migration not yet recorded in schema_migrations and
// returns the versions it applied. Each migration runs in its own
// transaction.
func Apply(ctx context.Context, db *sql.DB, d Dialect) ([]string, error) {
	dir, err := d.dir()
	if err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	versions, err := Versions(d)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, version := range versions {
		var one int
		err := db.QueryRowContext(ctx, "SELECT 1 FROM schema_migrations WHERE version = "+d.placeholder(), version).Scan(&one)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return applied, fmt.Errorf("failed to check migration %s: %w", version, err)
		}

		content, err := fs.ReadFile(files, path.Join(dir, version+".sql"))
		if err != nil {
			return applied, fmt.Errorf("failed to read migration %s: %w", version, err)
		}

		if err := applyOne(ctx, db, d, version, string(content)); err != nil {
			return applied, err
		}
		applied = append(applied, version)
	}

	return applied, nil
}

func applyOne(ctx context.Context, db *sql.DB, d Dialect, version, content string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, content); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ("+d.placeholder()+")", version); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", version, err)
	}
	return nil
}
