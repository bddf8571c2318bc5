// Package migrations embeds the PostgreSQL schema and applies it.
//
// Tracking uses the same schema_migrations table format as golang-migrate
// (bigint version + dirty flag) so the two tools are interchangeable.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// FS holds the NNN_name.up.sql files, applied in lexical order.
//
//go:embed *.up.sql
var FS embed.FS

// Result describes one migration file.
type Result struct {
	File    string
	Version int64
	Skipped bool // already applied
}

// Apply runs every migration in fsys that is not yet recorded as applied.
// Each file runs in its own transaction together with its tracking row.
func Apply(ctx context.Context, db *pgxpool.Pool, fsys fs.FS) ([]Result, error) {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := fs.Glob(fsys, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)

	var out []Result
	for _, f := range files {
		ver, err := VersionFromFile(f)
		if err != nil {
			return out, fmt.Errorf("parse version from %s: %w", f, err)
		}

		var exists bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1 AND dirty = false)`,
			ver,
		).Scan(&exists); err != nil {
			return out, fmt.Errorf("check %s: %w", f, err)
		}
		if exists {
			out = append(out, Result{File: f, Version: ver, Skipped: true})
			continue
		}

		sql, err := fs.ReadFile(fsys, f)
		if err != nil {
			return out, fmt.Errorf("read %s: %w", f, err)
		}
		if err := pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(sql)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, dirty) VALUES ($1, false)
				 ON CONFLICT (version) DO UPDATE SET dirty = false`, ver,
			)
			return err
		}); err != nil {
			return out, fmt.Errorf("apply %s: %w", f, err)
		}
		out = append(out, Result{File: f, Version: ver})
	}
	return out, nil
}

// VersionFromFile extracts the leading integer from a migration filename.
// "001_ledger.up.sql" → 1
func VersionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("unexpected filename format %q", filename)
	}
	return strconv.ParseInt(prefix, 10, 64)
}
