package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed migrations/001_initial_schema.sql
var initialSchema string

// revisions lists every schema revision in order. Append-only: a released
// revision is never edited, a schema change is a new entry.
var revisions = []struct {
	version int
	name    string
	script  string
}{
	{1, "initial_schema", initialSchema},
}

// runMigrations brings the database up to the latest revision. Each pending
// revision runs in its own transaction and is recorded in schema_version, so
// a failed upgrade leaves the database at the last good revision.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, rev := range revisions {
		if rev.version <= current {
			continue
		}
		if err := applyRevision(ctx, db, rev.version, rev.name, rev.script); err != nil {
			return fmt.Errorf("apply schema revision %d (%s): %w", rev.version, rev.name, err)
		}
	}
	return nil
}

func applyRevision(ctx context.Context, db *sql.DB, version int, name, script string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range sqlStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name) VALUES (?, ?)`, version, name); err != nil {
		return err
	}
	return tx.Commit()
}

// sqlStatements splits a script on semicolons, dropping comment-only chunks.
func sqlStatements(script string) []string {
	var stmts []string
	for _, chunk := range strings.Split(script, ";") {
		chunk = strings.TrimSpace(chunk)
		if containsSQL(chunk) {
			stmts = append(stmts, chunk)
		}
	}
	return stmts
}

func containsSQL(chunk string) bool {
	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return true
		}
	}
	return false
}
