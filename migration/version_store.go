package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LogEntry is one applied up or down step in the migration history.
type LogEntry struct {
	Version     string
	Direction   Direction
	Description string
	Checksum    string
	AppliedAt   time.Time
}

// VersionStore persists the current schema version marker and a history of
// applied steps. Set runs inside the migration's own transaction so the marker
// never disagrees with the schema.
type VersionStore interface {
	Current(ctx context.Context) (string, error)
	Set(ctx context.Context, tx *sql.Tx, version string, entry LogEntry) error
	History(ctx context.Context) ([]LogEntry, error)
}

// SQLVersionStore keeps the marker in a one-row schema_version table.
type SQLVersionStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLVersionStore creates the marker and log tables when missing.
func NewSQLVersionStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLVersionStore, error) {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect == Postgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			id      INTEGER PRIMARY KEY,
			version TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schema_migrations_log (
			seq         ` + serial + `,
			version     TEXT NOT NULL,
			direction   TEXT NOT NULL,
			description TEXT NOT NULL,
			checksum    TEXT NOT NULL,
			applied_at  TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create version tables: %w", err)
		}
	}
	return &SQLVersionStore{db: db, dialect: dialect}, nil
}

// Current returns the marker, or BaseVersion on a fresh database.
func (s *SQLVersionStore) Current(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version WHERE id = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return BaseVersion, nil
	}
	if err != nil {
		return "", fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Set moves the marker and appends a history row within tx.
func (s *SQLVersionStore) Set(ctx context.Context, tx *sql.Tx, version string, entry LogEntry) error {
	res, err := tx.ExecContext(ctx, s.dialect.Rebind(`UPDATE schema_version SET version = ? WHERE id = 1`), version)
	if err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO schema_version (id, version) VALUES (1, ?)`), version); err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}
	}
	if entry.AppliedAt.IsZero() {
		entry.AppliedAt = time.Now()
	}
	_, err = tx.ExecContext(ctx,
		s.dialect.Rebind(`INSERT INTO schema_migrations_log (version, direction, description, checksum, applied_at) VALUES (?, ?, ?, ?, ?)`),
		entry.Version, string(entry.Direction), entry.Description, entry.Checksum, entry.AppliedAt.UTC().Truncate(time.Second))
	if err != nil {
		return fmt.Errorf("insert migration log: %w", err)
	}
	return nil
}

// History returns applied steps oldest first.
func (s *SQLVersionStore) History(ctx context.Context) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version, direction, description, checksum, applied_at FROM schema_migrations_log ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query migration log: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var dir string
		if err := rows.Scan(&e.Version, &dir, &e.Description, &e.Checksum, &e.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan migration log: %w", err)
		}
		e.Direction = Direction(dir)
		out = append(out, e)
	}
	return out, rows.Err()
}
