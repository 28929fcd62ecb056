package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// schemaSteps holds the DDL of every schema version, oldest first. Step i
// brings the database to version i+1. Steps are append-only.
var schemaSteps = [][]string{
	{
		`CREATE TABLE requests (
			id            TEXT PRIMARY KEY,
			request_id    TEXT NOT NULL,
			timestamp     TEXT NOT NULL,
			method        TEXT NOT NULL,
			host          TEXT NOT NULL DEFAULT '',
			path          TEXT NOT NULL DEFAULT '',
			remote_addr   TEXT NOT NULL DEFAULT '',
			status_code   INTEGER NOT NULL DEFAULT 0,
			outcome       TEXT NOT NULL DEFAULT '',
			latency_ms    INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX idx_requests_timestamp ON requests(timestamp)`,
	},
	{
		`ALTER TABLE requests ADD COLUMN cache_status TEXT NOT NULL DEFAULT ''`,
		`CREATE INDEX idx_requests_outcome ON requests(outcome)`,
	},
}

const createVersionTable = `CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`

// migrate applies the schema steps the database has not seen yet, each in
// its own transaction on the writer connection.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.writer.ExecContext(ctx, createVersionTable); err != nil {
		return fmt.Errorf("create version table: %w", err)
	}

	var current int
	err := s.writer.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > len(schemaSteps) {
		return fmt.Errorf("database schema v%d is newer than this build (v%d)", current, len(schemaSteps))
	}

	for v := current + 1; v <= len(schemaSteps); v++ {
		if err := s.applyStep(ctx, v, schemaSteps[v-1]); err != nil {
			return fmt.Errorf("schema v%d: %w", v, err)
		}
	}
	return nil
}

func (s *Store) applyStep(ctx context.Context, version int, stmts []string) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := recordVersion(ctx, tx, version); err != nil {
		return err
	}
	return tx.Commit()
}

func recordVersion(ctx context.Context, tx *sql.Tx, version int) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
		version, formatTime(time.Now()),
	)
	return err
}

// SchemaVersion returns the schema version of the open database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.reader.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v)
	return v, err
}
