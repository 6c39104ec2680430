// Package postgres is the PostgreSQL persistence layer: report configs,
// runs, versions, alert state, recipients and the advisory run locks.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Store bundles all repository operations over one connection pool.
type Store struct{ db *sql.DB }

// New creates a Postgres-backed store.
func New(db *sql.DB) *Store { return &Store{db: db} }

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS reports (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		config     JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS report_runs (
		id              TEXT PRIMARY KEY,
		report_id       TEXT NOT NULL REFERENCES reports(id),
		report_date     DATE,
		state           TEXT NOT NULL,
		attempt         INTEGER NOT NULL DEFAULT 1,
		run_started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		run_finished_at TIMESTAMPTZ,
		error_type      TEXT,
		error_message   TEXT,
		payload_hash    TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS report_run_events (
		id            TEXT PRIMARY KEY,
		report_run_id TEXT NOT NULL REFERENCES report_runs(id),
		event_type    TEXT NOT NULL,
		message       TEXT,
		data          JSONB,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS report_versions (
		id            TEXT PRIMARY KEY,
		report_id     TEXT NOT NULL REFERENCES reports(id),
		report_date   DATE NOT NULL,
		payload_hash  TEXT NOT NULL,
		parsed_fields JSONB NOT NULL,
		raw_payload   JSONB NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT uq_report_version_hash UNIQUE (report_id, report_date, payload_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS alert_state (
		report_id            TEXT PRIMARY KEY,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_failure_at      TIMESTAMPTZ,
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS recipients (
		id         TEXT PRIMARY KEY,
		email      TEXT NOT NULL UNIQUE,
		name       TEXT,
		is_active  BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS recipient_reports (
		id           TEXT PRIMARY KEY,
		recipient_id TEXT NOT NULL REFERENCES recipients(id) ON DELETE CASCADE,
		report_id    TEXT NOT NULL REFERENCES reports(id),
		CONSTRAINT uq_recipient_report UNIQUE (recipient_id, report_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_report_runs_report_started
		ON report_runs (report_id, run_started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS ix_report_versions_report_date
		ON report_versions (report_id, report_date DESC)`,
}

// EnsureSchema creates the tables on an empty database. Statements are
// idempotent so startup can always run it.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is the Postgres unique_violation
// error class.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb: %w", err)
	}
	return data, nil
}

func unmarshalJSON(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal jsonb: %w", err)
	}
	return nil
}
