package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/usda-monitor/internal/domain"
)

// CreateRun opens a run in waiting_for_publication.
func (s *Store) CreateRun(ctx context.Context, reportID string) (*domain.ReportRun, error) {
	run := &domain.ReportRun{
		ID:           uuid.NewString(),
		ReportID:     reportID,
		State:        domain.RunWaitingForPublication,
		Attempt:      1,
		RunStartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO report_runs (id, report_id, state, attempt, run_started_at)
		VALUES ($1, $2, $3, $4, $5)
	`, run.ID, run.ReportID, run.State, run.Attempt, run.RunStartedAt)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// FinalizeRun sets the terminal state, stamps run_finished_at and appends
// the matching run event in one transaction.
func (s *Store) FinalizeRun(ctx context.Context, runID string, reportDate *time.Time, state domain.RunState, payloadHash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE report_runs
		SET state = $2, report_date = $3, run_finished_at = $4, payload_hash = NULLIF($5, '')
		WHERE id = $1
	`, runID, state, reportDate, now, payloadHash); err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	if err := appendEventTx(ctx, tx, runID, string(state), string(state), nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	return nil
}

// FailRun records an error outcome: state, error taxonomy and message,
// plus an error event, in one transaction.
func (s *Store) FailRun(ctx context.Context, runID string, reportDate *time.Time, kind domain.ErrorKind, message string) error {
	state := domain.RunErrorFetch
	if kind == domain.ErrorKindParse {
		state = domain.RunErrorParse
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE report_runs
		SET state = $2, report_date = $3, run_finished_at = $4, error_type = $5, error_message = $6
		WHERE id = $1
	`, runID, state, reportDate, now, string(kind), message); err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	if err := appendEventTx(ctx, tx, runID, "error", message, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	return nil
}

// AppendRunEvent attaches a log entry to a run.
func (s *Store) AppendRunEvent(ctx context.Context, runID, eventType, message string, data map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append run event: %w", err)
	}
	defer tx.Rollback()
	if err := appendEventTx(ctx, tx, runID, eventType, message, data); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append run event: %w", err)
	}
	return nil
}

func appendEventTx(ctx context.Context, tx *sql.Tx, runID, eventType, message string, data map[string]any) error {
	var payload []byte
	if data != nil {
		var err error
		if payload, err = marshalJSON(data); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO report_run_events (id, report_run_id, event_type, message, data)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), runID, eventType, message, payload)
	if err != nil {
		return fmt.Errorf("append run event: %w", err)
	}
	return nil
}

// LatestRun returns the most recently started run of a report, or nil
// when the report has never run.
func (s *Store) LatestRun(ctx context.Context, reportID string) (*domain.ReportRun, error) {
	runs, err := s.ListRuns(ctx, reportID, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// ListRuns returns the recent runs of a report, newest first.
func (s *Store) ListRuns(ctx context.Context, reportID string, limit int) ([]domain.ReportRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, report_id, report_date, state, attempt, run_started_at, run_finished_at,
		       COALESCE(error_type, ''), COALESCE(error_message, ''), COALESCE(payload_hash, '')
		FROM report_runs
		WHERE report_id = $1
		ORDER BY run_started_at DESC
		LIMIT $2
	`, reportID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListRecentRuns returns the latest runs across all reports.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]domain.ReportRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, report_id, report_date, state, attempt, run_started_at, run_finished_at,
		       COALESCE(error_type, ''), COALESCE(error_message, ''), COALESCE(payload_hash, '')
		FROM report_runs
		ORDER BY run_started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]domain.ReportRun, error) {
	var out []domain.ReportRun
	for rows.Next() {
		var r domain.ReportRun
		if err := rows.Scan(
			&r.ID, &r.ReportID, &r.ReportDate, &r.State, &r.Attempt,
			&r.RunStartedAt, &r.RunFinishedAt, &r.ErrorType, &r.ErrorMessage, &r.PayloadHash,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRunEvents returns a run's event log, oldest first.
func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]domain.RunEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, report_run_id, event_type, COALESCE(message, ''), data, created_at
		FROM report_run_events
		WHERE report_run_id = $1
		ORDER BY created_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var out []domain.RunEvent
	for rows.Next() {
		var e domain.RunEvent
		var data []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.EventType, &e.Message, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		if err := unmarshalJSON(data, &e.Data); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LogEntry is one run event joined to its run, for the operator log view.
type LogEntry struct {
	RunID     string         `json:"run_id"`
	ReportID  string         `json:"report_id"`
	EventType string         `json:"event_type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListRecentEvents returns the latest run events across all reports,
// newest first, each joined to its run's report id.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.report_run_id, r.report_id, e.event_type, COALESCE(e.message, ''), e.data, e.created_at
		FROM report_run_events e
		JOIN report_runs r ON r.id = e.report_run_id
		ORDER BY e.created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var data []byte
		if err := rows.Scan(&e.RunID, &e.ReportID, &e.EventType, &e.Message, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		if err := unmarshalJSON(data, &e.Data); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClearStats counts what a history wipe removed.
type ClearStats struct {
	DeletedEvents   int64 `json:"deleted_events"`
	DeletedRuns     int64 `json:"deleted_runs"`
	DeletedVersions int64 `json:"deleted_versions"`
}

// ClearHistory deletes all run events, runs and report versions.
// Operator tooling.
func (s *Store) ClearHistory(ctx context.Context) (ClearStats, error) {
	var stats ClearStats
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("clear history: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM report_run_events`)
	if err != nil {
		return stats, fmt.Errorf("clear history: %w", err)
	}
	stats.DeletedEvents, _ = res.RowsAffected()

	if res, err = tx.ExecContext(ctx, `DELETE FROM report_runs`); err != nil {
		return stats, fmt.Errorf("clear history: %w", err)
	}
	stats.DeletedRuns, _ = res.RowsAffected()

	if res, err = tx.ExecContext(ctx, `DELETE FROM report_versions`); err != nil {
		return stats, fmt.Errorf("clear history: %w", err)
	}
	stats.DeletedVersions, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("clear history: %w", err)
	}
	return stats, nil
}
