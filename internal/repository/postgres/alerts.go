package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/usda-monitor/internal/domain"
)

// IncrementFailure bumps the consecutive-failure counter for a report,
// creating the row on first failure, and returns the updated state.
func (s *Store) IncrementFailure(ctx context.Context, reportID string) (*domain.AlertState, error) {
	now := time.Now().UTC()
	state := &domain.AlertState{ReportID: reportID}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO alert_state (report_id, consecutive_failures, last_failure_at, updated_at)
		VALUES ($1, 1, $2, $2)
		ON CONFLICT (report_id) DO UPDATE SET
			consecutive_failures = alert_state.consecutive_failures + 1,
			last_failure_at = EXCLUDED.last_failure_at,
			updated_at = EXCLUDED.updated_at
		RETURNING consecutive_failures, last_failure_at, updated_at
	`, reportID, now).Scan(&state.ConsecutiveFailures, &state.LastFailureAt, &state.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("increment failure: %w", err)
	}
	return state, nil
}

// ResetFailures zeroes the counter. No-op when the report has no state
// row yet.
func (s *Store) ResetFailures(ctx context.Context, reportID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE alert_state
		SET consecutive_failures = 0, updated_at = $2
		WHERE report_id = $1
	`, reportID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reset failures: %w", err)
	}
	return nil
}

// GetAlertState returns the failure state of one report.
func (s *Store) GetAlertState(ctx context.Context, reportID string) (*domain.AlertState, error) {
	state := &domain.AlertState{}
	err := s.db.QueryRowContext(ctx, `
		SELECT report_id, consecutive_failures, last_failure_at, updated_at
		FROM alert_state
		WHERE report_id = $1
	`, reportID).Scan(&state.ReportID, &state.ConsecutiveFailures, &state.LastFailureAt, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert state: %w", err)
	}
	return state, nil
}

// ListAlertStates returns the failure state of every report that has one.
func (s *Store) ListAlertStates(ctx context.Context) ([]domain.AlertState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_id, consecutive_failures, last_failure_at, updated_at
		FROM alert_state
		ORDER BY report_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list alert states: %w", err)
	}
	defer rows.Close()

	var out []domain.AlertState
	for rows.Next() {
		var state domain.AlertState
		if err := rows.Scan(&state.ReportID, &state.ConsecutiveFailures, &state.LastFailureAt, &state.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan alert state: %w", err)
		}
		out = append(out, state)
	}
	return out, rows.Err()
}
