package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/usda-monitor/internal/domain"
)

// ActiveEmailsForReport returns the addresses subscribed to a report.
func (s *Store) ActiveEmailsForReport(ctx context.Context, reportID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.email
		FROM recipients r
		JOIN recipient_reports rr ON rr.recipient_id = r.id
		WHERE rr.report_id = $1 AND r.is_active = true
		ORDER BY r.email
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("active emails for report: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan recipient email: %w", err)
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}

// ListRecipients returns all recipients with their report subscriptions.
func (s *Store) ListRecipients(ctx context.Context) ([]domain.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.email, COALESCE(r.name, ''), r.is_active, r.created_at,
		       COALESCE(array_agg(rr.report_id) FILTER (WHERE rr.report_id IS NOT NULL), '{}')
		FROM recipients r
		LEFT JOIN recipient_reports rr ON rr.recipient_id = r.id
		GROUP BY r.id
		ORDER BY r.created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var r domain.Recipient
		if err := rows.Scan(&r.ID, &r.Email, &r.Name, &r.IsActive, &r.CreatedAt, pq.Array(&r.ReportIDs)); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRecipient returns one recipient with its subscriptions.
func (s *Store) GetRecipient(ctx context.Context, id string) (*domain.Recipient, error) {
	r := &domain.Recipient{}
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.email, COALESCE(r.name, ''), r.is_active, r.created_at,
		       COALESCE(array_agg(rr.report_id) FILTER (WHERE rr.report_id IS NOT NULL), '{}')
		FROM recipients r
		LEFT JOIN recipient_reports rr ON rr.recipient_id = r.id
		WHERE r.id = $1
		GROUP BY r.id
	`, id).Scan(&r.ID, &r.Email, &r.Name, &r.IsActive, &r.CreatedAt, pq.Array(&r.ReportIDs))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	return r, nil
}

// CreateRecipient inserts a recipient and its subscriptions. Returns
// domain.ErrDuplicateEmail when the address already exists.
func (s *Store) CreateRecipient(ctx context.Context, email, name string, isActive bool, reportIDs []string) (*domain.Recipient, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create recipient: %w", err)
	}
	defer tx.Rollback()

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO recipients (id, email, name, is_active)
		VALUES ($1, $2, $3, $4)
	`, id, email, name, isActive)
	if isUniqueViolation(err) {
		return nil, domain.ErrDuplicateEmail
	}
	if err != nil {
		return nil, fmt.Errorf("create recipient: %w", err)
	}
	if err := replaceSubscriptionsTx(ctx, tx, id, reportIDs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("create recipient: %w", err)
	}
	return s.GetRecipient(ctx, id)
}

// UpdateRecipient rewrites a recipient and replaces its subscriptions.
func (s *Store) UpdateRecipient(ctx context.Context, id, email, name string, isActive bool, reportIDs []string) (*domain.Recipient, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update recipient: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE recipients SET email = $2, name = $3, is_active = $4 WHERE id = $1
	`, id, email, name, isActive)
	if isUniqueViolation(err) {
		return nil, domain.ErrDuplicateEmail
	}
	if err != nil {
		return nil, fmt.Errorf("update recipient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM recipient_reports WHERE recipient_id = $1`, id); err != nil {
		return nil, fmt.Errorf("update recipient: %w", err)
	}
	if err := replaceSubscriptionsTx(ctx, tx, id, reportIDs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update recipient: %w", err)
	}
	return s.GetRecipient(ctx, id)
}

// DeleteRecipient removes a recipient; subscriptions cascade.
func (s *Store) DeleteRecipient(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recipients WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete recipient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// EnsureRecipient seeds a recipient if the address is not present yet.
// Existing recipients are left untouched, including their subscriptions.
func (s *Store) EnsureRecipient(ctx context.Context, email, name string, reportIDs []string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM recipients WHERE email = $1)
	`, email).Scan(&exists)
	if err != nil {
		return fmt.Errorf("ensure recipient: %w", err)
	}
	if exists {
		return nil
	}
	_, err = s.CreateRecipient(ctx, email, name, true, reportIDs)
	if err != nil && err != domain.ErrDuplicateEmail {
		return err
	}
	return nil
}

func replaceSubscriptionsTx(ctx context.Context, tx *sql.Tx, recipientID string, reportIDs []string) error {
	for _, reportID := range reportIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO recipient_reports (id, recipient_id, report_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (recipient_id, report_id) DO NOTHING
		`, uuid.NewString(), recipientID, reportID)
		if err != nil {
			return fmt.Errorf("subscribe recipient: %w", err)
		}
	}
	return nil
}
