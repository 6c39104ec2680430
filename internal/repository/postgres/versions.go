package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/usda-monitor/internal/domain"
)

// ListVersions returns every stored edition of a report for one date.
func (s *Store) ListVersions(ctx context.Context, reportID string, reportDate time.Time) ([]domain.ReportVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, report_id, report_date, payload_hash, parsed_fields, raw_payload, created_at
		FROM report_versions
		WHERE report_id = $1 AND report_date = $2
		ORDER BY created_at
	`, reportID, reportDate)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

// PublishVersion inserts a new edition and finalizes its run as
// published_new in one transaction, so a version row can never exist
// without its terminal run state. A concurrent insert of the same
// (report_id, report_date, payload_hash) triple surfaces as the unique
// constraint; the run is then finalized published_no_change instead and
// no new row is written. The returned state tells the caller whether to
// notify.
func (s *Store) PublishVersion(ctx context.Context, v *domain.ReportVersion, runID string) (domain.RunState, error) {
	parsed, err := marshalJSON(map[string]any(v.ParsedFields))
	if err != nil {
		return "", err
	}
	raw, err := marshalJSON(v.RawPayload)
	if err != nil {
		return "", err
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("publish version: %w", err)
	}
	defer tx.Rollback()

	state := domain.RunPublishedNew
	_, err = tx.ExecContext(ctx, `
		INSERT INTO report_versions (id, report_id, report_date, payload_hash, parsed_fields, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.ID, v.ReportID, v.ReportDate, v.PayloadHash, parsed, raw)
	if isUniqueViolation(err) {
		// Another process published this edition between our dedupe
		// check and the insert. Restart the transaction; the aborted
		// one cannot carry the run update.
		tx.Rollback()
		state = domain.RunPublishedNoChange
		if tx, err = s.db.BeginTx(ctx, nil); err != nil {
			return "", fmt.Errorf("publish version: %w", err)
		}
		defer tx.Rollback()
	} else if err != nil {
		return "", fmt.Errorf("publish version: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE report_runs
		SET state = $2, report_date = $3, run_finished_at = $4, payload_hash = $5
		WHERE id = $1
	`, runID, state, v.ReportDate, now, v.PayloadHash); err != nil {
		return "", fmt.Errorf("publish version: %w", err)
	}
	if err := appendEventTx(ctx, tx, runID, string(state), string(state), nil); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("publish version: %w", err)
	}
	return state, nil
}

// InsertVersion writes an edition outside the run lifecycle (backfill).
// Returns domain.ErrDuplicateVersion when the triple already exists.
func (s *Store) InsertVersion(ctx context.Context, v *domain.ReportVersion) error {
	parsed, err := marshalJSON(map[string]any(v.ParsedFields))
	if err != nil {
		return err
	}
	raw, err := marshalJSON(v.RawPayload)
	if err != nil {
		return err
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO report_versions (id, report_id, report_date, payload_hash, parsed_fields, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.ID, v.ReportID, v.ReportDate, v.PayloadHash, parsed, raw)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateVersion
	}
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

// GetVersionByHash looks up the edition with an exact
// (report_id, report_date, payload_hash) triple.
func (s *Store) GetVersionByHash(ctx context.Context, reportID string, reportDate time.Time, payloadHash string) (*domain.ReportVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, report_id, report_date, payload_hash, parsed_fields, raw_payload, created_at
		FROM report_versions
		WHERE report_id = $1 AND report_date = $2 AND payload_hash = $3
	`, reportID, reportDate, payloadHash)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get version by hash: %w", err)
	}
	return v, nil
}

// UpdateVersionFields replaces the parsed fields of an edition. Used by
// the backfill merge path.
func (s *Store) UpdateVersionFields(ctx context.Context, versionID string, fields domain.Fields) error {
	parsed, err := marshalJSON(map[string]any(fields))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE report_versions SET parsed_fields = $2 WHERE id = $1
	`, versionID, parsed)
	if err != nil {
		return fmt.Errorf("update version fields: %w", err)
	}
	return nil
}

// LatestVersion returns a report's newest edition by date then insertion
// order, or nil when none exists.
func (s *Store) LatestVersion(ctx context.Context, reportID string) (*domain.ReportVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, report_id, report_date, payload_hash, parsed_fields, raw_payload, created_at
		FROM report_versions
		WHERE report_id = $1
		ORDER BY report_date DESC, created_at DESC
		LIMIT 1
	`, reportID)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest version: %w", err)
	}
	return v, nil
}

// ListHistoricalVersions returns recent editions of a report, newest
// first, optionally bounded to a date range.
func (s *Store) ListHistoricalVersions(ctx context.Context, reportID string, start, end *time.Time, limit int) ([]domain.ReportVersion, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT id, report_id, report_date, payload_hash, parsed_fields, raw_payload, created_at
		FROM report_versions
		WHERE report_id = $1`
	args := []any{reportID}
	if start != nil {
		args = append(args, *start)
		query += fmt.Sprintf(" AND report_date >= $%d", len(args))
	}
	if end != nil {
		args = append(args, *end)
		query += fmt.Sprintf(" AND report_date <= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY report_date DESC, created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list historical versions: %w", err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*domain.ReportVersion, error) {
	v := &domain.ReportVersion{}
	var parsed, raw []byte
	if err := row.Scan(&v.ID, &v.ReportID, &v.ReportDate, &v.PayloadHash, &parsed, &raw, &v.CreatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(parsed, &v.ParsedFields); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(raw, &v.RawPayload); err != nil {
		return nil, err
	}
	return v, nil
}

func scanVersions(rows *sql.Rows) ([]domain.ReportVersion, error) {
	var out []domain.ReportVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}
