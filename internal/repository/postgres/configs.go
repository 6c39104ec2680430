package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/usda-monitor/internal/domain"
)

// GetReportConfig loads the stored config document of one report.
func (s *Store) GetReportConfig(ctx context.Context, reportID string) (map[string]any, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT config FROM reports WHERE id = $1
	`, reportID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report config: %w", err)
	}
	var config map[string]any
	if err := unmarshalJSON(data, &config); err != nil {
		return nil, err
	}
	return config, nil
}

// ListReportConfigs loads every stored config document keyed by report id.
func (s *Store) ListReportConfigs(ctx context.Context) (map[string]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, config FROM reports`)
	if err != nil {
		return nil, fmt.Errorf("list report configs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]any)
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan report config: %w", err)
		}
		var config map[string]any
		if err := unmarshalJSON(data, &config); err != nil {
			return nil, err
		}
		out[id] = config
	}
	return out, rows.Err()
}

// UpsertReportConfig writes a config document, inserting on first boot
// and replacing on operator edits and default upgrades.
func (s *Store) UpsertReportConfig(ctx context.Context, reportID, name string, config map[string]any) error {
	data, err := marshalJSON(config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (id, name, config)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, config = EXCLUDED.config
	`, reportID, name, data)
	if err != nil {
		return fmt.Errorf("upsert report config: %w", err)
	}
	return nil
}
