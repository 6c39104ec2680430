package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// AdvisoryLock is a held run lock. Advisory locks are session-scoped, so
// the lock pins one pooled connection until released.
type AdvisoryLock struct {
	conn     *sql.Conn
	reportID string
}

// TryAcquireLock takes the advisory run lock for a report without
// blocking. Returns a held lock and true iff this process now holds it.
// The key is hashtext(report_id), so any process sharing the database
// contends on the same lock.
func (s *Store) TryAcquireLock(ctx context.Context, reportID string) (*AdvisoryLock, bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock: %w", err)
	}

	var locked bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, reportID).Scan(&locked); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		conn.Close()
		return nil, false, nil
	}
	return &AdvisoryLock{conn: conn, reportID: reportID}, true, nil
}

// Release drops the lock and returns the pinned connection to the pool.
// Safe to call on every exit path, including after a previous Release.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	if l == nil || l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil
	defer conn.Close()

	var released bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.reportID).Scan(&released); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
