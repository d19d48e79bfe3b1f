package ratelimit

import (
	"context"
	"database/sql"
	"time"

	"github.com/inkfold/docket/errors"
)

// SQLStore counts rate events in the rate_events table.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a durable counter store backed by the given database
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// CountSince returns events for (subject, action) at or after cutoff, plus
// the oldest such event's timestamp (zero when the window is empty).
func (s *SQLStore) CountSince(ctx context.Context, subject, action string, cutoff time.Time) (int, time.Time, error) {
	query := `
		SELECT COUNT(*), MIN(occurred_at)
		FROM rate_events
		WHERE subject = ?
		  AND action = ?
		  AND occurred_at >= ?
	`

	var count int
	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx, query, subject, action, cutoff).Scan(&count, &oldest)
	if err != nil {
		return 0, time.Time{}, errors.Wrap(err, "failed to count rate events")
	}

	if !oldest.Valid {
		return count, time.Time{}, nil
	}
	return count, oldest.Time, nil
}

// Record appends one event for (subject, action)
func (s *SQLStore) Record(ctx context.Context, subject, action string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_events (subject, action, occurred_at) VALUES (?, ?, ?)`,
		subject, action, at,
	)
	if err != nil {
		return errors.Wrap(err, "failed to record rate event")
	}
	return nil
}

// PruneBefore deletes events older than the cutoff. Run periodically; the
// window queries never read them, this only bounds table growth.
func (s *SQLStore) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_events WHERE occurred_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune rate events")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}
