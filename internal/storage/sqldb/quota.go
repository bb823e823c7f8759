package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tjfontaine/surveyor-gateway/internal/core/domain"
	"github.com/tjfontaine/surveyor-gateway/internal/core/ports"
)

// UpdateQuota reads the subject's counter, hands it to fn and writes back
// what fn returns, all inside one immediate transaction.
func (s *Store) UpdateQuota(ctx context.Context, subjectID string, fn ports.QuotaUpdateFunc) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current domain.QuotaCounter
	err = tx.GetContext(ctx, &current, `SELECT subject_id, request_count, window_start, last_request
	          FROM rate_limits WHERE subject_id = ?`, subjectID)

	var next *domain.QuotaCounter
	switch {
	case errors.Is(err, sql.ErrNoRows):
		next, err = fn(nil)
	case err != nil:
		return fmt.Errorf("failed to read quota: %w", err)
	default:
		next, err = fn(&current)
	}
	if err != nil {
		return err
	}

	if next != nil {
		_, err = tx.ExecContext(ctx, `INSERT INTO rate_limits (subject_id, request_count, window_start, last_request)
		          VALUES (?, ?, ?, ?)
		          ON CONFLICT(subject_id) DO UPDATE SET
		              request_count = excluded.request_count,
		              window_start = excluded.window_start,
		              last_request = excluded.last_request`,
			subjectID, next.RequestCount, next.WindowStart, next.LastRequest)
		if err != nil {
			return fmt.Errorf("failed to write quota: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit quota: %w", err)
	}
	return nil
}

func (s *Store) GetQuota(ctx context.Context, subjectID string) (*domain.QuotaCounter, error) {
	var counter domain.QuotaCounter
	err := s.db.GetContext(ctx, &counter, `SELECT subject_id, request_count, window_start, last_request
	          FROM rate_limits WHERE subject_id = ?`, subjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}
	return &counter, nil
}
