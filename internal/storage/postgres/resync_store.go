package postgres

import (
	"context"
	"time"

	"github.com/akshatrathore1/Panacea-sub000/internal/storage"
)

func (s *Store) EnqueueResync(ctx context.Context, batchID, reason string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO resync_queue (batch_id, reason, attempts, next_attempt_at, created_at, updated_at)
VALUES ($1, $2, 0, NOW(), NOW(), NOW())
ON CONFLICT (batch_id) DO UPDATE SET
  reason = EXCLUDED.reason,
  updated_at = NOW()
`, batchID, reason)
	return err
}

func (s *Store) FetchDueResync(ctx context.Context, limit int) ([]storage.ResyncItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT batch_id, reason, attempts, COALESCE(last_error,''), next_attempt_at, created_at
FROM resync_queue
WHERE next_attempt_at <= NOW()
ORDER BY created_at ASC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]storage.ResyncItem, 0)
	for rows.Next() {
		var item storage.ResyncItem
		if err := rows.Scan(&item.BatchID, &item.Reason, &item.Attempts, &item.LastError, &item.NextAttemptAt, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.NextAttemptAt = item.NextAttemptAt.UTC()
		item.CreatedAt = item.CreatedAt.UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) MarkResyncDone(ctx context.Context, batchID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM resync_queue WHERE batch_id = $1`, batchID)
	return err
}

func (s *Store) MarkResyncRetry(ctx context.Context, batchID string, attempts int, nextAttempt time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE resync_queue
SET attempts = $2,
    last_error = $3,
    next_attempt_at = $4,
    updated_at = NOW()
WHERE batch_id = $1
`, batchID, attempts, lastError, nextAttempt.UTC())
	return err
}
