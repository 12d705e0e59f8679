package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps pending attempts in transfer_attempts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Put(ctx context.Context, a Attempt) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO transfer_attempts (batch_id, attempt_id, document, expires_at)
VALUES ($1, $2, $3::jsonb, $4)
ON CONFLICT (batch_id) DO UPDATE
  SET attempt_id = EXCLUDED.attempt_id, document = EXCLUDED.document, expires_at = EXCLUDED.expires_at
`, a.BatchID, a.AttemptID, raw, a.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres put attempt %s: %w", a.BatchID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, batchID string) (Attempt, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM transfer_attempts WHERE batch_id = $1`, batchID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return Attempt{}, false, nil
	}
	if err != nil {
		return Attempt{}, false, fmt.Errorf("postgres get attempt %s: %w", batchID, err)
	}
	var a Attempt
	if err := json.Unmarshal(raw, &a); err != nil {
		return Attempt{}, false, fmt.Errorf("decode attempt %s: %w", batchID, err)
	}
	return a, true, nil
}

func (s *PostgresStore) Delete(ctx context.Context, batchID, attemptID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM transfer_attempts WHERE batch_id = $1 AND attempt_id = $2`, batchID, attemptID)
	if err != nil {
		return false, fmt.Errorf("postgres delete attempt %s: %w", batchID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, batchID, attemptID string) (int, bool, error) {
	var failures int
	err := s.pool.QueryRow(ctx, `
UPDATE transfer_attempts
SET document = jsonb_set(document, '{failures}', to_jsonb(COALESCE((document->>'failures')::int, 0) + 1))
WHERE batch_id = $1 AND attempt_id = $2
RETURNING (document->>'failures')::int
`, batchID, attemptID).Scan(&failures)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("postgres record failure %s: %w", batchID, err)
	}
	return failures, true, nil
}
