package postgres

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
	"github.com/akshatrathore1/Panacea-sub000/internal/storage"
)

//go:embed migrations/001_init.sql
var migration001 string

//go:embed migrations/002_transfer_state.sql
var migration002 string

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns >= 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &Store{pool: pool, now: time.Now}
	if err := store.applyMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) applyMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migration001); err != nil {
		return fmt.Errorf("apply migration 001: %w", err)
	}
	if _, err := s.pool.Exec(ctx, migration002); err != nil {
		return fmt.Errorf("apply migration 002: %w", err)
	}
	return nil
}

// Pool exposes the connection pool to the lease and attempt stores that
// share this database.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) CreateBatch(ctx context.Context, m protocol.BatchMetadata) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode batch document: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO batches (batch_id, current_owner, status, document, created_at, updated_at)
VALUES ($1, $2, $3, $4::jsonb, NOW(), NOW())
`, m.BatchID, strings.ToLower(m.CurrentOwner), m.Status, raw)
	if isUniqueViolationFor(err, "batch_id") || isUniqueViolationFor(err, "batches_pkey") {
		return storage.ErrBatchExists
	}
	return err
}

func (s *Store) GetBatch(ctx context.Context, batchID string) (protocol.BatchMetadata, bool, error) {
	var raw []byte
	var out protocol.BatchMetadata
	err := s.pool.QueryRow(ctx, `SELECT document FROM batches WHERE batch_id = $1`, batchID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	if err := decodeStrict(raw, &out); err != nil {
		return out, false, fmt.Errorf("decode batch %s: %w", batchID, err)
	}
	return out, true, nil
}

// PutBatch overwrites the stored document, last write wins.
func (s *Store) PutBatch(ctx context.Context, m protocol.BatchMetadata) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode batch document: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO batches (batch_id, current_owner, status, document, created_at, updated_at)
VALUES ($1, $2, $3, $4::jsonb, NOW(), NOW())
ON CONFLICT (batch_id) DO UPDATE SET
  current_owner = EXCLUDED.current_owner,
  status = EXCLUDED.status,
  document = EXCLUDED.document,
  updated_at = NOW()
`, m.BatchID, strings.ToLower(m.CurrentOwner), m.Status, raw)
	return err
}

// update locks the batch row for the duration of fn.
func (s *Store) update(ctx context.Context, batchID string, fn func(*protocol.BatchMetadata) bool) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT document FROM batches WHERE batch_id = $1 FOR UPDATE`, batchID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, storage.ErrBatchNotFound
	}
	if err != nil {
		return false, err
	}
	var m protocol.BatchMetadata
	if err := decodeStrict(raw, &m); err != nil {
		return false, fmt.Errorf("decode batch %s: %w", batchID, err)
	}
	if !fn(&m) {
		return false, tx.Commit(ctx)
	}
	updated, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("encode batch document: %w", err)
	}
	_, err = tx.Exec(ctx, `
UPDATE batches
SET document = $2::jsonb,
    current_owner = $3,
    status = $4,
    updated_at = NOW()
WHERE batch_id = $1
`, batchID, updated, strings.ToLower(m.CurrentOwner), m.Status)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) SetOnChainID(ctx context.Context, batchID, onChainID string) error {
	_, err := s.update(ctx, batchID, func(m *protocol.BatchMetadata) bool {
		m.OnChainID = &onChainID
		m.UpdatedAt = protocol.NormalizeTime(s.now())
		return true
	})
	return err
}

func (s *Store) SetStatus(ctx context.Context, batchID, status string) error {
	_, err := s.update(ctx, batchID, func(m *protocol.BatchMetadata) bool {
		m.Status = status
		m.UpdatedAt = protocol.NormalizeTime(s.now())
		return true
	})
	return err
}

func (s *Store) ListByOwner(ctx context.Context, owner string, limit int) ([]protocol.BatchMetadata, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT document FROM batches
WHERE current_owner = $1
ORDER BY batch_id ASC
LIMIT $2
`, strings.ToLower(owner), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]protocol.BatchMetadata, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var m protocol.BatchMetadata
		if err := decodeStrict(raw, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) AppendOwnershipEvent(ctx context.Context, batchID string, ev protocol.OwnershipEvent) (bool, error) {
	return s.update(ctx, batchID, func(m *protocol.BatchMetadata) bool {
		return storage.ApplyOwnershipEvent(m, ev, s.now())
	})
}

func (s *Store) RewriteOwnershipHistory(ctx context.Context, batchID string, rewrite storage.HistoryRewrite) (bool, error) {
	return s.update(ctx, batchID, func(m *protocol.BatchMetadata) bool {
		return storage.ApplyHistoryRewrite(m, rewrite, s.now())
	})
}

func (s *Store) ListOwnershipEvents(ctx context.Context, batchID string) ([]protocol.OwnershipEvent, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
SELECT COALESCE(document->'ownershipHistory', '[]'::jsonb) FROM batches WHERE batch_id = $1
`, batchID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	var events []protocol.OwnershipEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("decode ownership history: %w", err)
	}
	return events, nil
}

func (s *Store) CurrentOwner(ctx context.Context, batchID string) (string, bool, error) {
	var owner string
	err := s.pool.QueryRow(ctx, `SELECT document->>'currentOwner' FROM batches WHERE batch_id = $1`, batchID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}

func decodeStrict(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("json payload must contain a single object")
	}
	return nil
}

func isUniqueViolationFor(err error, field string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" {
		return false
	}
	if strings.Contains(pgErr.ConstraintName, field) {
		return true
	}
	detail := strings.ToLower(pgErr.Detail)
	if detail == "" {
		return false
	}
	return strings.Contains(detail, "("+strings.ToLower(field)+")")
}
