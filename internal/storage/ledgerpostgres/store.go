// Package ledgerpostgres persists the reference ledger node's hash chain.
package ledgerpostgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
)

//go:embed migrations/001_init.sql
var migration001 string

// chainLockKey guards the chain tip. Every append takes it for the length of
// its transaction.
const chainLockKey int64 = 0x70726f76656e

type Store struct {
	pool *pgxpool.Pool
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
	if _, err := pool.Exec(ctx, migration001); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply migration 001: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Append writes draft at the chain tip. If an entry with draft.RequestID
// already exists it is returned with existing=true and apply is not called.
// Otherwise apply receives the batch state (nil when unregistered) and returns
// the state after the entry; an apply error aborts the append.
func (s *Store) Append(
	ctx context.Context,
	draft protocol.LedgerEntry,
	apply func(current *protocol.LedgerBatchState) (protocol.LedgerBatchState, error),
) (protocol.LedgerEntry, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return protocol.LedgerEntry{}, false, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return protocol.LedgerEntry{}, false, fmt.Errorf("lock ledger chain: %w", err)
	}

	existing, found, err := scanEntry(tx.QueryRow(ctx, selectEntry+` WHERE request_id = $1`, draft.RequestID))
	if err != nil {
		return protocol.LedgerEntry{}, false, err
	}
	if found {
		return existing, true, tx.Commit(ctx)
	}

	var current *protocol.LedgerBatchState
	state, found, err := scanBatch(tx.QueryRow(ctx, selectBatch+` WHERE batch_id = $1`, draft.BatchID))
	if err != nil {
		return protocol.LedgerEntry{}, false, err
	}
	if found {
		current = &state
	}
	next, err := apply(current)
	if err != nil {
		return protocol.LedgerEntry{}, false, err
	}

	var previousHash string
	err = tx.QueryRow(ctx, `SELECT entry_hash FROM ledger_entries ORDER BY entry_index DESC LIMIT 1`).Scan(&previousHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return protocol.LedgerEntry{}, false, err
	}

	entry := draft
	entry.RecordedAt = protocol.NormalizeTime(draft.RecordedAt)
	entry.PreviousHash = previousHash
	if entry.EntryHash, err = protocol.LedgerEntryHash(entry, previousHash); err != nil {
		return protocol.LedgerEntry{}, false, err
	}

	err = tx.QueryRow(ctx, `
INSERT INTO ledger_entries (entry_hash, previous_hash, request_id, batch_id, event_type, payload_json, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7)
RETURNING entry_index
`, entry.EntryHash, nullableString(previousHash), entry.RequestID, entry.BatchID, entry.EventType, []byte(entry.Payload), entry.RecordedAt).Scan(&entry.EntryIndex)
	if err != nil {
		return protocol.LedgerEntry{}, false, fmt.Errorf("insert ledger entry: %w", err)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO ledger_batches (batch_id, current_owner, origin, metadata_hash, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (batch_id) DO UPDATE SET current_owner = EXCLUDED.current_owner, updated_at = EXCLUDED.updated_at
`, next.BatchID, next.CurrentOwner, next.Origin, next.MetadataHash, next.CreatedAt.UTC(), entry.RecordedAt)
	if err != nil {
		return protocol.LedgerEntry{}, false, fmt.Errorf("upsert ledger batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return protocol.LedgerEntry{}, false, err
	}
	return entry, false, nil
}

func (s *Store) GetBatch(ctx context.Context, batchID string) (protocol.LedgerBatchState, bool, error) {
	return scanBatch(s.pool.QueryRow(ctx, selectBatch+` WHERE batch_id = $1`, batchID))
}

func (s *Store) ListBatchEntries(ctx context.Context, batchID string) ([]protocol.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, selectEntry+` WHERE batch_id = $1 ORDER BY entry_index ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []protocol.LedgerEntry
	for rows.Next() {
		entry, _, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) LatestEntry(ctx context.Context) (protocol.LedgerEntry, bool, error) {
	return scanEntry(s.pool.QueryRow(ctx, selectEntry+` ORDER BY entry_index DESC LIMIT 1`))
}

const selectEntry = `
SELECT entry_index, entry_hash, COALESCE(previous_hash,''), request_id, batch_id, event_type, payload_json, recorded_at
FROM ledger_entries`

const selectBatch = `
SELECT batch_id, current_owner, origin, metadata_hash, created_at
FROM ledger_batches`

func scanEntry(row pgx.Row) (protocol.LedgerEntry, bool, error) {
	var out protocol.LedgerEntry
	var payloadRaw []byte
	err := row.Scan(
		&out.EntryIndex,
		&out.EntryHash,
		&out.PreviousHash,
		&out.RequestID,
		&out.BatchID,
		&out.EventType,
		&payloadRaw,
		&out.RecordedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	out.Payload = json.RawMessage(payloadRaw)
	out.RecordedAt = out.RecordedAt.UTC()
	return out, true, nil
}

func scanBatch(row pgx.Row) (protocol.LedgerBatchState, bool, error) {
	var out protocol.LedgerBatchState
	var createdAt time.Time
	err := row.Scan(&out.BatchID, &out.CurrentOwner, &out.Origin, &out.MetadataHash, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	out.CreatedAt = createdAt.UTC()
	return out, true, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
