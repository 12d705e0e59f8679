// Package ledgermemory keeps a ledger node's chain in process for tests and
// single-node development.
package ledgermemory

import (
	"context"
	"sync"

	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
)

type Store struct {
	mu        sync.Mutex
	entries   []protocol.LedgerEntry
	byRequest map[string]int
	batches   map[string]protocol.LedgerBatchState
}

func New() *Store {
	return &Store{
		byRequest: map[string]int{},
		batches:   map[string]protocol.LedgerBatchState{},
	}
}

func (s *Store) Close() {}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Append(
	_ context.Context,
	draft protocol.LedgerEntry,
	apply func(current *protocol.LedgerBatchState) (protocol.LedgerBatchState, error),
) (protocol.LedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.byRequest[draft.RequestID]; ok {
		return s.entries[i], true, nil
	}
	var current *protocol.LedgerBatchState
	if state, ok := s.batches[draft.BatchID]; ok {
		current = &state
	}
	next, err := apply(current)
	if err != nil {
		return protocol.LedgerEntry{}, false, err
	}
	var previousHash string
	if n := len(s.entries); n > 0 {
		previousHash = s.entries[n-1].EntryHash
	}
	entry := draft
	entry.RecordedAt = protocol.NormalizeTime(draft.RecordedAt)
	entry.PreviousHash = previousHash
	entry.EntryIndex = int64(len(s.entries) + 1)
	if entry.EntryHash, err = protocol.LedgerEntryHash(entry, previousHash); err != nil {
		return protocol.LedgerEntry{}, false, err
	}
	s.byRequest[entry.RequestID] = len(s.entries)
	s.entries = append(s.entries, entry)
	s.batches[next.BatchID] = next
	return entry, false, nil
}

func (s *Store) GetBatch(_ context.Context, batchID string) (protocol.LedgerBatchState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.batches[batchID]
	return state, ok, nil
}

func (s *Store) ListBatchEntries(_ context.Context, batchID string) ([]protocol.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.LedgerEntry
	for _, e := range s.entries {
		if e.BatchID == batchID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) LatestEntry(context.Context) (protocol.LedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return protocol.LedgerEntry{}, false, nil
	}
	return s.entries[len(s.entries)-1], true, nil
}
