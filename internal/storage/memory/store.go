// Package memory is an in-process Store used by tests and single-node
// development setups.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
	"github.com/akshatrathore1/Panacea-sub000/internal/storage"
)

type Store struct {
	mu      sync.Mutex
	batches map[string][]byte
	resync  map[string]storage.ResyncItem
	now     func() time.Time

	beforeAppend func(batchID string)
	failAppends  int

	// FailAppend, when set, is returned by every history write.
	FailAppend error
	// FailReads, when set, is returned by every read.
	FailReads error
}

func New() *Store {
	return &Store{
		batches: map[string][]byte{},
		resync:  map[string]storage.ResyncItem{},
		now:     time.Now,
	}
}

func (s *Store) Close() {}

func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FailReads
}

// Documents are kept encoded so callers never share slices with the store.
func (s *Store) load(batchID string) (protocol.BatchMetadata, bool, error) {
	raw, ok := s.batches[batchID]
	if !ok {
		return protocol.BatchMetadata{}, false, nil
	}
	var m protocol.BatchMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return protocol.BatchMetadata{}, false, fmt.Errorf("decode batch %s: %w", batchID, err)
	}
	return m, true, nil
}

func (s *Store) save(m protocol.BatchMetadata) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", m.BatchID, err)
	}
	s.batches[m.BatchID] = raw
	return nil
}

func (s *Store) CreateBatch(_ context.Context, m protocol.BatchMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[m.BatchID]; ok {
		return storage.ErrBatchExists
	}
	return s.save(m)
}

func (s *Store) GetBatch(_ context.Context, batchID string) (protocol.BatchMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads != nil {
		return protocol.BatchMetadata{}, false, s.FailReads
	}
	return s.load(batchID)
}

func (s *Store) PutBatch(_ context.Context, m protocol.BatchMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(m)
}

func (s *Store) update(batchID string, fn func(*protocol.BatchMetadata) bool) (bool, error) {
	m, ok, err := s.load(batchID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, storage.ErrBatchNotFound
	}
	if !fn(&m) {
		return false, nil
	}
	return true, s.save(m)
}

func (s *Store) SetOnChainID(_ context.Context, batchID, onChainID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.update(batchID, func(m *protocol.BatchMetadata) bool {
		m.OnChainID = &onChainID
		m.UpdatedAt = protocol.NormalizeTime(s.now())
		return true
	})
	return err
}

func (s *Store) SetStatus(_ context.Context, batchID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.update(batchID, func(m *protocol.BatchMetadata) bool {
		m.Status = status
		m.UpdatedAt = protocol.NormalizeTime(s.now())
		return true
	})
	return err
}

func (s *Store) ListByOwner(_ context.Context, owner string, limit int) ([]protocol.BatchMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads != nil {
		return nil, s.FailReads
	}
	ids := make([]string, 0, len(s.batches))
	for id := range s.batches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]protocol.BatchMetadata, 0)
	for _, id := range ids {
		m, _, err := s.load(id)
		if err != nil {
			return nil, err
		}
		if protocol.SameAddress(m.CurrentOwner, owner) {
			out = append(out, m)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) AppendOwnershipEvent(_ context.Context, batchID string, ev protocol.OwnershipEvent) (bool, error) {
	s.mu.Lock()
	hook := s.beforeAppend
	s.mu.Unlock()
	if hook != nil {
		hook(batchID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.historyWriteErr(); err != nil {
		return false, err
	}
	return s.update(batchID, func(m *protocol.BatchMetadata) bool {
		return storage.ApplyOwnershipEvent(m, ev, s.now())
	})
}

func (s *Store) RewriteOwnershipHistory(_ context.Context, batchID string, rewrite storage.HistoryRewrite) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.historyWriteErr(); err != nil {
		return false, err
	}
	return s.update(batchID, func(m *protocol.BatchMetadata) bool {
		return storage.ApplyHistoryRewrite(m, rewrite, s.now())
	})
}

func (s *Store) historyWriteErr() error {
	if s.failAppends > 0 {
		s.failAppends--
		if s.failAppends == 0 && s.FailAppend != nil {
			err := s.FailAppend
			s.FailAppend = nil
			return err
		}
	}
	return s.FailAppend
}

func (s *Store) ListOwnershipEvents(_ context.Context, batchID string) ([]protocol.OwnershipEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads != nil {
		return nil, s.FailReads
	}
	m, ok, err := s.load(batchID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.ErrBatchNotFound
	}
	return m.OwnershipHistory, nil
}

func (s *Store) CurrentOwner(_ context.Context, batchID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailReads != nil {
		return "", false, s.FailReads
	}
	m, ok, err := s.load(batchID)
	if err != nil || !ok {
		return "", false, err
	}
	return m.CurrentOwner, true, nil
}

func (s *Store) EnqueueResync(_ context.Context, batchID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.resync[batchID]; ok {
		existing.Reason = reason
		s.resync[batchID] = existing
		return nil
	}
	now := s.now().UTC()
	s.resync[batchID] = storage.ResyncItem{BatchID: batchID, Reason: reason, NextAttemptAt: now, CreatedAt: now}
	return nil
}

func (s *Store) FetchDueResync(_ context.Context, limit int) ([]storage.ResyncItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	now := s.now().UTC()
	items := make([]storage.ResyncItem, 0)
	for _, item := range s.resync {
		if !item.NextAttemptAt.After(now) {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].BatchID < items[j].BatchID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *Store) MarkResyncDone(_ context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resync, batchID)
	return nil
}

func (s *Store) MarkResyncRetry(_ context.Context, batchID string, attempts int, nextAttempt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.resync[batchID]
	if !ok {
		return nil
	}
	item.Attempts = attempts
	item.NextAttemptAt = nextAttempt.UTC()
	item.LastError = lastError
	s.resync[batchID] = item
	return nil
}

// SetFailAppend toggles history write failure injection.
func (s *Store) SetFailAppend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailAppend = err
	s.failAppends = 0
}

// FailNextAppends fails the next n history writes with err.
func (s *Store) FailNextAppends(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailAppend = err
	s.failAppends = n
}

// OnAppend installs a hook that runs before each AppendOwnershipEvent,
// outside the store mutex.
func (s *Store) OnAppend(fn func(batchID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeAppend = fn
}

func (s *Store) SetFailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailReads = err
}

// PendingResync lists queued batch ids regardless of due time.
func (s *Store) PendingResync() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.resync))
	for id := range s.resync {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
