// Package badgerstore keeps batch documents in an embedded Badger database
// for deployments without Postgres.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
	"github.com/akshatrathore1/Panacea-sub000/internal/storage"
)

var (
	batchPrefix  = []byte("batch/")
	resyncPrefix = []byte("resync/")
)

type Store struct {
	db *badger.DB
	// writes is held for read-modify-write cycles so Badger's optimistic
	// transactions do not abort concurrent appends to one batch.
	writes sync.Mutex
	now    func() time.Time
}

// Open opens (or creates) the database at dir. An empty dir runs in memory.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() {
	_ = s.db.Close()
}

func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return storage.ErrUnavailable
	}
	return nil
}

func batchKey(id string) []byte  { return append(append([]byte{}, batchPrefix...), id...) }
func resyncKey(id string) []byte { return append(append([]byte{}, resyncPrefix...), id...) }

func getJSON(txn *badger.Txn, key []byte, out any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, raw)
}

func (s *Store) CreateBatch(_ context.Context, m protocol.BatchMetadata) error {
	s.writes.Lock()
	defer s.writes.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		var existing protocol.BatchMetadata
		found, err := getJSON(txn, batchKey(m.BatchID), &existing)
		if err != nil {
			return err
		}
		if found {
			return storage.ErrBatchExists
		}
		return setJSON(txn, batchKey(m.BatchID), m)
	})
}

func (s *Store) GetBatch(_ context.Context, batchID string) (protocol.BatchMetadata, bool, error) {
	var m protocol.BatchMetadata
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, batchKey(batchID), &m)
		return err
	})
	return m, found, err
}

func (s *Store) PutBatch(_ context.Context, m protocol.BatchMetadata) error {
	s.writes.Lock()
	defer s.writes.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, batchKey(m.BatchID), m)
	})
}

func (s *Store) update(batchID string, fn func(*protocol.BatchMetadata) bool) (bool, error) {
	s.writes.Lock()
	defer s.writes.Unlock()
	changed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		var m protocol.BatchMetadata
		found, err := getJSON(txn, batchKey(batchID), &m)
		if err != nil {
			return err
		}
		if !found {
			return storage.ErrBatchNotFound
		}
		if !fn(&m) {
			return nil
		}
		changed = true
		return setJSON(txn, batchKey(batchID), m)
	})
	return changed, err
}

func (s *Store) SetOnChainID(_ context.Context, batchID, onChainID string) error {
	_, err := s.update(batchID, func(m *protocol.BatchMetadata) bool {
		m.OnChainID = &onChainID
		m.UpdatedAt = protocol.NormalizeTime(s.now())
		return true
	})
	return err
}

func (s *Store) SetStatus(_ context.Context, batchID, status string) error {
	_, err := s.update(batchID, func(m *protocol.BatchMetadata) bool {
		m.Status = status
		m.UpdatedAt = protocol.NormalizeTime(s.now())
		return true
	})
	return err
}

func (s *Store) ListByOwner(_ context.Context, owner string, limit int) ([]protocol.BatchMetadata, error) {
	out := make([]protocol.BatchMetadata, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(batchPrefix); it.ValidForPrefix(batchPrefix); it.Next() {
			var m protocol.BatchMetadata
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			if protocol.SameAddress(m.CurrentOwner, owner) {
				out = append(out, m)
				if limit > 0 && len(out) == limit {
					return nil
				}
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) AppendOwnershipEvent(_ context.Context, batchID string, ev protocol.OwnershipEvent) (bool, error) {
	return s.update(batchID, func(m *protocol.BatchMetadata) bool {
		return storage.ApplyOwnershipEvent(m, ev, s.now())
	})
}

func (s *Store) RewriteOwnershipHistory(_ context.Context, batchID string, rewrite storage.HistoryRewrite) (bool, error) {
	return s.update(batchID, func(m *protocol.BatchMetadata) bool {
		return storage.ApplyHistoryRewrite(m, rewrite, s.now())
	})
}

func (s *Store) ListOwnershipEvents(ctx context.Context, batchID string) ([]protocol.OwnershipEvent, error) {
	m, found, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, storage.ErrBatchNotFound
	}
	return m.OwnershipHistory, nil
}

func (s *Store) CurrentOwner(ctx context.Context, batchID string) (string, bool, error) {
	m, found, err := s.GetBatch(ctx, batchID)
	if err != nil || !found {
		return "", false, err
	}
	return m.CurrentOwner, true, nil
}

func (s *Store) EnqueueResync(_ context.Context, batchID, reason string) error {
	s.writes.Lock()
	defer s.writes.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		var item storage.ResyncItem
		found, err := getJSON(txn, resyncKey(batchID), &item)
		if err != nil {
			return err
		}
		if !found {
			now := s.now().UTC()
			item = storage.ResyncItem{BatchID: batchID, NextAttemptAt: now, CreatedAt: now}
		}
		item.Reason = reason
		return setJSON(txn, resyncKey(batchID), item)
	})
}

func (s *Store) FetchDueResync(_ context.Context, limit int) ([]storage.ResyncItem, error) {
	if limit <= 0 {
		limit = 50
	}
	now := s.now().UTC()
	items := make([]storage.ResyncItem, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(resyncPrefix); it.ValidForPrefix(resyncPrefix); it.Next() {
			var item storage.ResyncItem
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &item)
			}); err != nil {
				return err
			}
			if !item.NextAttemptAt.After(now) {
				items = append(items, item)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *Store) MarkResyncDone(_ context.Context, batchID string) error {
	s.writes.Lock()
	defer s.writes.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(resyncKey(batchID))
	})
}

func (s *Store) MarkResyncRetry(_ context.Context, batchID string, attempts int, nextAttempt time.Time, lastError string) error {
	s.writes.Lock()
	defer s.writes.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		var item storage.ResyncItem
		found, err := getJSON(txn, resyncKey(batchID), &item)
		if err != nil || !found {
			return err
		}
		item.Attempts = attempts
		item.NextAttemptAt = nextAttempt.UTC()
		item.LastError = lastError
		return setJSON(txn, resyncKey(batchID), item)
	})
}
