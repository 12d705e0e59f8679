package storage

import (
	"context"
	"errors"
	"time"

	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
)

var (
	ErrBatchExists   = errors.New("batch already exists")
	ErrBatchNotFound = errors.New("batch not found")
	ErrUnavailable   = errors.New("store unavailable")
)

// ResyncItem is a batch whose projection may lag the ledger.
type ResyncItem struct {
	BatchID       string
	Reason        string
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
}

// Store is the off-chain document store holding batch metadata and the
// ownership projection. Appends to one batch are serialized by the store.
type Store interface {
	Close()
	Ping(ctx context.Context) error

	CreateBatch(ctx context.Context, m protocol.BatchMetadata) error
	GetBatch(ctx context.Context, batchID string) (protocol.BatchMetadata, bool, error)
	// PutBatch replaces the whole document.
	PutBatch(ctx context.Context, m protocol.BatchMetadata) error
	SetOnChainID(ctx context.Context, batchID, onChainID string) error
	SetStatus(ctx context.Context, batchID, status string) error
	ListByOwner(ctx context.Context, owner string, limit int) ([]protocol.BatchMetadata, error)

	// AppendOwnershipEvent appends ev and moves currentOwner to ev.To.
	// Events already recorded (same transaction hash, or same dedup key for
	// events without one) are skipped and appended is false.
	AppendOwnershipEvent(ctx context.Context, batchID string, ev protocol.OwnershipEvent) (appended bool, err error)
	// RewriteOwnershipHistory passes the stored history to rewrite and, when
	// it reports a change, stores the returned history and moves currentOwner
	// to its last recipient. It is serialized with appends to the same batch.
	RewriteOwnershipHistory(ctx context.Context, batchID string, rewrite HistoryRewrite) (changed bool, err error)
	ListOwnershipEvents(ctx context.Context, batchID string) ([]protocol.OwnershipEvent, error)
	CurrentOwner(ctx context.Context, batchID string) (string, bool, error)

	EnqueueResync(ctx context.Context, batchID, reason string) error
	FetchDueResync(ctx context.Context, limit int) ([]ResyncItem, error)
	MarkResyncDone(ctx context.Context, batchID string) error
	MarkResyncRetry(ctx context.Context, batchID string, attempts int, nextAttempt time.Time, lastError string) error
}

// HistoryRewrite receives a batch's ownership history and returns the
// replacement, or false to leave the document untouched.
type HistoryRewrite func(history []protocol.OwnershipEvent) ([]protocol.OwnershipEvent, bool)

// ApplyOwnershipEvent appends ev to m unless it is already recorded. Backends
// share it so the document shape stays uniform.
func ApplyOwnershipEvent(m *protocol.BatchMetadata, ev protocol.OwnershipEvent, now time.Time) bool {
	for _, existing := range m.OwnershipHistory {
		if existing.SameRecord(ev) {
			return false
		}
	}
	ev.Timestamp = protocol.NormalizeTime(ev.Timestamp)
	m.OwnershipHistory = append(m.OwnershipHistory, ev)
	m.CurrentOwner = ev.To
	ts := ev.Timestamp
	m.LastTransferAt = &ts
	m.UpdatedAt = protocol.NormalizeTime(now)
	return true
}

// ApplyHistoryRewrite runs rewrite against m and, on change, replaces the
// history and derives currentOwner and lastTransferAt from it.
func ApplyHistoryRewrite(m *protocol.BatchMetadata, rewrite HistoryRewrite, now time.Time) bool {
	current := append([]protocol.OwnershipEvent(nil), m.OwnershipHistory...)
	history, changed := rewrite(current)
	if !changed {
		return false
	}
	var last *time.Time
	for i := range history {
		history[i].Timestamp = protocol.NormalizeTime(history[i].Timestamp)
		if history[i].Note == protocol.NoteBatchCreated {
			continue
		}
		if ts := history[i].Timestamp; last == nil || ts.After(*last) {
			last = &ts
		}
	}
	m.OwnershipHistory = history
	if n := len(history); n > 0 {
		m.CurrentOwner = history[n-1].To
	}
	m.LastTransferAt = last
	m.UpdatedAt = protocol.NormalizeTime(now)
	return true
}

func ValidStatus(status string) bool {
	switch status {
	case protocol.StatusActive, protocol.StatusSold, protocol.StatusCancelled:
		return true
	}
	return false
}
