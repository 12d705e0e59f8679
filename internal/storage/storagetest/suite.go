// Package storagetest holds behaviour shared by every Store backend.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
	"github.com/akshatrathore1/Panacea-sub000/internal/storage"
)

const (
	Producer     = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	Intermediary = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	Retailer     = "0xcccccccccccccccccccccccccccccccccccccccc"
)

// NewBatch returns a freshly created batch owned by Producer.
func NewBatch(batchID string) protocol.BatchMetadata {
	created := time.Date(2025, 3, 20, 10, 0, 0, 0, time.UTC)
	return protocol.BatchMetadata{
		SchemaVersion: protocol.MetadataSchemaVersion,
		BatchID:       batchID,
		CropType:      "Wheat",
		QuantityKg:    decimal.NewFromInt(500),
		QualityGrade:  "A",
		Origin:        "Delhi",
		Creator:       protocol.Party{Role: "farmer", Address: Producer},
		Media:         []string{},
		Attachments:   []protocol.Attachment{},
		Version:       1,
		CreatedAt:     created,
		Status:        protocol.StatusActive,
		CurrentOwner:  Producer,
		OwnershipHistory: []protocol.OwnershipEvent{{
			To:            Producer,
			ActorRole:     "farmer",
			RecipientRole: "farmer",
			Note:          protocol.NoteBatchCreated,
			Timestamp:     created,
		}},
		UpdatedAt: created,
	}
}

// Run exercises a Store implementation. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		m := NewBatch("KA-WHE-DL-000001")
		require.NoError(t, s.CreateBatch(ctx, m))
		require.ErrorIs(t, s.CreateBatch(ctx, m), storage.ErrBatchExists)

		got, found, err := s.GetBatch(ctx, m.BatchID)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, m.BatchID, got.BatchID)
		require.True(t, m.QuantityKg.Equal(got.QuantityKg))

		want, err := protocol.MetadataDigest(m)
		require.NoError(t, err)
		digest, err := protocol.MetadataDigest(got)
		require.NoError(t, err)
		require.Equal(t, want, digest, "round trip must not change the digest")

		_, found, err = s.GetBatch(ctx, "KA-WHE-DL-999999")
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("append is idempotent and moves owner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		m := NewBatch("KA-WHE-DL-000002")
		require.NoError(t, s.CreateBatch(ctx, m))

		ev := protocol.OwnershipEvent{
			From:            protocol.StringPtr(Producer),
			To:              Intermediary,
			ActorRole:       "farmer",
			RecipientRole:   "intermediary",
			Note:            "first sale",
			TransactionHash: "0xdead",
			Timestamp:       time.Date(2025, 3, 21, 9, 0, 0, 0, time.UTC),
		}
		appended, err := s.AppendOwnershipEvent(ctx, m.BatchID, ev)
		require.NoError(t, err)
		require.True(t, appended)
		appended, err = s.AppendOwnershipEvent(ctx, m.BatchID, ev)
		require.NoError(t, err)
		require.False(t, appended)

		events, err := s.ListOwnershipEvents(ctx, m.BatchID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.NoError(t, protocol.ValidateOwnershipChain(events))

		owner, found, err := s.CurrentOwner(ctx, m.BatchID)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, Intermediary, owner)

		_, err = s.AppendOwnershipEvent(ctx, "KA-WHE-DL-404404", ev)
		require.ErrorIs(t, err, storage.ErrBatchNotFound)
	})

	t.Run("append skips a transaction already recorded", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		m := NewBatch("KA-WHE-DL-000007")
		require.NoError(t, s.CreateBatch(ctx, m))

		ev := protocol.OwnershipEvent{
			From:            protocol.StringPtr(Producer),
			To:              Intermediary,
			Note:            "handoff",
			TransactionHash: "0xBEEF",
			Timestamp:       time.Date(2025, 3, 21, 9, 0, 0, 0, time.UTC),
		}
		appended, err := s.AppendOwnershipEvent(ctx, m.BatchID, ev)
		require.NoError(t, err)
		require.True(t, appended)

		ev.Timestamp = ev.Timestamp.Add(4 * time.Second)
		ev.TransactionHash = "0xbeef"
		ev.Note = protocol.NoteLedgerBackfill
		appended, err = s.AppendOwnershipEvent(ctx, m.BatchID, ev)
		require.NoError(t, err)
		require.False(t, appended, "one ledger transaction is one event")

		events, err := s.ListOwnershipEvents(ctx, m.BatchID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, "handoff", events[1].Note)
	})

	t.Run("rewrite replaces history and owner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		m := NewBatch("KA-WHE-DL-000008")
		require.NoError(t, s.CreateBatch(ctx, m))
		late := protocol.OwnershipEvent{
			From:            protocol.StringPtr(Intermediary),
			To:              Retailer,
			TransactionHash: "0x02",
			Timestamp:       time.Date(2025, 3, 22, 9, 0, 0, 0, time.UTC),
		}
		_, err := s.AppendOwnershipEvent(ctx, m.BatchID, late)
		require.NoError(t, err)

		changed, err := s.RewriteOwnershipHistory(ctx, m.BatchID, func(h []protocol.OwnershipEvent) ([]protocol.OwnershipEvent, bool) {
			return h, false
		})
		require.NoError(t, err)
		require.False(t, changed)

		missing := protocol.OwnershipEvent{
			From:            protocol.StringPtr(Producer),
			To:              Intermediary,
			Note:            protocol.NoteLedgerBackfill,
			TransactionHash: "0x01",
			Timestamp:       time.Date(2025, 3, 23, 9, 0, 0, 0, time.UTC),
		}
		changed, err = s.RewriteOwnershipHistory(ctx, m.BatchID, func(h []protocol.OwnershipEvent) ([]protocol.OwnershipEvent, bool) {
			require.Len(t, h, 2)
			return []protocol.OwnershipEvent{h[0], missing, h[1]}, true
		})
		require.NoError(t, err)
		require.True(t, changed)

		got, _, err := s.GetBatch(ctx, m.BatchID)
		require.NoError(t, err)
		require.Len(t, got.OwnershipHistory, 3)
		require.NoError(t, protocol.ValidateOwnershipChain(got.OwnershipHistory))
		require.Equal(t, Retailer, got.CurrentOwner)
		require.NotNil(t, got.LastTransferAt)
		require.True(t, missing.Timestamp.Equal(*got.LastTransferAt))

		_, err = s.RewriteOwnershipHistory(ctx, "KA-WHE-DL-404404", func(h []protocol.OwnershipEvent) ([]protocol.OwnershipEvent, bool) {
			return h, true
		})
		require.ErrorIs(t, err, storage.ErrBatchNotFound)
	})

	t.Run("concurrent appends are serialized", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		m := NewBatch("KA-WHE-DL-000003")
		require.NoError(t, s.CreateBatch(ctx, m))

		var wg sync.WaitGroup
		base := time.Date(2025, 3, 21, 9, 0, 0, 0, time.UTC)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.AppendOwnershipEvent(ctx, m.BatchID, protocol.OwnershipEvent{
					To:        Intermediary,
					Timestamp: base.Add(time.Duration(i) * time.Second),
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()
		events, err := s.ListOwnershipEvents(ctx, m.BatchID)
		require.NoError(t, err)
		require.Len(t, events, 9)
	})

	t.Run("status, on-chain id and owner listing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := NewBatch("KA-WHE-DL-000004")
		b := NewBatch("KA-RIC-MH-000005")
		b.CurrentOwner = Retailer
		require.NoError(t, s.CreateBatch(ctx, a))
		require.NoError(t, s.CreateBatch(ctx, b))

		require.NoError(t, s.SetOnChainID(ctx, a.BatchID, a.BatchID))
		require.NoError(t, s.SetStatus(ctx, a.BatchID, protocol.StatusSold))
		require.ErrorIs(t, s.SetStatus(ctx, "KA-WHE-DL-404404", protocol.StatusSold), storage.ErrBatchNotFound)

		got, _, err := s.GetBatch(ctx, a.BatchID)
		require.NoError(t, err)
		require.NotNil(t, got.OnChainID)
		require.Equal(t, protocol.StatusSold, got.Status)

		owned, err := s.ListByOwner(ctx, Producer, 10)
		require.NoError(t, err)
		require.Len(t, owned, 1)
		require.Equal(t, a.BatchID, owned[0].BatchID)
	})

	t.Run("resync queue", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.EnqueueResync(ctx, "KA-WHE-DL-000006", "projection_write_failed"))
		require.NoError(t, s.EnqueueResync(ctx, "KA-WHE-DL-000006", "ledger_unavailable"))

		items, err := s.FetchDueResync(ctx, 10)
		require.NoError(t, err)
		require.Len(t, items, 1)
		require.Equal(t, "ledger_unavailable", items[0].Reason)

		require.NoError(t, s.MarkResyncRetry(ctx, "KA-WHE-DL-000006", 1, time.Now().Add(time.Hour), "boom"))
		items, err = s.FetchDueResync(ctx, 10)
		require.NoError(t, err)
		require.Empty(t, items)

		require.NoError(t, s.MarkResyncDone(ctx, "KA-WHE-DL-000006"))
	})
}
