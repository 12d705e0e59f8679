package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
	"github.com/akshatrathore1/Panacea-sub000/internal/storage"
	"github.com/akshatrathore1/Panacea-sub000/internal/storage/storagetest"
)

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return New() })
}

func TestFailAppendLeavesHistoryUntouched(t *testing.T) {
	s := New()
	ctx := context.Background()
	m := storagetest.NewBatch("KA-WHE-DL-000010")
	require.NoError(t, s.CreateBatch(ctx, m))

	boom := errors.New("store offline")
	s.SetFailAppend(boom)
	_, err := s.AppendOwnershipEvent(ctx, m.BatchID, m.OwnershipHistory[0])
	require.ErrorIs(t, err, boom)

	s.SetFailAppend(nil)
	events, err := s.ListOwnershipEvents(ctx, m.BatchID)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestGetBatchReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	m := storagetest.NewBatch("KA-WHE-DL-000011")
	require.NoError(t, s.CreateBatch(ctx, m))

	got, _, err := s.GetBatch(ctx, m.BatchID)
	require.NoError(t, err)
	got.OwnershipHistory[0].Note = "mutated"

	again, _, err := s.GetBatch(ctx, m.BatchID)
	require.NoError(t, err)
	require.Equal(t, "batch_created", again.OwnershipHistory[0].Note)
}

func TestFailNextAppendsRecovers(t *testing.T) {
	s := New()
	ctx := context.Background()
	m := storagetest.NewBatch("KA-WHE-DL-000012")
	require.NoError(t, s.CreateBatch(ctx, m))

	boom := errors.New("disk full")
	s.FailNextAppends(2, boom)
	_, err := s.AppendOwnershipEvent(ctx, m.BatchID, m.OwnershipHistory[0])
	require.ErrorIs(t, err, boom)
	_, err = s.RewriteOwnershipHistory(ctx, m.BatchID, func(h []protocol.OwnershipEvent) ([]protocol.OwnershipEvent, bool) {
		return h, true
	})
	require.ErrorIs(t, err, boom)

	changed, err := s.RewriteOwnershipHistory(ctx, m.BatchID, func(h []protocol.OwnershipEvent) ([]protocol.OwnershipEvent, bool) {
		return h, true
	})
	require.NoError(t, err)
	require.True(t, changed)
}
