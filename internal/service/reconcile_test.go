package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshatrathore1/Panacea-sub000/internal/ledger"
	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
)

var mergeBase = time.Date(2025, 3, 20, 10, 0, 0, 0, time.UTC)

func addr(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

func created(owner string) protocol.OwnershipEvent {
	return protocol.OwnershipEvent{To: owner, ActorRole: "farmer", RecipientRole: "farmer", Note: protocol.NoteBatchCreated, Timestamp: mergeBase}
}

func TestTraceUnknownBatch(t *testing.T) {
	h := newHarness(t, TransferConfig{})
	view, err := h.reconcile.Trace(context.Background(), "KA-WHE-DE-000042")
	require.NoError(t, err)
	assert.False(t, view.Found)
	assert.Nil(t, view.Metadata)
	assert.Empty(t, view.Timeline)

	_, err = h.reconcile.Trace(context.Background(), "../etc/passwd")
	assert.True(t, IsCode(err, CodeValidation))
}

func TestTraceWithoutLedgerAnchor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, TransferConfig{})
	resp, err := h.batches.Create(ctx, wheatRequest(h.farmer, false))
	require.NoError(t, err)

	view, err := h.reconcile.Trace(ctx, resp.Metadata.BatchID)
	require.NoError(t, err)
	assert.True(t, view.Found)
	assert.True(t, view.MetadataValid)
	assert.Nil(t, view.OnChainBatch)
	assert.Equal(t, h.farmer.Address(), view.CurrentOwner)
	require.Len(t, view.Timeline, 1)
	assert.Nil(t, view.Timeline[0].From)
}

func TestTraceDetectsTamperedMetadata(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, TransferConfig{})
	id := h.createBatch(t)

	m, _, err := h.store.GetBatch(ctx, id)
	require.NoError(t, err)
	m.QuantityKg = decimal.RequireFromString("9999")
	require.NoError(t, h.store.PutBatch(ctx, m))

	view, err := h.reconcile.Trace(ctx, id)
	require.NoError(t, err)
	assert.False(t, view.MetadataValid)
	assert.NotEqual(t, view.MetadataHash, view.ComputedHash)
}

func TestTraceDetectsRehashedTamper(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, TransferConfig{})
	id := h.createBatch(t)

	// Recomputing the stored hash hides the edit from the store but not
	// from the digest anchored on the ledger.
	m, _, err := h.store.GetBatch(ctx, id)
	require.NoError(t, err)
	m.QualityGrade = "A+"
	m.MetadataHash, err = protocol.MetadataDigest(m)
	require.NoError(t, err)
	require.NoError(t, h.store.PutBatch(ctx, m))

	view, err := h.reconcile.Trace(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, view.MetadataHash, view.ComputedHash)
	assert.False(t, view.MetadataValid)
}

func TestTraceIgnoresMutableFieldsInDigest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, TransferConfig{})
	id := h.createBatch(t)
	h.transfer(t, id, h.distributor, "farmer", "distributor")
	_, err := h.batches.SetStatus(ctx, id, protocol.UpdateStatusRequest{Status: protocol.StatusSold})
	require.NoError(t, err)

	view, err := h.reconcile.Trace(ctx, id)
	require.NoError(t, err)
	assert.True(t, view.MetadataValid)
}

func TestTraceBackfillsLedgerOnlyTransfer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, TransferConfig{})
	id := h.createBatch(t)
	info, err := transferInfo(protocol.TransferInfo{ActorRole: "farmer", RecipientRole: "distributor"})
	require.NoError(t, err)
	_, err = h.ledger.Append(id, h.farmer.Address(), h.distributor.Address(), info, h.clock.Now())
	require.NoError(t, err)

	view, err := h.reconcile.Trace(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, view.Backfilled)
	assert.True(t, view.PendingSync, "the read that heals a gap still reports it")
	assert.Equal(t, h.distributor.Address(), view.CurrentOwner)
	require.Len(t, view.Timeline, 2)
	assert.Equal(t, protocol.SourceMerged, view.Timeline[1].Source)
	assert.True(t, view.Timeline[1].PendingSync)
	assert.False(t, view.Timeline[0].PendingSync)

	owner, _, err := h.store.CurrentOwner(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, h.distributor.Address(), owner)

	again, err := h.reconcile.Trace(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, again.Backfilled)
	assert.False(t, again.PendingSync)
	assert.False(t, again.Timeline[1].PendingSync)
}

func TestTraceAfterProjectionFailureShowsRecipientThenHeals(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, TransferConfig{})
	id := h.createBatch(t)
	h.store.FailNextAppends(1, errors.New("disk full"))

	resp := h.transfer(t, id, h.distributor, "farmer", "distributor")
	require.False(t, resp.ProjectionUpdated)

	view, err := h.reconcile.Trace(ctx, id)
	require.NoError(t, err)
	assert.True(t, view.PendingSync)
	assert.Equal(t, h.distributor.Address(), view.CurrentOwner)
	require.Len(t, view.Timeline, 2)
	assert.Equal(t, h.distributor.Address(), view.Timeline[1].To)
	assert.Equal(t, resp.TransactionHash, view.Timeline[1].TransactionHash)
	assert.True(t, view.Timeline[1].PendingSync)

	healed, err := h.reconcile.Trace(ctx, id)
	require.NoError(t, err)
	assert.False(t, healed.PendingSync)
	require.NotNil(t, healed.Metadata)
	require.NoError(t, protocol.ValidateOwnershipChain(healed.Metadata.OwnershipHistory))
	assert.Equal(t, h.distributor.Address(), healed.Metadata.CurrentOwner)
}

func TestPlaceLedgerOnlyFollowsLedgerOrder(t *testing.T) {
	from2 := addr(2)
	// The projection missed 1->2 but recorded 2->3 with an earlier clock.
	projection := []protocol.OwnershipEvent{
		created(addr(1)),
		{From: &from2, To: addr(3), TransactionHash: "0x02", Timestamp: mergeBase.Add(time.Minute)},
	}
	chain := []protocol.OnChainTransferEvent{
		{From: addr(1), To: addr(2), TransactionHash: "0x01", Timestamp: mergeBase},
		{From: addr(2), To: addr(3), TransactionHash: "0x02", Timestamp: mergeBase.Add(2 * time.Hour)},
		{From: addr(3), To: addr(4), TransactionHash: "0x03", Timestamp: mergeBase.Add(-time.Hour)},
	}
	placed, n := placeLedgerOnly(projection, chain, 15*time.Minute)
	assert.Equal(t, 2, n)
	require.Len(t, placed, 4)
	require.NoError(t, protocol.ValidateOwnershipChain(placed))
	assert.Equal(t, []string{"", "0x01", "0x02", "0x03"}, []string{
		placed[0].TransactionHash, placed[1].TransactionHash, placed[2].TransactionHash, placed[3].TransactionHash,
	})
	assert.Equal(t, protocol.NoteLedgerBackfill, placed[1].Note)

	again, n := placeLedgerOnly(placed, chain, 15*time.Minute)
	assert.Zero(t, n)
	assert.Equal(t, placed, again)
}

func TestTraceReportsPendingSyncWhenBackfillFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, TransferConfig{})
	id := h.createBatch(t)
	_, err := h.ledger.Append(id, h.farmer.Address(), h.distributor.Address(), "", h.clock.Now())
	require.NoError(t, err)
	h.store.SetFailAppend(errors.New("read-only replica"))

	view, err := h.reconcile.Trace(ctx, id)
	require.NoError(t, err)
	assert.True(t, view.PendingSync)
	assert.Zero(t, view.Backfilled)
	assert.Equal(t, h.distributor.Address(), view.CurrentOwner)
	require.Len(t, view.Timeline, 2)
	assert.Equal(t, protocol.SourceLedger, view.Timeline[1].Source)
	assert.True(t, view.Timeline[1].PendingSync)
	assert.Equal(t, []string{id}, h.store.PendingResync())
}

func TestTraceLedgerUnavailable(t *testing.T) {
	h := newHarness(t, TransferConfig{})
	id := h.createBatch(t)
	h.ledger.SetReadError(fmt.Errorf("%w: connection refused", ledger.ErrUnavailable))

	_, err := h.reconcile.Trace(context.Background(), id)
	assert.True(t, IsCode(err, CodeLedgerUnavailable))
}

func TestMergeTimelinePairsByTransactionHash(t *testing.T) {
	from := addr(1)
	projection := []protocol.OwnershipEvent{
		created(addr(1)),
		{From: &from, To: addr(2), Note: "handoff", TransactionHash: "0xAA", Timestamp: mergeBase.Add(time.Hour)},
	}
	chain := []protocol.OnChainTransferEvent{
		{From: addr(1), To: addr(2), TransactionHash: "0xaa", BlockNumber: 9, Timestamp: mergeBase.Add(3 * time.Hour)},
	}
	out := mergeTimeline(projection, chain, 15*time.Minute)
	assert.Empty(t, out.ledgerOnly)
	require.Len(t, out.timeline, 2)
	assert.Equal(t, protocol.SourceMerged, out.timeline[1].Source)
	assert.Equal(t, "handoff", out.timeline[1].Note)
	assert.Equal(t, mergeBase.Add(3*time.Hour), out.timeline[1].Timestamp, "ledger timestamp wins")
	assert.EqualValues(t, 9, out.timeline[1].BlockNumber)
}

func TestMergeTimelinePairsByTimeWindow(t *testing.T) {
	from := addr(1)
	projection := []protocol.OwnershipEvent{
		created(addr(1)),
		{From: &from, To: addr(3), Note: "far", Timestamp: mergeBase.Add(time.Hour + 5*time.Minute)},
		{From: &from, To: addr(2), Note: "near", Timestamp: mergeBase.Add(time.Hour + 5*time.Minute)},
		{From: &from, To: addr(4), Note: "stale", Timestamp: mergeBase.Add(5 * time.Hour)},
	}
	chain := []protocol.OnChainTransferEvent{
		{From: addr(1), To: addr(2), TransactionHash: "0x01", Timestamp: mergeBase.Add(time.Hour)},
		{From: addr(2), To: addr(5), TransactionHash: "0x02", Timestamp: mergeBase.Add(3 * time.Hour)},
	}
	out := mergeTimeline(projection, chain, 15*time.Minute)
	assert.Equal(t, []int{1}, out.ledgerOnly)

	var notes []string
	for _, e := range out.timeline {
		notes = append(notes, e.Source+":"+e.Note)
	}
	assert.Equal(t, []string{
		"projection:batch_created",
		"merged:near",
		"projection:far",
		"ledger:ledger_backfill",
		"projection:stale",
	}, notes)
}

func TestMergeTimelineKeepsHashedProjectionEventsOutOfWindowPairing(t *testing.T) {
	from := addr(1)
	projection := []protocol.OwnershipEvent{
		created(addr(1)),
		{From: &from, To: addr(2), TransactionHash: "0xbb", Timestamp: mergeBase.Add(time.Hour)},
	}
	chain := []protocol.OnChainTransferEvent{
		{From: addr(1), To: addr(2), TransactionHash: "0xcc", Timestamp: mergeBase.Add(time.Hour)},
	}
	out := mergeTimeline(projection, chain, time.Hour)
	assert.Equal(t, []int{0}, out.ledgerOnly)
	assert.Len(t, out.timeline, 3)
}

func TestMergeTimelineProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("projection mirroring the ledger leaves nothing pending", prop.ForAll(
		func(gaps []uint16) bool {
			projection, chain := mirroredHistory(gaps)
			out := mergeTimeline(projection, chain, 15*time.Minute)
			if len(out.ledgerOnly) != 0 || len(out.timeline) != len(projection) {
				return false
			}
			for i := 1; i < len(out.timeline); i++ {
				if out.timeline[i].Timestamp.Before(out.timeline[i-1].Timestamp) {
					return false
				}
			}
			return out.timeline[0].From == nil
		},
		gen.SliceOf(gen.UInt16Range(1, 600)),
	))

	properties.Property("an empty projection leaves every ledger event pending", prop.ForAll(
		func(gaps []uint16) bool {
			_, chain := mirroredHistory(gaps)
			out := mergeTimeline([]protocol.OwnershipEvent{created(addr(1))}, chain, 15*time.Minute)
			return len(out.ledgerOnly) == len(chain) && len(out.timeline) == len(chain)+1
		},
		gen.SliceOf(gen.UInt16Range(1, 600)),
	))

	properties.TestingRun(t)
}

// mirroredHistory builds a ledger history with one transfer per gap (in
// minutes) and the projection that recorded it, without transaction hashes.
func mirroredHistory(gaps []uint16) ([]protocol.OwnershipEvent, []protocol.OnChainTransferEvent) {
	projection := []protocol.OwnershipEvent{created(addr(1))}
	chain := make([]protocol.OnChainTransferEvent, 0, len(gaps))
	at := mergeBase
	for i, g := range gaps {
		at = at.Add(time.Duration(g) * time.Minute)
		from, to := addr(i+1), addr(i+2)
		chain = append(chain, protocol.OnChainTransferEvent{
			From:            from,
			To:              to,
			Timestamp:       at,
			TransactionHash: fmt.Sprintf("0x%064x", i+1),
			BlockNumber:     uint64(i + 1),
		})
		f := from
		projection = append(projection, protocol.OwnershipEvent{From: &f, To: to, Timestamp: at.Add(30 * time.Second)})
	}
	return projection, chain
}
