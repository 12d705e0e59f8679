package service

import (
	"context"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
)

func TestCreateBatchAnchorsOnLedger(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, TransferConfig{})

	resp, err := h.batches.Create(ctx, wheatRequest(h.farmer, true))
	require.NoError(t, err)
	m := resp.Metadata
	assert.Regexp(t, `^KA-WHE-DE-[0-9]{6}$`, m.BatchID)
	assert.Equal(t, protocol.StatusActive, m.Status)
	assert.Equal(t, h.farmer.Address(), m.CurrentOwner)
	require.NotNil(t, m.OnChainID)
	assert.Equal(t, m.BatchID, *m.OnChainID)
	assert.NotEmpty(t, resp.TransactionHash)
	require.Len(t, m.OwnershipHistory, 1)
	assert.Equal(t, protocol.NoteBatchCreated, m.OwnershipHistory[0].Note)
	assert.Nil(t, m.OwnershipHistory[0].From)

	digest, err := protocol.MetadataDigest(m)
	require.NoError(t, err)
	assert.Equal(t, digest, resp.MetadataHash)

	chain, err := h.ledger.ReadBatch(ctx, m.BatchID)
	require.NoError(t, err)
	require.NotNil(t, chain)
	assert.Equal(t, digest, chain.MetadataHash)
	assert.Equal(t, h.farmer.Address(), chain.CurrentOwner)
}

func TestCreateBatchWithoutSigningKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, TransferConfig{})
	stranger := testWallet(t)

	resp, err := h.batches.Create(ctx, wheatRequest(stranger, true))
	require.NoError(t, err)
	assert.Equal(t, WarningLedgerSignerMissing, resp.Warning)
	assert.Nil(t, resp.Metadata.OnChainID)

	_, found, err := h.store.GetBatch(ctx, resp.Metadata.BatchID)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCreateBatchRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, TransferConfig{})
	req := wheatRequest(h.farmer, false)
	req.BatchID = "KA-WHE-DE-123456"

	_, err := h.batches.Create(ctx, req)
	require.NoError(t, err)
	_, err = h.batches.Create(ctx, req)
	requireCode(t, err, CodeBatchExists, http.StatusConflict)
}

func TestCreateBatchValidation(t *testing.T) {
	h := newHarness(t, TransferConfig{})
	negative := decimal.RequireFromString("-1")
	cases := []struct {
		name   string
		mutate func(*protocol.CreateBatchRequest)
	}{
		{"missing crop", func(r *protocol.CreateBatchRequest) { r.CropType = " " }},
		{"missing origin", func(r *protocol.CreateBatchRequest) { r.Origin = "" }},
		{"missing grade", func(r *protocol.CreateBatchRequest) { r.QualityGrade = "" }},
		{"zero quantity", func(r *protocol.CreateBatchRequest) { r.QuantityKg = decimal.Zero }},
		{"negative price", func(r *protocol.CreateBatchRequest) { r.PricePerKg = &negative }},
		{"bad creator", func(r *protocol.CreateBatchRequest) { r.Creator.Address = "farmer-1" }},
		{"missing role", func(r *protocol.CreateBatchRequest) { r.Creator.Role = "" }},
		{"bad harvest date", func(r *protocol.CreateBatchRequest) { r.HarvestDate = protocol.StringPtr("01/03/2025") }},
		{"bad batch id", func(r *protocol.CreateBatchRequest) { r.BatchID = "batch-1" }},
		{"bad producer", func(r *protocol.CreateBatchRequest) {
			r.SourceProducer = &protocol.SourceProducer{Address: "0x12"}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := wheatRequest(h.farmer, false)
			tc.mutate(&req)
			_, err := h.batches.Create(context.Background(), req)
			requireCode(t, err, CodeValidation, http.StatusBadRequest)
		})
	}
}

func TestRegisterExistingBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, TransferConfig{})
	created, err := h.batches.Create(ctx, wheatRequest(h.farmer, false))
	require.NoError(t, err)
	require.Nil(t, created.Metadata.OnChainID)

	reg, err := h.batches.Register(ctx, created.Metadata.BatchID)
	require.NoError(t, err)
	require.NotNil(t, reg.Metadata.OnChainID)
	assert.NotEmpty(t, reg.TransactionHash)

	again, err := h.batches.Register(ctx, created.Metadata.BatchID)
	require.NoError(t, err)
	assert.Empty(t, again.TransactionHash)

	_, err = h.batches.Register(ctx, "KA-WHE-DE-000000")
	requireCode(t, err, CodeBatchNotFound, http.StatusNotFound)
}

func TestRegisterAdoptsMatchingLedgerBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, TransferConfig{})
	created, err := h.batches.Create(ctx, wheatRequest(h.farmer, true))
	require.NoError(t, err)

	// Drop the recorded anchor; the ledger still has the batch.
	m := created.Metadata
	m.OnChainID = nil
	require.NoError(t, h.store.PutBatch(ctx, m))

	reg, err := h.batches.Register(ctx, m.BatchID)
	require.NoError(t, err)
	require.NotNil(t, reg.Metadata.OnChainID)
	assert.Equal(t, m.BatchID, *reg.Metadata.OnChainID)
}

func TestListByOwnerFollowsTransfers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, TransferConfig{})
	id := h.createBatch(t)

	list, err := h.batches.ListByOwner(ctx, h.farmer.Address(), 0)
	require.NoError(t, err)
	require.Len(t, list.Batches, 1)
	assert.Equal(t, id, list.Batches[0].BatchID)

	h.transfer(t, id, h.distributor, "farmer", "distributor")
	list, err = h.batches.ListByOwner(ctx, h.farmer.Address(), 0)
	require.NoError(t, err)
	assert.Empty(t, list.Batches)
	list, err = h.batches.ListByOwner(ctx, h.distributor.Address(), 0)
	require.NoError(t, err)
	assert.Len(t, list.Batches, 1)

	_, err = h.batches.ListByOwner(ctx, "nobody", 0)
	requireCode(t, err, CodeValidation, http.StatusBadRequest)
}

func TestSetStatusOnlyFromActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, TransferConfig{})
	id := h.createBatch(t)

	_, err := h.batches.SetStatus(ctx, id, protocol.UpdateStatusRequest{Status: "active"})
	requireCode(t, err, CodeValidation, http.StatusBadRequest)

	m, err := h.batches.SetStatus(ctx, id, protocol.UpdateStatusRequest{Status: "Cancelled"})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCancelled, m.Status)

	_, err = h.batches.SetStatus(ctx, id, protocol.UpdateStatusRequest{Status: protocol.StatusSold})
	requireCode(t, err, CodeValidation, http.StatusConflict)
}

func TestHealthReportsDegradedLedger(t *testing.T) {
	h := newHarness(t, TransferConfig{})
	assert.Equal(t, "ok", h.batches.Health(context.Background()).Status)

	h.ledger.SetReadError(assert.AnError)
	health := h.batches.Health(context.Background())
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "unavailable", health.Ledger)
	assert.Equal(t, "ok", health.Store)
}

func TestNewBatchesRejectsBadPrefix(t *testing.T) {
	h := newHarness(t, TransferConfig{})
	_, err := NewBatches(BatchParams{Store: h.store, Ledger: h.ledger, Logger: discardLogger(), BatchIDPrefix: "K1"})
	assert.Error(t, err)
}
