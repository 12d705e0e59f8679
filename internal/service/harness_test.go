package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	provcrypto "github.com/akshatrathore1/Panacea-sub000/internal/crypto"
	"github.com/akshatrathore1/Panacea-sub000/internal/ledger"
	"github.com/akshatrathore1/Panacea-sub000/internal/lock"
	"github.com/akshatrathore1/Panacea-sub000/internal/otp"
	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
	"github.com/akshatrathore1/Panacea-sub000/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testWallet(t *testing.T) *provcrypto.Wallet {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return provcrypto.NewWallet(key)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	clock    *fakeClock
	store    *memory.Store
	ledger   *ledger.Memory
	locker   *lock.Local
	attempts *otp.MemoryStore

	batches   *BatchService
	reconcile *ReconcileService
	transfers *TransferService
	resync    *Resyncer

	farmer      *provcrypto.Wallet
	distributor *provcrypto.Wallet
	retailer    *provcrypto.Wallet
}

func newHarness(t *testing.T, cfg TransferConfig) *harness {
	t.Helper()
	return newHarnessWithAttempts(t, cfg, nil)
}

// newHarnessWithAttempts lets wrap decorate the attempt store seen by the
// transfer service; h.attempts stays the underlying store.
func newHarnessWithAttempts(t *testing.T, cfg TransferConfig, wrap func(otp.Store) otp.Store) *harness {
	t.Helper()
	h := &harness{
		clock:       &fakeClock{now: time.Now().UTC().Truncate(time.Millisecond)},
		store:       memory.New(),
		attempts:    otp.NewMemoryStore(),
		farmer:      testWallet(t),
		distributor: testWallet(t),
		retailer:    testWallet(t),
	}
	var attempts otp.Store = h.attempts
	if wrap != nil {
		attempts = wrap(h.attempts)
	}
	h.ledger = ledger.NewMemory().WithClock(h.clock.Now)
	h.locker = lock.NewLocal().WithClock(h.clock.Now)
	keys := provcrypto.NewKeyring(h.farmer, h.distributor, h.retailer)
	logger := discardLogger()

	var err error
	h.batches, err = NewBatches(BatchParams{
		Store:         h.store,
		Ledger:        h.ledger,
		Keys:          keys,
		BatchIDPrefix: protocol.DefaultBatchIDPrefix,
		Logger:        logger,
		Now:           h.clock.Now,
	})
	require.NoError(t, err)
	h.reconcile, err = NewReconcile(ReconcileParams{
		Store:  h.store,
		Ledger: h.ledger,
		Logger: logger,
		Now:    h.clock.Now,
	})
	require.NoError(t, err)
	h.transfers, err = NewTransfer(TransferParams{
		Store:      h.store,
		Ledger:     h.ledger,
		Keys:       keys,
		Locker:     h.locker,
		Attempts:   attempts,
		Reconciler: h.reconcile,
		Logger:     logger,
		Config:     cfg,
		Now:        h.clock.Now,
	})
	require.NoError(t, err)
	h.resync, err = NewResyncer(ResyncParams{
		Store:      h.store,
		Reconciler: h.reconcile,
		Logger:     logger,
		Now:        h.clock.Now,
	})
	require.NoError(t, err)
	return h
}

func wheatRequest(creator *provcrypto.Wallet, register bool) protocol.CreateBatchRequest {
	return protocol.CreateBatchRequest{
		CropType:         "Wheat",
		QuantityKg:       decimal.RequireFromString("1200.50"),
		QualityGrade:     "A",
		Origin:           "Delhi",
		HarvestDate:      protocol.StringPtr("2025-03-01"),
		Creator:          protocol.Party{Role: "farmer", Address: creator.Address()},
		RegisterOnLedger: register,
	}
}

// createBatch stores and anchors a wheat batch owned by the farmer.
func (h *harness) createBatch(t *testing.T) string {
	t.Helper()
	resp, err := h.batches.Create(context.Background(), wheatRequest(h.farmer, true))
	require.NoError(t, err)
	require.Empty(t, resp.Warning)
	require.NotNil(t, resp.Metadata.OnChainID)
	h.clock.Advance(time.Second)
	return resp.Metadata.BatchID
}

// transfer runs the full OTP handoff and returns the confirmation.
func (h *harness) transfer(t *testing.T, batchID string, to *provcrypto.Wallet, actor, recipient string) protocol.ConfirmTransferResponse {
	t.Helper()
	ctx := context.Background()
	issued, err := h.transfers.RequestOTP(ctx, batchID, protocol.RequestOTPRequest{ActorRole: actor, RecipientRole: recipient})
	require.NoError(t, err)
	resp, err := h.transfers.ConfirmTransfer(ctx, batchID, protocol.ConfirmTransferRequest{
		RecipientAddress: to.Address(),
		OTP:              issued.OTP,
		Note:             actor + " to " + recipient,
	})
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	return resp
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

// gatedAttempts parks the first RecordFailure call until release is closed.
type gatedAttempts struct {
	otp.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedAttempts() *gatedAttempts {
	return &gatedAttempts{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedAttempts) RecordFailure(ctx context.Context, batchID, attemptID string) (int, bool, error) {
	first := false
	g.once.Do(func() {
		first = true
		close(g.entered)
	})
	if first {
		<-g.release
	}
	return g.Store.RecordFailure(ctx, batchID, attemptID)
}
