package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"golang.org/x/time/rate"

	provcrypto "github.com/akshatrathore1/Panacea-sub000/internal/crypto"
	"github.com/akshatrathore1/Panacea-sub000/internal/ledger"
	"github.com/akshatrathore1/Panacea-sub000/internal/lock"
	"github.com/akshatrathore1/Panacea-sub000/internal/otp"
	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
	"github.com/akshatrathore1/Panacea-sub000/internal/storage"
	"github.com/akshatrathore1/Panacea-sub000/internal/telemetry"
)

const (
	outcomeCommitted = "committed"
	outcomeRejected  = "rejected"
	outcomeUnknown   = "unknown"
	outcomeRecovered = "recovered"

	resyncOutcomeUnknown    = "ledger_outcome_unknown"
	resyncProjectionFailure = "projection_write_failed"
	resyncOwnerLag          = "projection_behind_ledger"
)

type TransferConfig struct {
	OTPTTL         time.Duration
	MaxOTPAttempts int
	// SubmitTimeout bounds a ledger submission once it has started. The
	// submission is not cancelled when the caller goes away.
	SubmitTimeout time.Duration
	// ConfirmRate and ConfirmBurst throttle confirmation calls per batch.
	ConfirmRate  rate.Limit
	ConfirmBurst int
}

func (c *TransferConfig) applyDefaults() {
	if c.OTPTTL <= 0 {
		c.OTPTTL = 5 * time.Minute
	}
	if c.MaxOTPAttempts <= 0 {
		c.MaxOTPAttempts = 5
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 2 * time.Minute
	}
	if c.ConfirmRate <= 0 {
		c.ConfirmRate = rate.Every(time.Second)
	}
	if c.ConfirmBurst <= 0 {
		c.ConfirmBurst = 5
	}
}

// TransferService runs the OTP-gated ownership handoff:
// Idle -> OtpIssued -> OtpConfirmed -> OnChainSubmitted -> ProjectionUpdated.
type TransferService struct {
	store      storage.Store
	ledger     ledger.Client
	keys       *provcrypto.Keyring
	locker     lock.Locker
	attempts   otp.Store
	reconciler *ReconcileService
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	cfg        TransferConfig
	now        func() time.Time

	mu        sync.Mutex
	throttles map[string]*rate.Limiter
}

type TransferParams struct {
	Store      storage.Store
	Ledger     ledger.Client
	Keys       *provcrypto.Keyring
	Locker     lock.Locker
	Attempts   otp.Store
	Reconciler *ReconcileService
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
	Config     TransferConfig
	Now        func() time.Time
}

func NewTransfer(params TransferParams) (*TransferService, error) {
	switch {
	case params.Store == nil:
		return nil, fmt.Errorf("store is required")
	case params.Ledger == nil:
		return nil, fmt.Errorf("ledger client is required")
	case params.Keys == nil:
		return nil, fmt.Errorf("keyring is required")
	case params.Locker == nil:
		return nil, fmt.Errorf("locker is required")
	case params.Attempts == nil:
		return nil, fmt.Errorf("otp store is required")
	case params.Reconciler == nil:
		return nil, fmt.Errorf("reconciler is required")
	case params.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	}
	params.Config.applyDefaults()
	if params.Now == nil {
		params.Now = time.Now
	}
	return &TransferService{
		store:      params.Store,
		ledger:     params.Ledger,
		keys:       params.Keys,
		locker:     params.Locker,
		attempts:   params.Attempts,
		reconciler: params.Reconciler,
		metrics:    params.Metrics,
		logger:     params.Logger,
		cfg:        params.Config,
		now:        params.Now,
		throttles:  map[string]*rate.Limiter{},
	}, nil
}

// RequestOTP opens a transfer attempt and takes the batch lease until the
// attempt ends or its OTP expires.
func (s *TransferService) RequestOTP(ctx context.Context, batchID string, req protocol.RequestOTPRequest) (protocol.RequestOTPResponse, error) {
	if !protocol.ValidateBatchID(batchID) {
		return protocol.RequestOTPResponse{}, validation("batchId is malformed")
	}
	if strings.TrimSpace(req.ActorRole) == "" || strings.TrimSpace(req.RecipientRole) == "" {
		return protocol.RequestOTPResponse{}, validation("actorRole and recipientRole are required")
	}
	m, err := s.loadBatch(ctx, batchID)
	if err != nil {
		return protocol.RequestOTPResponse{}, err
	}
	if m.Status != protocol.StatusActive {
		return protocol.RequestOTPResponse{}, NewAppError(http.StatusConflict, CodeValidation, "batch is "+m.Status, false, nil)
	}

	lease, err := s.locker.Acquire(ctx, batchID, s.cfg.OTPTTL)
	if errors.Is(err, lock.ErrHeld) {
		return protocol.RequestOTPResponse{}, NewAppError(http.StatusConflict, CodeTransferInProgress, "another transfer is in progress for this batch", true, nil)
	}
	if err != nil {
		return protocol.RequestOTPResponse{}, storeUnavailable("acquire batch lease", err)
	}

	code, err := otp.Generate()
	if err != nil {
		s.release(lease)
		return protocol.RequestOTPResponse{}, Internal("generate otp", err)
	}
	now := s.now().UTC()
	attempt := otp.Attempt{
		AttemptID:     uuid.NewString(),
		BatchID:       batchID,
		ActorRole:     req.ActorRole,
		RecipientRole: req.RecipientRole,
		Lease:         lease,
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.cfg.OTPTTL),
	}
	attempt.CodeHash = otp.HashCode(attempt.AttemptID, code)
	if err := s.attempts.Put(ctx, attempt); err != nil {
		s.release(lease)
		return protocol.RequestOTPResponse{}, storeUnavailable("store transfer attempt", err)
	}
	s.logger.Info("transfer otp issued",
		slog.String("batch_id", batchID),
		slog.String("attempt_id", attempt.AttemptID),
		slog.Time("expires_at", attempt.ExpiresAt),
	)
	return protocol.RequestOTPResponse{OTP: code, AttemptID: attempt.AttemptID, ExpiresAt: attempt.ExpiresAt}, nil
}

// ConfirmTransfer checks the OTP, submits the transfer to the ledger once and
// then records it in the projection. A projection failure after a committed
// ledger write is reported as a warning, not an error.
func (s *TransferService) ConfirmTransfer(ctx context.Context, batchID string, req protocol.ConfirmTransferRequest) (protocol.ConfirmTransferResponse, error) {
	if !protocol.ValidateBatchID(batchID) {
		return protocol.ConfirmTransferResponse{}, validation("batchId is malformed")
	}
	attempt, found, err := s.attempts.Get(ctx, batchID)
	if err != nil {
		return protocol.ConfirmTransferResponse{}, storeUnavailable("load transfer attempt", err)
	}
	if !found {
		return protocol.ConfirmTransferResponse{}, NewAppError(http.StatusConflict, CodeOTPNotIssued, "no otp has been issued for this batch", false, nil)
	}
	if !s.throttle(batchID).Allow() {
		return protocol.ConfirmTransferResponse{}, NewAppError(http.StatusTooManyRequests, CodeRateLimited, "too many confirmation attempts", true, nil)
	}
	if attempt.Expired(s.now()) {
		s.abandon(attempt)
		return protocol.ConfirmTransferResponse{}, NewAppError(http.StatusConflict, CodeOTPExpired, "otp has expired", false, nil)
	}
	if !attempt.Matches(strings.TrimSpace(req.OTP)) {
		return protocol.ConfirmTransferResponse{}, s.recordMismatch(ctx, attempt)
	}

	recipient, ok := protocol.NormalizeAddress(req.RecipientAddress)
	if !ok {
		return protocol.ConfirmTransferResponse{}, NewAppError(http.StatusBadRequest, CodeInvalidRecipient, "recipientAddress must be a 20-byte hex address", false, nil)
	}
	m, err := s.loadBatch(ctx, batchID)
	if err != nil {
		return protocol.ConfirmTransferResponse{}, err
	}
	if m.OnChainID == nil || *m.OnChainID == "" {
		if protocol.SameAddress(recipient, m.CurrentOwner) {
			return protocol.ConfirmTransferResponse{}, NewAppError(http.StatusBadRequest, CodeInvalidRecipient, "recipient already owns this batch", false, nil)
		}
		s.abandon(attempt)
		return protocol.ConfirmTransferResponse{}, NewAppError(http.StatusConflict, CodeMissingBatchID, "batch is not registered on the ledger", false, nil)
	}

	owner, m, err := s.authoritativeOwner(ctx, m)
	if err != nil {
		return protocol.ConfirmTransferResponse{}, err
	}
	if protocol.SameAddress(recipient, owner) {
		return protocol.ConfirmTransferResponse{}, NewAppError(http.StatusBadRequest, CodeInvalidRecipient, "recipient already owns this batch", false, nil)
	}
	signer, ok := s.keys.Lookup(owner)
	if !ok {
		s.abandon(attempt)
		return protocol.ConfirmTransferResponse{}, ledgerRejected("no signing key for the current owner", nil)
	}
	info, err := transferInfo(protocol.TransferInfo{
		OTP:           strings.TrimSpace(req.OTP),
		ActorRole:     attempt.ActorRole,
		RecipientRole: attempt.RecipientRole,
		Note:          req.Note,
	})
	if err != nil {
		return protocol.ConfirmTransferResponse{}, Internal("encode transfer info", err)
	}

	consumed, err := s.attempts.Delete(ctx, batchID, attempt.AttemptID)
	if err != nil {
		return protocol.ConfirmTransferResponse{}, storeUnavailable("consume otp", err)
	}
	if !consumed {
		return protocol.ConfirmTransferResponse{}, NewAppError(http.StatusConflict, CodeOTPNotIssued, "otp was already used", false, nil)
	}
	lease, err := s.locker.Extend(ctx, attempt.Lease, s.cfg.SubmitTimeout+time.Minute)
	if err != nil {
		s.release(attempt.Lease)
		return protocol.ConfirmTransferResponse{}, NewAppError(http.StatusConflict, CodeTransferInProgress, "batch lease lapsed before submission", true, err)
	}
	defer s.release(lease)

	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SubmitTimeout)
	defer cancel()
	started := time.Now()
	result, err := s.ledger.SubmitTransfer(submitCtx, ledger.SubmitRequest{
		BatchID:        *m.OnChainID,
		To:             recipient,
		AdditionalInfo: info,
		Signer:         signer,
	})
	s.metrics.ObserveLedger(ctx, "submit_transfer", started, err)
	if err != nil {
		if errors.Is(err, ledger.ErrRejected) {
			s.metrics.TransferOutcome(ctx, outcomeRejected)
			s.logger.Warn("ledger rejected transfer",
				slog.String("batch_id", batchID),
				slog.String("error", err.Error()),
			)
			return protocol.ConfirmTransferResponse{}, ledgerRejected("ledger rejected the transfer", err)
		}
		recovered, found := s.findCommitted(submitCtx, *m.OnChainID, recipient, info)
		if !found {
			s.metrics.TransferOutcome(ctx, outcomeUnknown)
			s.logger.Error("transfer outcome unknown",
				slog.String("batch_id", batchID),
				slog.String("error", err.Error()),
			)
			s.enqueueResync(submitCtx, batchID, resyncOutcomeUnknown)
			return protocol.ConfirmTransferResponse{}, ledgerUnavailable("ledger outcome unknown; the batch will be reconciled", err)
		}
		s.metrics.TransferOutcome(ctx, outcomeRecovered)
		result = recovered
	} else {
		s.metrics.TransferOutcome(ctx, outcomeCommitted)
	}

	ev := protocol.OwnershipEvent{
		From:            protocol.StringPtr(owner),
		To:              recipient,
		ActorRole:       attempt.ActorRole,
		RecipientRole:   attempt.RecipientRole,
		Note:            req.Note,
		OTP:             strings.TrimSpace(req.OTP),
		TransactionHash: result.TransactionHash,
		Timestamp:       s.now(),
	}
	resp := protocol.ConfirmTransferResponse{TransactionHash: result.TransactionHash, ProjectionUpdated: true}
	if _, err := s.store.AppendOwnershipEvent(submitCtx, batchID, ev); err != nil {
		s.metrics.ProjectionWriteFailed(ctx)
		s.logger.Error("projection write failed after ledger commit",
			slog.String("batch_id", batchID),
			slog.String("transaction_hash", result.TransactionHash),
			slog.String("error", err.Error()),
		)
		s.enqueueResync(submitCtx, batchID, resyncProjectionFailure)
		resp.ProjectionUpdated = false
		resp.Warning = CodeProjectionFailed
		return resp, nil
	}
	s.logger.Info("batch transferred",
		slog.String("batch_id", batchID),
		slog.String("from", owner),
		slog.String("to", recipient),
		slog.String("transaction_hash", result.TransactionHash),
	)
	return resp, nil
}

func (s *TransferService) loadBatch(ctx context.Context, batchID string) (protocol.BatchMetadata, error) {
	m, found, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return protocol.BatchMetadata{}, storeUnavailable("load batch", err)
	}
	if !found {
		return protocol.BatchMetadata{}, NewAppError(http.StatusNotFound, CodeBatchNotFound, "batch not found", false, nil)
	}
	return m, nil
}

// authoritativeOwner reads the owner from the ledger. When the projection
// lags behind it is backfilled first so the new event extends a complete
// history; if that does not bring it level the confirmation stops here,
// before the otp is consumed, and the batch is queued for resync.
func (s *TransferService) authoritativeOwner(ctx context.Context, m protocol.BatchMetadata) (string, protocol.BatchMetadata, error) {
	chainBatch, err := s.ledger.ReadBatch(ctx, *m.OnChainID)
	if err != nil {
		return "", m, ledgerUnavailable("read on-chain owner", err)
	}
	if chainBatch == nil {
		return "", m, ledgerRejected("batch is not registered on the ledger", nil)
	}
	owner := strings.ToLower(chainBatch.CurrentOwner)
	if protocol.SameAddress(owner, m.CurrentOwner) {
		return owner, m, nil
	}
	if _, err := s.reconciler.Backfill(ctx, m.BatchID); err != nil {
		s.logger.Warn("backfill before transfer failed",
			slog.String("batch_id", m.BatchID),
			slog.String("error", err.Error()),
		)
		s.enqueueResync(ctx, m.BatchID, resyncOwnerLag)
		var appErr *AppError
		if errors.As(err, &appErr) {
			return "", m, appErr
		}
		return "", m, storeUnavailable("projection is behind the ledger; retry shortly", err)
	}

	projected, found, err := s.store.CurrentOwner(ctx, m.BatchID)
	if err != nil {
		return "", m, storeUnavailable("load current owner", err)
	}
	if !found {
		return "", m, NewAppError(http.StatusNotFound, CodeBatchNotFound, "batch not found", false, nil)
	}
	history, err := s.store.ListOwnershipEvents(ctx, m.BatchID)
	if err != nil {
		return "", m, storeUnavailable("load ownership history", err)
	}
	chainErr := protocol.ValidateOwnershipChain(history)
	if !protocol.SameAddress(projected, owner) || chainErr != nil {
		s.logger.Warn("projection still disagrees with ledger owner",
			slog.String("batch_id", m.BatchID),
			slog.String("ledger_owner", owner),
			slog.String("projected_owner", projected),
		)
		s.enqueueResync(ctx, m.BatchID, resyncOwnerLag)
		return "", m, storeUnavailable("projection is behind the ledger; retry shortly", chainErr)
	}
	m.CurrentOwner = projected
	m.OwnershipHistory = history
	return owner, m, nil
}

// findCommitted looks for a transfer carrying info in the ledger history.
// info embeds the single-use OTP, so a match identifies this attempt.
func (s *TransferService) findCommitted(ctx context.Context, onChainID, recipient, info string) (ledger.SubmitResult, bool) {
	history, err := s.ledger.ReadHistory(ctx, onChainID)
	if err != nil {
		return ledger.SubmitResult{}, false
	}
	for i := len(history) - 1; i >= 0; i-- {
		ev := history[i]
		if protocol.SameAddress(ev.To, recipient) && ev.AdditionalInfo == info {
			return ledger.SubmitResult{TransactionHash: ev.TransactionHash, BlockNumber: ev.BlockNumber}, true
		}
	}
	return ledger.SubmitResult{}, false
}

func (s *TransferService) recordMismatch(ctx context.Context, attempt otp.Attempt) error {
	failures, ok, err := s.attempts.RecordFailure(ctx, attempt.BatchID, attempt.AttemptID)
	if err != nil {
		return storeUnavailable("record otp failure", err)
	}
	if !ok {
		return NewAppError(http.StatusConflict, CodeOTPNotIssued, "otp was already used or replaced", false, nil)
	}
	if failures >= s.cfg.MaxOTPAttempts {
		s.abandon(attempt)
		s.logger.Warn("transfer attempt exhausted",
			slog.String("batch_id", attempt.BatchID),
			slog.String("attempt_id", attempt.AttemptID),
		)
		return NewAppError(http.StatusConflict, CodeOTPExhausted, "too many wrong otp entries; request a new otp", false, nil)
	}
	return NewAppError(http.StatusBadRequest, CodeOTPMismatch, "otp does not match", false, nil)
}

// abandon ends an attempt before submission and frees the batch. An attempt
// already consumed belongs to the confirmation holding the lease, which is
// left alone.
func (s *TransferService) abandon(attempt otp.Attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	deleted, err := s.attempts.Delete(ctx, attempt.BatchID, attempt.AttemptID)
	if err != nil {
		s.logger.Warn("drop transfer attempt failed",
			slog.String("batch_id", attempt.BatchID),
			slog.String("error", err.Error()),
		)
	} else if !deleted {
		return
	}
	s.release(attempt.Lease)
}

func (s *TransferService) release(lease lock.Lease) {
	s.mu.Lock()
	delete(s.throttles, lease.Key)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.locker.Release(ctx, lease); err != nil {
		s.logger.Warn("release batch lease failed",
			slog.String("batch_id", lease.Key),
			slog.String("error", err.Error()),
		)
	}
}

func (s *TransferService) enqueueResync(ctx context.Context, batchID, reason string) {
	if err := s.store.EnqueueResync(ctx, batchID, reason); err != nil {
		s.logger.Error("enqueue resync failed",
			slog.String("batch_id", batchID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}
}

func (s *TransferService) throttle(batchID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.throttles[batchID]
	if !ok {
		l = rate.NewLimiter(s.cfg.ConfirmRate, s.cfg.ConfirmBurst)
		s.throttles[batchID] = l
	}
	return l
}

// transferInfo renders the additionalInfo payload as RFC 8785 JSON.
func transferInfo(info protocol.TransferInfo) (string, error) {
	raw, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	return string(canon), nil
}
