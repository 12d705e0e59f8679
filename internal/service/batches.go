package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	provcrypto "github.com/akshatrathore1/Panacea-sub000/internal/crypto"
	"github.com/akshatrathore1/Panacea-sub000/internal/ledger"
	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
	"github.com/akshatrathore1/Panacea-sub000/internal/storage"
	"github.com/akshatrathore1/Panacea-sub000/internal/telemetry"
)

const (
	WarningLedgerSignerMissing = "LEDGER_SIGNER_MISSING"
	WarningLedgerRegistration  = "LEDGER_REGISTRATION_FAILED"

	defaultListLimit = 100
	maxListLimit     = 500
)

type BatchService struct {
	store   storage.Store
	ledger  ledger.Client
	keys    *provcrypto.Keyring
	codec   protocol.BatchIDCodec
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time
	service string
	version string
}

type BatchParams struct {
	Store         storage.Store
	Ledger        ledger.Client
	Keys          *provcrypto.Keyring
	BatchIDPrefix string
	Metrics       *telemetry.Metrics
	Logger        *slog.Logger
	Now           func() time.Time
	ServiceName   string
	Version       string
}

func NewBatches(params BatchParams) (*BatchService, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger client is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if params.Keys == nil {
		params.Keys = provcrypto.NewKeyring()
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	if params.ServiceName == "" {
		params.ServiceName = "provenance-api"
	}
	if params.Version == "" {
		params.Version = "dev"
	}
	prefix := strings.ToUpper(strings.TrimSpace(params.BatchIDPrefix))
	if !protocol.ValidBatchIDPrefix(prefix) {
		return nil, fmt.Errorf("batch id prefix %q must be 2-4 uppercase letters", params.BatchIDPrefix)
	}
	codec := protocol.NewBatchIDCodec(prefix)
	codec.Now = params.Now
	return &BatchService{
		store:   params.Store,
		ledger:  params.Ledger,
		keys:    params.Keys,
		codec:   codec,
		metrics: params.Metrics,
		logger:  params.Logger,
		now:     params.Now,
		service: params.ServiceName,
		version: params.Version,
	}, nil
}

// Create stores a new batch with its digest and batch_created event, and
// anchors it on the ledger when asked. A failed anchor leaves the batch
// stored without an on-chain id and is reported as a warning.
func (s *BatchService) Create(ctx context.Context, req protocol.CreateBatchRequest) (protocol.CreateBatchResponse, error) {
	m, err := s.buildMetadata(req)
	if err != nil {
		return protocol.CreateBatchResponse{}, err
	}
	if err := s.store.CreateBatch(ctx, m); err != nil {
		if errors.Is(err, storage.ErrBatchExists) {
			return protocol.CreateBatchResponse{}, NewAppError(http.StatusConflict, CodeBatchExists, "batch id already exists", false, err)
		}
		return protocol.CreateBatchResponse{}, storeUnavailable("create batch", err)
	}
	s.logger.Info("batch created",
		slog.String("batch_id", m.BatchID),
		slog.String("metadata_hash", m.MetadataHash),
		slog.String("creator", m.Creator.Address),
	)
	resp := protocol.CreateBatchResponse{Metadata: m, MetadataHash: m.MetadataHash}
	if !req.RegisterOnLedger {
		return resp, nil
	}
	reg, err := s.Register(ctx, m.BatchID)
	switch {
	case err == nil:
		resp.Metadata = reg.Metadata
		resp.TransactionHash = reg.TransactionHash
	case IsCode(err, CodeLedgerRejected) && reg.Warning == WarningLedgerSignerMissing:
		resp.Warning = WarningLedgerSignerMissing
	default:
		resp.Warning = WarningLedgerRegistration
	}
	return resp, nil
}

// Register anchors an existing batch on the ledger under its own id. A
// batch already anchored with the same digest is adopted.
func (s *BatchService) Register(ctx context.Context, batchID string) (protocol.CreateBatchResponse, error) {
	if !protocol.ValidateBatchID(batchID) {
		return protocol.CreateBatchResponse{}, validation("batchId is malformed")
	}
	m, found, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return protocol.CreateBatchResponse{}, storeUnavailable("load batch", err)
	}
	if !found {
		return protocol.CreateBatchResponse{}, NewAppError(http.StatusNotFound, CodeBatchNotFound, "batch not found", false, nil)
	}
	resp := protocol.CreateBatchResponse{Metadata: m, MetadataHash: m.MetadataHash}
	if m.OnChainID != nil && *m.OnChainID != "" {
		return resp, nil
	}
	signer, ok := s.keys.Lookup(m.CurrentOwner)
	if !ok {
		resp.Warning = WarningLedgerSignerMissing
		return resp, ledgerRejected("no signing key for the batch owner", nil)
	}
	started := time.Now()
	result, err := s.ledger.RegisterBatch(ctx, ledger.RegisterRequest{
		BatchID:      m.BatchID,
		Origin:       m.Origin,
		MetadataHash: m.MetadataHash,
		CreatedAt:    m.CreatedAt,
		Signer:       signer,
	})
	s.metrics.ObserveLedger(ctx, "register_batch", started, err)
	if err != nil {
		existing, rerr := s.ledger.ReadBatch(ctx, m.BatchID)
		if rerr != nil || existing == nil || !protocol.EqualDigest(existing.MetadataHash, m.MetadataHash) {
			s.logger.Error("ledger registration failed",
				slog.String("batch_id", m.BatchID),
				slog.String("error", err.Error()),
			)
			if errors.Is(err, ledger.ErrRejected) {
				return resp, ledgerRejected("ledger rejected the registration", err)
			}
			return resp, ledgerUnavailable("register batch on ledger", err)
		}
	}
	if err := s.store.SetOnChainID(ctx, m.BatchID, m.BatchID); err != nil {
		return resp, storeUnavailable("record on-chain id", err)
	}
	m.OnChainID = protocol.StringPtr(m.BatchID)
	resp.Metadata = m
	resp.TransactionHash = result.TransactionHash
	return resp, nil
}

func (s *BatchService) buildMetadata(req protocol.CreateBatchRequest) (protocol.BatchMetadata, error) {
	if strings.TrimSpace(req.CropType) == "" {
		return protocol.BatchMetadata{}, validation("cropType is required")
	}
	if strings.TrimSpace(req.Origin) == "" {
		return protocol.BatchMetadata{}, validation("origin is required")
	}
	if strings.TrimSpace(req.QualityGrade) == "" {
		return protocol.BatchMetadata{}, validation("qualityGrade is required")
	}
	if !req.QuantityKg.IsPositive() {
		return protocol.BatchMetadata{}, validation("quantityKg must be positive")
	}
	if req.PricePerKg != nil && req.PricePerKg.IsNegative() {
		return protocol.BatchMetadata{}, validation("pricePerKg must not be negative")
	}
	if strings.TrimSpace(req.Creator.Role) == "" {
		return protocol.BatchMetadata{}, validation("creator.role is required")
	}
	creator, ok := protocol.NormalizeAddress(req.Creator.Address)
	if !ok {
		return protocol.BatchMetadata{}, validation("creator.address must be a 20-byte hex address")
	}
	for name, d := range map[string]*string{"sowingDate": req.SowingDate, "harvestDate": req.HarvestDate} {
		if d == nil {
			continue
		}
		if _, err := time.Parse(time.DateOnly, *d); err != nil {
			return protocol.BatchMetadata{}, validation(name + " must be YYYY-MM-DD")
		}
	}
	var producer *protocol.SourceProducer
	if req.SourceProducer != nil {
		addr, ok := protocol.NormalizeAddress(req.SourceProducer.Address)
		if !ok {
			return protocol.BatchMetadata{}, validation("sourceProducer.address must be a 20-byte hex address")
		}
		p := *req.SourceProducer
		p.Address = addr
		producer = &p
	}

	batchID := strings.TrimSpace(req.BatchID)
	if batchID == "" {
		batchID = s.codec.Generate(req.CropType, req.Origin)
	} else if !protocol.ValidateBatchID(batchID) {
		return protocol.BatchMetadata{}, validation("batchId is malformed")
	}

	now := protocol.NormalizeTime(s.now())
	media := req.Media
	if media == nil {
		media = []string{}
	}
	attachments := req.Attachments
	if attachments == nil {
		attachments = []protocol.Attachment{}
	}
	m := protocol.BatchMetadata{
		SchemaVersion:  protocol.MetadataSchemaVersion,
		BatchID:        batchID,
		CropType:       strings.TrimSpace(req.CropType),
		Variety:        req.Variety,
		QuantityKg:     req.QuantityKg,
		PricePerKg:     req.PricePerKg,
		QualityGrade:   strings.TrimSpace(req.QualityGrade),
		Origin:         strings.TrimSpace(req.Origin),
		SowingDate:     req.SowingDate,
		HarvestDate:    req.HarvestDate,
		Creator:        protocol.Party{Role: req.Creator.Role, Address: creator, Phone: req.Creator.Phone},
		SourceProducer: producer,
		Media:          media,
		Attachments:    attachments,
		Version:        1,
		CreatedAt:      now,
		Status:         protocol.StatusActive,
		CurrentOwner:   creator,
		OwnershipHistory: []protocol.OwnershipEvent{{
			To:            creator,
			ActorRole:     req.Creator.Role,
			RecipientRole: req.Creator.Role,
			Note:          protocol.NoteBatchCreated,
			Timestamp:     now,
		}},
		UpdatedAt: now,
	}
	digest, err := protocol.MetadataDigest(m)
	if err != nil {
		return protocol.BatchMetadata{}, Internal("hash batch metadata", err)
	}
	m.MetadataHash = digest
	return m, nil
}

func (s *BatchService) ListByOwner(ctx context.Context, owner string, limit int) (protocol.ListBatchesResponse, error) {
	addr, ok := protocol.NormalizeAddress(owner)
	if !ok {
		return protocol.ListBatchesResponse{}, validation("owner must be a 20-byte hex address")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	batches, err := s.store.ListByOwner(ctx, addr, limit)
	if err != nil {
		return protocol.ListBatchesResponse{}, storeUnavailable("list batches", err)
	}
	if batches == nil {
		batches = []protocol.BatchMetadata{}
	}
	return protocol.ListBatchesResponse{Batches: batches}, nil
}

// SetStatus moves an active batch to a terminal status. History and hashed
// fields are left alone.
func (s *BatchService) SetStatus(ctx context.Context, batchID string, req protocol.UpdateStatusRequest) (protocol.BatchMetadata, error) {
	if !protocol.ValidateBatchID(batchID) {
		return protocol.BatchMetadata{}, validation("batchId is malformed")
	}
	status := strings.ToLower(strings.TrimSpace(req.Status))
	if status != protocol.StatusSold && status != protocol.StatusCancelled {
		return protocol.BatchMetadata{}, validation("status must be sold or cancelled")
	}
	m, found, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return protocol.BatchMetadata{}, storeUnavailable("load batch", err)
	}
	if !found {
		return protocol.BatchMetadata{}, NewAppError(http.StatusNotFound, CodeBatchNotFound, "batch not found", false, nil)
	}
	if m.Status != protocol.StatusActive {
		return protocol.BatchMetadata{}, NewAppError(http.StatusConflict, CodeValidation, "batch is already "+m.Status, false, nil)
	}
	if err := s.store.SetStatus(ctx, batchID, status); err != nil {
		return protocol.BatchMetadata{}, storeUnavailable("set batch status", err)
	}
	m.Status = status
	s.logger.Info("batch status changed", slog.String("batch_id", batchID), slog.String("status", status))
	return m, nil
}

func (s *BatchService) Health(ctx context.Context) protocol.HealthResponse {
	out := protocol.HealthResponse{
		Service: s.service,
		Version: s.version,
		Status:  "ok",
		Store:   "ok",
		Ledger:  "ok",
		Time:    s.now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		out.Status = "degraded"
		out.Store = "unavailable"
	}
	if err := s.ledger.Ping(ctx); err != nil {
		out.Status = "degraded"
		out.Ledger = "unavailable"
	}
	return out
}
