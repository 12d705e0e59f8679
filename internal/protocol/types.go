package protocol

import (
	"time"

	"github.com/shopspring/decimal"
)

type CreateBatchRequest struct {
	BatchID          string           `json:"batchId,omitempty"`
	CropType         string           `json:"cropType"`
	Variety          *string          `json:"variety,omitempty"`
	QuantityKg       decimal.Decimal  `json:"quantityKg"`
	PricePerKg       *decimal.Decimal `json:"pricePerKg,omitempty"`
	QualityGrade     string           `json:"qualityGrade"`
	Origin           string           `json:"origin"`
	SowingDate       *string          `json:"sowingDate,omitempty"`
	HarvestDate      *string          `json:"harvestDate,omitempty"`
	Creator          Party            `json:"creator"`
	SourceProducer   *SourceProducer  `json:"sourceProducer,omitempty"`
	Media            []string         `json:"media,omitempty"`
	Attachments      []Attachment     `json:"attachments,omitempty"`
	RegisterOnLedger bool             `json:"registerOnLedger"`
}

type CreateBatchResponse struct {
	Metadata        BatchMetadata `json:"metadata"`
	MetadataHash    string        `json:"metadataHash"`
	TransactionHash string        `json:"transactionHash,omitempty"`
	Warning         string        `json:"warning,omitempty"`
}

type UpdateStatusRequest struct {
	Status string `json:"status"`
}

type RequestOTPRequest struct {
	ActorRole     string `json:"actorRole"`
	RecipientRole string `json:"recipientRole"`
}

type RequestOTPResponse struct {
	OTP       string    `json:"otp"`
	AttemptID string    `json:"attemptId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type ConfirmTransferRequest struct {
	RecipientAddress string `json:"recipientAddress"`
	OTP              string `json:"otp"`
	Note             string `json:"note"`
}

type ConfirmTransferResponse struct {
	TransactionHash   string `json:"transactionHash"`
	ProjectionUpdated bool   `json:"projectionUpdated"`
	Warning           string `json:"warning,omitempty"`
}

const (
	SourceMerged     = "merged"
	SourceLedger     = "ledger"
	SourceProjection = "projection"
)

// TimelineEntry is one ownership handoff in a traced batch. Ledger values win
// for from, to and timestamp; projection values supply the human context.
type TimelineEntry struct {
	From            *string   `json:"from"`
	To              string    `json:"to"`
	Timestamp       time.Time `json:"timestamp"`
	TransactionHash string    `json:"transactionHash,omitempty"`
	BlockNumber     uint64    `json:"blockNumber,omitempty"`
	ActorRole       string    `json:"actorRole,omitempty"`
	RecipientRole   string    `json:"recipientRole,omitempty"`
	Note            string    `json:"note,omitempty"`
	Source          string    `json:"source"`
	PendingSync     bool      `json:"pendingSync"`
}

type TraceView struct {
	BatchID        string                 `json:"batchId"`
	Found          bool                   `json:"found"`
	Metadata       *BatchMetadata         `json:"metadata"`
	MetadataHash   string                 `json:"metadataHash"`
	ComputedHash   string                 `json:"computedHash"`
	MetadataValid  bool                   `json:"metadataValid"`
	OnChainBatch   *OnChainBatch          `json:"onChainBatch"`
	OnChainHistory []OnChainTransferEvent `json:"onChainHistory"`
	Timeline       []TimelineEntry        `json:"timeline"`
	CurrentOwner   string                 `json:"currentOwner"`
	PendingSync    bool                   `json:"pendingSync"`
	Backfilled     int                    `json:"backfilled"`
}

type ListBatchesResponse struct {
	Batches []BatchMetadata `json:"batches"`
}

type HealthResponse struct {
	Service string    `json:"service"`
	Version string    `json:"version"`
	Status  string    `json:"status"`
	Store   string    `json:"store"`
	Ledger  string    `json:"ledger"`
	Time    time.Time `json:"time"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
