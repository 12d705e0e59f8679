package protocol

import (
	"encoding/json"
	"time"
)

const (
	LedgerEventRegister = "batch_registered"
	LedgerEventTransfer = "batch_transferred"
)

// LedgerRegisterRequest anchors a batch on the reference ledger node.
// Signature is a secp256k1 signature by Owner over SigningDigest.
type LedgerRegisterRequest struct {
	RequestID    string    `json:"request_id"`
	BatchID      string    `json:"batch_id"`
	Owner        string    `json:"owner"`
	Origin       string    `json:"origin"`
	MetadataHash string    `json:"metadata_hash"`
	CreatedAt    time.Time `json:"created_at"`
	Signature    string    `json:"signature"`
}

// LedgerTransferRequest moves a batch from From to To. Signature is a
// secp256k1 signature by From over SigningDigest.
type LedgerTransferRequest struct {
	RequestID      string `json:"request_id"`
	BatchID        string `json:"batch_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	AdditionalInfo string `json:"additional_info"`
	Signature      string `json:"signature"`
}

// SigningDigest is the digest a wallet signs for a register request.
func (r LedgerRegisterRequest) SigningDigest() (string, error) {
	unsigned := r
	unsigned.Signature = ""
	unsigned.CreatedAt = NormalizeTime(r.CreatedAt)
	return HashCanonical(unsigned)
}

// SigningDigest is the digest a wallet signs for a transfer request.
func (r LedgerTransferRequest) SigningDigest() (string, error) {
	unsigned := r
	unsigned.Signature = ""
	return HashCanonical(unsigned)
}

type LedgerAck struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Sig string `json:"sig"`
}

type LedgerAppendResponse struct {
	EntryIndex      int64     `json:"entry_index"`
	EntryHash       string    `json:"entry_hash"`
	TransactionHash string    `json:"transaction_hash"`
	RecordedAt      time.Time `json:"recorded_at"`
	Ack             LedgerAck `json:"ack"`
}

// LedgerAckPayload is the canonical body signed by a node acknowledgement.
type LedgerAckPayload struct {
	EntryIndex      int64     `json:"entry_index"`
	EntryHash       string    `json:"entry_hash"`
	TransactionHash string    `json:"transaction_hash"`
	RequestID       string    `json:"request_id"`
	RecordedAt      time.Time `json:"recorded_at"`
	KeyID           string    `json:"kid"`
}

type LedgerEntry struct {
	EntryIndex   int64           `json:"entry_index"`
	EntryHash    string          `json:"entry_hash"`
	PreviousHash string          `json:"previous_hash,omitempty"`
	RequestID    string          `json:"request_id"`
	BatchID      string          `json:"batch_id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	RecordedAt   time.Time       `json:"recorded_at"`
}

// LedgerTransferPayload is stored as the payload of a transfer entry.
type LedgerTransferPayload struct {
	From           string `json:"from"`
	To             string `json:"to"`
	AdditionalInfo string `json:"additional_info"`
}

type LedgerBatchState struct {
	BatchID      string    `json:"batch_id"`
	CurrentOwner string    `json:"current_owner"`
	Origin       string    `json:"origin"`
	MetadataHash string    `json:"metadata_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

type LedgerHistoryResponse struct {
	BatchID string                 `json:"batch_id"`
	Events  []OnChainTransferEvent `json:"events"`
}

// LedgerEntryHash chains entry to previousHash. The payload enters through its
// canonical digest so that JSONB key reordering cannot change the hash.
func LedgerEntryHash(entry LedgerEntry, previousHash string) (string, error) {
	payloadCanon, err := CanonicalizeJSON(entry.Payload)
	if err != nil {
		return "", err
	}
	return HashCanonical(struct {
		RequestID    string    `json:"request_id"`
		BatchID      string    `json:"batch_id"`
		EventType    string    `json:"event_type"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
		RecordedAt   time.Time `json:"recorded_at"`
	}{
		RequestID:    entry.RequestID,
		BatchID:      entry.BatchID,
		EventType:    entry.EventType,
		PayloadHash:  Digest(payloadCanon),
		PreviousHash: previousHash,
		RecordedAt:   NormalizeTime(entry.RecordedAt),
	})
}
