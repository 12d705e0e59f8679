package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	MetadataSchemaVersion = 1

	NoteBatchCreated   = "batch_created"
	NoteLedgerBackfill = "ledger_backfill"

	StatusActive    = "active"
	StatusSold      = "sold"
	StatusCancelled = "cancelled"
)

type Party struct {
	Role    string  `json:"role"`
	Address string  `json:"address"`
	Phone   *string `json:"phone"`
}

// SourceProducer is set when an intermediary registers a batch on a farmer's behalf.
type SourceProducer struct {
	Address string  `json:"address"`
	Name    *string `json:"name"`
	Phone   *string `json:"phone"`
}

type Attachment struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
	Kind string `json:"kind"`
}

// BatchMetadata is the stored document for one batch. Fields outside the hash
// view (owner, history, status and bookkeeping) change after creation; all
// other fields are write-once.
type BatchMetadata struct {
	SchemaVersion  int              `json:"schemaVersion"`
	BatchID        string           `json:"batchId"`
	CropType       string           `json:"cropType"`
	Variety        *string          `json:"variety"`
	QuantityKg     decimal.Decimal  `json:"quantityKg"`
	PricePerKg     *decimal.Decimal `json:"pricePerKg"`
	QualityGrade   string           `json:"qualityGrade"`
	Origin         string           `json:"origin"`
	SowingDate     *string          `json:"sowingDate"`
	HarvestDate    *string          `json:"harvestDate"`
	Creator        Party            `json:"creator"`
	SourceProducer *SourceProducer  `json:"sourceProducer"`
	Media          []string         `json:"media"`
	Attachments    []Attachment     `json:"attachments"`
	Version        int              `json:"version"`
	CreatedAt      time.Time        `json:"createdAt"`

	Status           string           `json:"status"`
	CurrentOwner     string           `json:"currentOwner"`
	OwnershipHistory []OwnershipEvent `json:"ownershipHistory"`
	LastTransferAt   *time.Time       `json:"lastTransferAt"`
	OnChainID        *string          `json:"onChainId"`
	MetadataHash     string           `json:"metadataHash"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

type metadataHashView struct {
	SchemaVersion  int              `json:"schemaVersion"`
	BatchID        string           `json:"batchId"`
	CropType       string           `json:"cropType"`
	Variety        *string          `json:"variety"`
	QuantityKg     decimal.Decimal  `json:"quantityKg"`
	PricePerKg     *decimal.Decimal `json:"pricePerKg"`
	QualityGrade   string           `json:"qualityGrade"`
	Origin         string           `json:"origin"`
	SowingDate     *string          `json:"sowingDate"`
	HarvestDate    *string          `json:"harvestDate"`
	Creator        Party            `json:"creator"`
	SourceProducer *SourceProducer  `json:"sourceProducer"`
	Media          []string         `json:"media"`
	Attachments    []Attachment     `json:"attachments"`
	Version        int              `json:"version"`
	CreatedAt      string           `json:"createdAt"`
}

// HashView returns the subset of m covered by its digest.
func (m BatchMetadata) HashView() any {
	media := m.Media
	if media == nil {
		media = []string{}
	}
	attachments := m.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}
	return metadataHashView{
		SchemaVersion:  m.SchemaVersion,
		BatchID:        m.BatchID,
		CropType:       m.CropType,
		Variety:        m.Variety,
		QuantityKg:     m.QuantityKg,
		PricePerKg:     m.PricePerKg,
		QualityGrade:   m.QualityGrade,
		Origin:         m.Origin,
		SowingDate:     m.SowingDate,
		HarvestDate:    m.HarvestDate,
		Creator:        m.Creator,
		SourceProducer: m.SourceProducer,
		Media:          media,
		Attachments:    attachments,
		Version:        m.Version,
		CreatedAt:      FormatTimestamp(m.CreatedAt),
	}
}

// OwnershipEvent is one entry in a batch's off-chain ownership history.
// From is nil only for the batch_created event.
type OwnershipEvent struct {
	From            *string   `json:"from"`
	To              string    `json:"to"`
	ActorRole       string    `json:"actorRole"`
	RecipientRole   string    `json:"recipientRole"`
	Note            string    `json:"note"`
	OTP             string    `json:"otp"`
	TransactionHash string    `json:"transactionHash"`
	Timestamp       time.Time `json:"timestamp"`
}

// DedupKey identifies retried writes of the same event.
func (e OwnershipEvent) DedupKey() string {
	return strings.ToLower(e.To) + "|" + FormatTimestamp(e.Timestamp) + "|" + strings.ToLower(e.TransactionHash)
}

// SameRecord reports whether e and o record the same handoff. A ledger
// transaction is recorded once whatever timestamp each writer attached to it.
func (e OwnershipEvent) SameRecord(o OwnershipEvent) bool {
	if e.TransactionHash != "" && o.TransactionHash != "" {
		return strings.EqualFold(e.TransactionHash, o.TransactionHash)
	}
	return e.DedupKey() == o.DedupKey()
}

// ValidateOwnershipChain checks that events start with a batch_created event
// from nil and that each handoff starts where the previous one ended.
func ValidateOwnershipChain(events []OwnershipEvent) error {
	if len(events) == 0 {
		return fmt.Errorf("ownership history is empty")
	}
	if events[0].From != nil || events[0].Note != NoteBatchCreated {
		return fmt.Errorf("first ownership event must be %s with no sender", NoteBatchCreated)
	}
	for i := 1; i < len(events); i++ {
		if events[i].From == nil || !SameAddress(*events[i].From, events[i-1].To) {
			return fmt.Errorf("ownership event %d does not start at previous owner %s", i, events[i-1].To)
		}
	}
	return nil
}

type OnChainBatch struct {
	BatchID      string    `json:"batchId"`
	CurrentOwner string    `json:"currentOwner"`
	Origin       string    `json:"origin"`
	CreatedAt    time.Time `json:"createdAt"`
	MetadataHash string    `json:"metadataHash"`
}

type OnChainTransferEvent struct {
	From            string    `json:"from"`
	To              string    `json:"to"`
	Timestamp       time.Time `json:"timestamp"`
	AdditionalInfo  string    `json:"additionalInfo"`
	TransactionHash string    `json:"transactionHash"`
	BlockNumber     uint64    `json:"blockNumber"`
}

// TransferInfo is the additionalInfo payload recorded with a transfer on the ledger.
type TransferInfo struct {
	OTP           string `json:"otp"`
	ActorRole     string `json:"actorRole"`
	RecipientRole string `json:"recipientRole"`
	Note          string `json:"note"`
}

// FormatTimestamp renders t in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// NormalizeTime truncates to the precision FormatTimestamp keeps.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// NormalizeAddress lowercases a 20-byte hex address. ok is false when s is
// not one.
func NormalizeAddress(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) || !strings.HasPrefix(strings.ToLower(s), "0x") {
		return "", false
	}
	return strings.ToLower(common.HexToAddress(s).Hex()), true
}

func SameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func StringPtr(s string) *string {
	return &s
}
