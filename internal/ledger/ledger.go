// Package ledger talks to the authoritative record of batch ownership.
// Implementations cover an in-process fake, the reference ledger node over
// HTTP and an EVM batch registry contract.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
)

var (
	// ErrRejected means the ledger definitively refused the write.
	ErrRejected = errors.New("ledger rejected request")
	// ErrUnavailable means the ledger could not be reached or the outcome
	// of a write is unknown.
	ErrUnavailable = errors.New("ledger unavailable")
)

// Signer signs on behalf of a batch owner.
type Signer interface {
	Address() string
	SignDigest(digest string) (string, error)
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

type RegisterRequest struct {
	BatchID      string
	Origin       string
	MetadataHash string
	CreatedAt    time.Time
	Signer       Signer
}

// SubmitRequest moves a batch away from Signer.Address().
type SubmitRequest struct {
	BatchID        string
	To             string
	AdditionalInfo string
	Signer         Signer
}

type SubmitResult struct {
	TransactionHash string
	BlockNumber     uint64
}

type Client interface {
	RegisterBatch(ctx context.Context, req RegisterRequest) (SubmitResult, error)
	SubmitTransfer(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	// ReadBatch returns nil without error when the batch is not registered.
	ReadBatch(ctx context.Context, batchID string) (*protocol.OnChainBatch, error)
	// ReadHistory returns transfer events oldest first.
	ReadHistory(ctx context.Context, batchID string) ([]protocol.OnChainTransferEvent, error)
	Ping(ctx context.Context) error
}
