package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	provcrypto "github.com/akshatrathore1/Panacea-sub000/internal/crypto"
	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
)

const (
	CodeLedgerBadRequest    = "LEDGER_BAD_REQUEST"
	CodeLedgerBadSignature  = "LEDGER_BAD_SIGNATURE"
	CodeLedgerNotOwner      = "LEDGER_NOT_OWNER"
	CodeLedgerBatchUnknown  = "LEDGER_BATCH_UNKNOWN"
	CodeLedgerBatchExists   = "LEDGER_BATCH_EXISTS"
	CodeLedgerEventConflict = "LEDGER_EVENT_CONFLICT"
)

// LedgerChain is the append-only store behind a ledger node. Implemented by
// storage/ledgerpostgres and storage/ledgermemory.
type LedgerChain interface {
	Close()
	Ping(ctx context.Context) error
	Append(ctx context.Context, draft protocol.LedgerEntry, apply func(current *protocol.LedgerBatchState) (protocol.LedgerBatchState, error)) (protocol.LedgerEntry, bool, error)
	GetBatch(ctx context.Context, batchID string) (protocol.LedgerBatchState, bool, error)
	ListBatchEntries(ctx context.Context, batchID string) ([]protocol.LedgerEntry, error)
	LatestEntry(ctx context.Context) (protocol.LedgerEntry, bool, error)
}

type LedgerNodeService struct {
	store      LedgerChain
	signer     *provcrypto.AckSigner
	writeToken string
	service    string
	version    string
	now        func() time.Time
}

type LedgerNodeParams struct {
	Store      LedgerChain
	Signer     *provcrypto.AckSigner
	WriteToken string
	Service    string
	Version    string
	Now        func() time.Time
}

func NewLedgerNode(params LedgerNodeParams) (*LedgerNodeService, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if params.WriteToken == "" {
		return nil, fmt.Errorf("write token is required")
	}
	if params.Service == "" {
		params.Service = "provenance-ledger-node"
	}
	if params.Version == "" {
		params.Version = "dev"
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &LedgerNodeService{
		store:      params.Store,
		signer:     params.Signer,
		writeToken: params.WriteToken,
		service:    params.Service,
		version:    params.Version,
		now:        params.Now,
	}, nil
}

func (s *LedgerNodeService) VerifyWriteToken(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" || s.writeToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.writeToken)) == 1
}

// Register anchors a batch. The request must be signed by the owner it names.
func (s *LedgerNodeService) Register(ctx context.Context, req protocol.LedgerRegisterRequest) (protocol.LedgerAppendResponse, error) {
	if req.RequestID == "" || req.BatchID == "" || req.MetadataHash == "" {
		return protocol.LedgerAppendResponse{}, NewAppError(http.StatusBadRequest, CodeLedgerBadRequest, "request_id, batch_id and metadata_hash are required", false, nil)
	}
	owner, ok := protocol.NormalizeAddress(req.Owner)
	if !ok {
		return protocol.LedgerAppendResponse{}, NewAppError(http.StatusBadRequest, CodeLedgerBadRequest, "owner must be a 20-byte hex address", false, nil)
	}
	if err := verifyRequestSignature(req.SigningDigest, req.Signature, owner); err != nil {
		return protocol.LedgerAppendResponse{}, err
	}
	state := protocol.LedgerBatchState{
		BatchID:      req.BatchID,
		CurrentOwner: owner,
		Origin:       req.Origin,
		MetadataHash: strings.ToLower(req.MetadataHash),
		CreatedAt:    protocol.NormalizeTime(req.CreatedAt),
	}
	payload, err := protocol.Canonicalize(state)
	if err != nil {
		return protocol.LedgerAppendResponse{}, Internal("encode register payload", err)
	}
	draft := protocol.LedgerEntry{
		RequestID:  req.RequestID,
		BatchID:    req.BatchID,
		EventType:  protocol.LedgerEventRegister,
		Payload:    payload,
		RecordedAt: s.now(),
	}
	return s.append(ctx, draft, func(current *protocol.LedgerBatchState) (protocol.LedgerBatchState, error) {
		if current != nil {
			return protocol.LedgerBatchState{}, NewAppError(http.StatusConflict, CodeLedgerBatchExists, "batch already registered", false, nil)
		}
		return state, nil
	})
}

// Transfer moves a batch to a new owner. Only the current owner may sign.
func (s *LedgerNodeService) Transfer(ctx context.Context, req protocol.LedgerTransferRequest) (protocol.LedgerAppendResponse, error) {
	if req.RequestID == "" || req.BatchID == "" {
		return protocol.LedgerAppendResponse{}, NewAppError(http.StatusBadRequest, CodeLedgerBadRequest, "request_id and batch_id are required", false, nil)
	}
	from, ok := protocol.NormalizeAddress(req.From)
	if !ok {
		return protocol.LedgerAppendResponse{}, NewAppError(http.StatusBadRequest, CodeLedgerBadRequest, "from must be a 20-byte hex address", false, nil)
	}
	to, ok := protocol.NormalizeAddress(req.To)
	if !ok {
		return protocol.LedgerAppendResponse{}, NewAppError(http.StatusBadRequest, CodeLedgerBadRequest, "to must be a 20-byte hex address", false, nil)
	}
	if err := verifyRequestSignature(req.SigningDigest, req.Signature, from); err != nil {
		return protocol.LedgerAppendResponse{}, err
	}
	payload, err := protocol.Canonicalize(protocol.LedgerTransferPayload{From: from, To: to, AdditionalInfo: req.AdditionalInfo})
	if err != nil {
		return protocol.LedgerAppendResponse{}, Internal("encode transfer payload", err)
	}
	draft := protocol.LedgerEntry{
		RequestID:  req.RequestID,
		BatchID:    req.BatchID,
		EventType:  protocol.LedgerEventTransfer,
		Payload:    payload,
		RecordedAt: s.now(),
	}
	return s.append(ctx, draft, func(current *protocol.LedgerBatchState) (protocol.LedgerBatchState, error) {
		if current == nil {
			return protocol.LedgerBatchState{}, NewAppError(http.StatusNotFound, CodeLedgerBatchUnknown, "batch is not registered", false, nil)
		}
		if !protocol.SameAddress(current.CurrentOwner, from) {
			return protocol.LedgerBatchState{}, NewAppError(http.StatusUnprocessableEntity, CodeLedgerNotOwner, "signer is not the current owner", false, nil)
		}
		next := *current
		next.CurrentOwner = to
		return next, nil
	})
}

func (s *LedgerNodeService) append(
	ctx context.Context,
	draft protocol.LedgerEntry,
	apply func(current *protocol.LedgerBatchState) (protocol.LedgerBatchState, error),
) (protocol.LedgerAppendResponse, error) {
	entry, existing, err := s.store.Append(ctx, draft, apply)
	if err != nil {
		var appErr *AppError
		if errors.As(err, &appErr) {
			return protocol.LedgerAppendResponse{}, err
		}
		return protocol.LedgerAppendResponse{}, Internal("append ledger entry", err)
	}
	if existing {
		if ok, err := sameLedgerEvent(entry, draft); err != nil {
			return protocol.LedgerAppendResponse{}, Internal("validate existing ledger entry", err)
		} else if !ok {
			return protocol.LedgerAppendResponse{}, NewAppError(
				http.StatusConflict,
				CodeLedgerEventConflict,
				"request_id already exists with different payload",
				false,
				nil,
			)
		}
	}
	recordedAt := protocol.NormalizeTime(entry.RecordedAt)
	raw, err := protocol.Canonicalize(protocol.LedgerAckPayload{
		EntryIndex:      entry.EntryIndex,
		EntryHash:       entry.EntryHash,
		TransactionHash: entry.EntryHash,
		RequestID:       entry.RequestID,
		RecordedAt:      recordedAt,
		KeyID:           s.signer.KeyID,
	})
	if err != nil {
		return protocol.LedgerAppendResponse{}, Internal("encode ledger ack payload", err)
	}
	return protocol.LedgerAppendResponse{
		EntryIndex:      entry.EntryIndex,
		EntryHash:       entry.EntryHash,
		TransactionHash: entry.EntryHash,
		RecordedAt:      recordedAt,
		Ack: protocol.LedgerAck{
			Alg: provcrypto.AckAlgorithm,
			Kid: s.signer.KeyID,
			Sig: s.signer.Sign(raw),
		},
	}, nil
}

func verifyRequestSignature(digestFn func() (string, error), signature, want string) error {
	digest, err := digestFn()
	if err != nil {
		return Internal("compute signing digest", err)
	}
	got, err := provcrypto.RecoverAddress(digest, signature)
	if err != nil {
		return NewAppError(http.StatusUnauthorized, CodeLedgerBadSignature, "signature is malformed", false, err)
	}
	if !protocol.SameAddress(got, want) {
		return NewAppError(http.StatusUnauthorized, CodeLedgerBadSignature, "signature does not match the signing account", false, nil)
	}
	return nil
}

func sameLedgerEvent(entry, draft protocol.LedgerEntry) (bool, error) {
	if entry.BatchID != draft.BatchID || entry.EventType != draft.EventType {
		return false, nil
	}
	existingHash, err := canonicalPayloadHash(entry.Payload)
	if err != nil {
		return false, err
	}
	incomingHash, err := canonicalPayloadHash(draft.Payload)
	if err != nil {
		return false, err
	}
	return existingHash == incomingHash, nil
}

func canonicalPayloadHash(raw json.RawMessage) (string, error) {
	canon, err := protocol.CanonicalizeJSON(raw)
	if err != nil {
		return "", err
	}
	return protocol.Digest(canon), nil
}

func (s *LedgerNodeService) GetBatch(ctx context.Context, batchID string) (protocol.LedgerBatchState, bool, error) {
	state, found, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return protocol.LedgerBatchState{}, false, Internal("get ledger batch", err)
	}
	return state, found, nil
}

// History lists the transfers of a batch in chain order. The entry hash
// stands in for a transaction hash and the entry index for a block number.
func (s *LedgerNodeService) History(ctx context.Context, batchID string) (protocol.LedgerHistoryResponse, bool, error) {
	if _, found, err := s.GetBatch(ctx, batchID); err != nil || !found {
		return protocol.LedgerHistoryResponse{}, found, err
	}
	entries, err := s.store.ListBatchEntries(ctx, batchID)
	if err != nil {
		return protocol.LedgerHistoryResponse{}, false, Internal("list ledger entries", err)
	}
	out := protocol.LedgerHistoryResponse{BatchID: batchID, Events: []protocol.OnChainTransferEvent{}}
	for _, e := range entries {
		if e.EventType != protocol.LedgerEventTransfer {
			continue
		}
		var p protocol.LedgerTransferPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return protocol.LedgerHistoryResponse{}, false, Internal("decode transfer entry", err)
		}
		out.Events = append(out.Events, protocol.OnChainTransferEvent{
			From:            p.From,
			To:              p.To,
			Timestamp:       protocol.NormalizeTime(e.RecordedAt),
			AdditionalInfo:  p.AdditionalInfo,
			TransactionHash: e.EntryHash,
			BlockNumber:     uint64(e.EntryIndex),
		})
	}
	return out, true, nil
}

func (s *LedgerNodeService) Health(ctx context.Context) (map[string]any, error) {
	latest, found, err := s.store.LatestEntry(ctx)
	if err != nil {
		return nil, Internal("get latest entry", err)
	}
	out := map[string]any{
		"service": s.service,
		"version": s.version,
		"status":  "ok",
		"kid":     s.signer.KeyID,
		"time":    s.now().UTC(),
	}
	if found {
		out["latest_index"] = latest.EntryIndex
		out["latest_hash"] = latest.EntryHash
	}
	return out, nil
}
