package ledger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	provcrypto "github.com/akshatrathore1/Panacea-sub000/internal/crypto"
	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
)

const WriteTokenHeader = "X-Provenance-Write-Token"

type NodeConfig struct {
	URL          string
	WriteToken   string
	Timeout      time.Duration
	AckPublicKey ed25519.PublicKey
	// AckKeyID pins the kid a node must sign with; empty accepts any kid
	// produced by AckPublicKey.
	AckKeyID string
}

// NodeClient writes to a reference ledger node and checks its signed
// acknowledgements.
type NodeClient struct {
	baseURL    string
	writeToken string
	ackKey     ed25519.PublicKey
	ackKeyID   string
	http       *http.Client
}

func NewNodeClient(cfg NodeConfig) (*NodeClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("ledger node url is required")
	}
	if len(cfg.AckPublicKey) != ed25519.PublicKeySize {
		return nil, errors.New("ledger node ack public key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	kid := cfg.AckKeyID
	if kid == "" {
		kid = provcrypto.AckKeyID(cfg.AckPublicKey)
	}
	return &NodeClient{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		writeToken: cfg.WriteToken,
		ackKey:     cfg.AckPublicKey,
		ackKeyID:   kid,
		http:       &http.Client{Timeout: timeout},
	}, nil
}

func (c *NodeClient) RegisterBatch(ctx context.Context, req RegisterRequest) (SubmitResult, error) {
	body := protocol.LedgerRegisterRequest{
		RequestID:    uuid.NewString(),
		BatchID:      req.BatchID,
		Owner:        strings.ToLower(req.Signer.Address()),
		Origin:       req.Origin,
		MetadataHash: req.MetadataHash,
		CreatedAt:    protocol.NormalizeTime(req.CreatedAt),
	}
	digest, err := body.SigningDigest()
	if err != nil {
		return SubmitResult{}, err
	}
	if body.Signature, err = req.Signer.SignDigest(digest); err != nil {
		return SubmitResult{}, err
	}
	return c.write(ctx, "/v1/ledger/batches", body.RequestID, body)
}

func (c *NodeClient) SubmitTransfer(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	body := protocol.LedgerTransferRequest{
		RequestID:      uuid.NewString(),
		BatchID:        req.BatchID,
		From:           strings.ToLower(req.Signer.Address()),
		To:             strings.ToLower(req.To),
		AdditionalInfo: req.AdditionalInfo,
	}
	digest, err := body.SigningDigest()
	if err != nil {
		return SubmitResult{}, err
	}
	if body.Signature, err = req.Signer.SignDigest(digest); err != nil {
		return SubmitResult{}, err
	}
	return c.write(ctx, "/v1/ledger/transfers", body.RequestID, body)
}

func (c *NodeClient) write(ctx context.Context, path, requestID string, body any) (SubmitResult, error) {
	raw, err := protocol.Canonicalize(body)
	if err != nil {
		return SubmitResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return SubmitResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(WriteTokenHeader, c.writeToken)

	var resp protocol.LedgerAppendResponse
	found, err := c.do(httpReq, &resp)
	if err != nil {
		return SubmitResult{}, err
	}
	if !found {
		return SubmitResult{}, fmt.Errorf("%w: %s not found", ErrRejected, path)
	}
	if err := c.verifyAck(requestID, resp); err != nil {
		// The node may have committed; the caller must treat this as unknown.
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return SubmitResult{TransactionHash: resp.TransactionHash, BlockNumber: uint64(resp.EntryIndex)}, nil
}

func (c *NodeClient) verifyAck(requestID string, resp protocol.LedgerAppendResponse) error {
	if resp.Ack.Alg != provcrypto.AckAlgorithm {
		return fmt.Errorf("unsupported ack alg: %s", resp.Ack.Alg)
	}
	if resp.Ack.Kid != c.ackKeyID {
		return fmt.Errorf("ack key id mismatch: got %s want %s", resp.Ack.Kid, c.ackKeyID)
	}
	raw, err := protocol.Canonicalize(protocol.LedgerAckPayload{
		EntryIndex:      resp.EntryIndex,
		EntryHash:       resp.EntryHash,
		TransactionHash: resp.TransactionHash,
		RequestID:       requestID,
		RecordedAt:      resp.RecordedAt,
		KeyID:           resp.Ack.Kid,
	})
	if err != nil {
		return err
	}
	if !provcrypto.VerifyAck(c.ackKey, raw, resp.Ack.Sig) {
		return errors.New("invalid ack signature")
	}
	return nil
}

func (c *NodeClient) ReadBatch(ctx context.Context, batchID string) (*protocol.OnChainBatch, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/ledger/batches/"+url.PathEscape(batchID), nil)
	if err != nil {
		return nil, err
	}
	var state protocol.LedgerBatchState
	found, err := c.do(httpReq, &state)
	if err != nil || !found {
		return nil, err
	}
	return &protocol.OnChainBatch{
		BatchID:      state.BatchID,
		CurrentOwner: strings.ToLower(state.CurrentOwner),
		Origin:       state.Origin,
		CreatedAt:    state.CreatedAt,
		MetadataHash: state.MetadataHash,
	}, nil
}

func (c *NodeClient) ReadHistory(ctx context.Context, batchID string) ([]protocol.OnChainTransferEvent, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/ledger/batches/"+url.PathEscape(batchID)+"/history", nil)
	if err != nil {
		return nil, err
	}
	var history protocol.LedgerHistoryResponse
	found, err := c.do(httpReq, &history)
	if err != nil || !found {
		return nil, err
	}
	return history.Events, nil
}

func (c *NodeClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	var health map[string]any
	_, err = c.do(httpReq, &health)
	return err
}

// do sends req and decodes a 200 body into out. A 404 reports found=false.
func (c *NodeClient) do(req *http.Request, out any) (bool, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return false, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound && req.Method == http.MethodGet:
		return false, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return false, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return false, fmt.Errorf("%w: status %d body=%s", ErrRejected, resp.StatusCode, truncate(string(body), 512))
	default:
		return false, fmt.Errorf("%w: status %d body=%s", ErrUnavailable, resp.StatusCode, truncate(string(body), 512))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return true, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
