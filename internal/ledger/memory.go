package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
)

type memoryBatch struct {
	state  protocol.OnChainBatch
	events []protocol.OnChainTransferEvent
}

// Memory is an in-process ledger used by tests and the memory driver.
type Memory struct {
	mu        sync.Mutex
	batches   map[string]*memoryBatch
	block     uint64
	transfers map[string]int
	now       func() time.Time

	failNext     error
	dropResponse bool
	readErr      error
	beforeCommit func(batchID string)
}

func NewMemory() *Memory {
	return &Memory{
		batches:   map[string]*memoryBatch{},
		transfers: map[string]int{},
		now:       time.Now,
	}
}

func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

// FailNextTransfer makes the next SubmitTransfer return err without recording it.
func (m *Memory) FailNextTransfer(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// DropNextResponse records the next transfer but reports ErrUnavailable, as
// when a client times out after the ledger committed.
func (m *Memory) DropNextResponse() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropResponse = true
}

func (m *Memory) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// OnSubmit installs a hook that runs before a transfer is committed, outside
// the ledger mutex.
func (m *Memory) OnSubmit(fn func(batchID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeCommit = fn
}

// TransferCount reports how many transfers were committed for batchID.
func (m *Memory) TransferCount(batchID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfers[batchID]
}

// Append records a transfer directly, bypassing signatures. It simulates
// writes made by other clients of the ledger.
func (m *Memory) Append(batchID, from, to, additionalInfo string, at time.Time) (SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return SubmitResult{}, fmt.Errorf("%w: batch %s is not registered", ErrRejected, batchID)
	}
	return m.commitLocked(b, from, to, additionalInfo, at), nil
}

func (m *Memory) RegisterBatch(_ context.Context, req RegisterRequest) (SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.batches[req.BatchID]; exists {
		return SubmitResult{}, fmt.Errorf("%w: batch %s already registered", ErrRejected, req.BatchID)
	}
	m.block++
	owner := strings.ToLower(req.Signer.Address())
	m.batches[req.BatchID] = &memoryBatch{state: protocol.OnChainBatch{
		BatchID:      req.BatchID,
		CurrentOwner: owner,
		Origin:       req.Origin,
		CreatedAt:    protocol.NormalizeTime(req.CreatedAt),
		MetadataHash: req.MetadataHash,
	}}
	return SubmitResult{
		TransactionHash: protocol.DigestString(fmt.Sprintf("register|%s|%d", req.BatchID, m.block)),
		BlockNumber:     m.block,
	}, nil
}

func (m *Memory) SubmitTransfer(_ context.Context, req SubmitRequest) (SubmitResult, error) {
	m.mu.Lock()
	hook := m.beforeCommit
	m.mu.Unlock()
	if hook != nil {
		hook(req.BatchID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		return SubmitResult{}, err
	}
	b, ok := m.batches[req.BatchID]
	if !ok {
		return SubmitResult{}, fmt.Errorf("%w: batch %s is not registered", ErrRejected, req.BatchID)
	}
	from := strings.ToLower(req.Signer.Address())
	if !protocol.SameAddress(b.state.CurrentOwner, from) {
		return SubmitResult{}, fmt.Errorf("%w: %s is not the owner of %s", ErrRejected, from, req.BatchID)
	}
	receipt := m.commitLocked(b, from, req.To, req.AdditionalInfo, m.now())
	if m.dropResponse {
		m.dropResponse = false
		return SubmitResult{}, fmt.Errorf("%w: response lost", ErrUnavailable)
	}
	return receipt, nil
}

func (m *Memory) commitLocked(b *memoryBatch, from, to, additionalInfo string, at time.Time) SubmitResult {
	m.block++
	m.transfers[b.state.BatchID]++
	to = strings.ToLower(to)
	ev := protocol.OnChainTransferEvent{
		From:            strings.ToLower(from),
		To:              to,
		Timestamp:       protocol.NormalizeTime(at),
		AdditionalInfo:  additionalInfo,
		TransactionHash: protocol.DigestString(fmt.Sprintf("transfer|%s|%d|%s", b.state.BatchID, m.block, to)),
		BlockNumber:     m.block,
	}
	b.events = append(b.events, ev)
	b.state.CurrentOwner = to
	return SubmitResult{TransactionHash: ev.TransactionHash, BlockNumber: ev.BlockNumber}
}

func (m *Memory) ReadBatch(_ context.Context, batchID string) (*protocol.OnChainBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	b, ok := m.batches[batchID]
	if !ok {
		return nil, nil
	}
	state := b.state
	return &state, nil
}

func (m *Memory) ReadHistory(_ context.Context, batchID string) ([]protocol.OnChainTransferEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	b, ok := m.batches[batchID]
	if !ok {
		return nil, nil
	}
	return append([]protocol.OnChainTransferEvent(nil), b.events...), nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readErr
}
