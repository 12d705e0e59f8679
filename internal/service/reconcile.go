package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/akshatrathore1/Panacea-sub000/internal/ledger"
	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
	"github.com/akshatrathore1/Panacea-sub000/internal/storage"
	"github.com/akshatrathore1/Panacea-sub000/internal/telemetry"
)

const defaultMatchWindow = 15 * time.Minute

// ReconcileService merges the ledger and the projection into one view and
// heals projection gaps from the ledger.
type ReconcileService struct {
	store       storage.Store
	ledger      ledger.Client
	matchWindow time.Duration
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

type ReconcileParams struct {
	Store   storage.Store
	Ledger  ledger.Client
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
	// MatchWindow bounds how far apart a ledger event and a projection event
	// without a shared transaction hash may be and still be paired.
	MatchWindow time.Duration
	Now         func() time.Time
}

func NewReconcile(params ReconcileParams) (*ReconcileService, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger client is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if params.MatchWindow <= 0 {
		params.MatchWindow = defaultMatchWindow
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &ReconcileService{
		store:       params.Store,
		ledger:      params.Ledger,
		matchWindow: params.MatchWindow,
		metrics:     params.Metrics,
		logger:      params.Logger,
		now:         params.Now,
	}, nil
}

// Trace returns the reconciled view of a batch. A batch missing from the
// store yields Found=false and no error.
func (s *ReconcileService) Trace(ctx context.Context, batchID string) (protocol.TraceView, error) {
	if !protocol.ValidateBatchID(batchID) {
		return protocol.TraceView{}, validation("batchId is malformed")
	}
	view := protocol.TraceView{
		BatchID:        batchID,
		OnChainHistory: []protocol.OnChainTransferEvent{},
		Timeline:       []protocol.TimelineEntry{},
	}
	m, found, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return protocol.TraceView{}, storeUnavailable("load batch", err)
	}
	if !found {
		return view, nil
	}
	chainBatch, history, err := s.readLedger(ctx, m)
	if err != nil {
		return protocol.TraceView{}, err
	}

	merged := mergeTimeline(m.OwnershipHistory, history, s.matchWindow)
	observed := ledgerOnlyHashes(history, merged.ledgerOnly)
	if chainBatch != nil && len(merged.ledgerOnly) > 0 {
		n, err := s.backfill(ctx, batchID, history)
		if err != nil {
			s.logger.Error("trace backfill failed",
				slog.String("batch_id", batchID),
				slog.String("error", err.Error()),
			)
			if qerr := s.store.EnqueueResync(ctx, batchID, "trace_backfill_failed"); qerr != nil {
				s.logger.Error("enqueue resync failed", slog.String("batch_id", batchID), slog.String("error", qerr.Error()))
			}
		}
		view.Backfilled = n
		if n > 0 {
			if reloaded, ok, err := s.store.GetBatch(ctx, batchID); err == nil && ok {
				m = reloaded
				merged = mergeTimeline(m.OwnershipHistory, history, s.matchWindow)
			}
		}
	}
	// Entries this read found only on the ledger stay flagged even when it
	// healed them.
	for i := range merged.timeline {
		if observed[strings.ToLower(merged.timeline[i].TransactionHash)] {
			merged.timeline[i].PendingSync = true
		}
	}

	computed, err := protocol.MetadataDigest(m)
	if err != nil {
		return protocol.TraceView{}, Internal("hash batch metadata", err)
	}
	valid := protocol.EqualDigest(computed, m.MetadataHash)
	if chainBatch != nil && chainBatch.MetadataHash != "" && !protocol.EqualDigest(computed, chainBatch.MetadataHash) {
		valid = false
	}
	if !valid {
		s.metrics.TamperDetected(ctx)
		s.logger.Warn("batch metadata does not match its digest",
			slog.String("batch_id", batchID),
			slog.String("stored_hash", m.MetadataHash),
			slog.String("computed_hash", computed),
		)
	}

	view.Found = true
	view.Metadata = &m
	view.MetadataHash = m.MetadataHash
	view.ComputedHash = computed
	view.MetadataValid = valid
	view.OnChainBatch = chainBatch
	view.OnChainHistory = append(view.OnChainHistory, history...)
	view.Timeline = merged.timeline
	view.PendingSync = len(observed) > 0
	view.CurrentOwner = m.CurrentOwner
	if chainBatch != nil {
		view.CurrentOwner = chainBatch.CurrentOwner
	}
	return view, nil
}

// Backfill writes ledger transfers missing from the projection into its
// history at their ledger position and returns how many were written. An
// error means ledger-only transfers remain.
func (s *ReconcileService) Backfill(ctx context.Context, batchID string) (int, error) {
	m, found, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return 0, storeUnavailable("load batch", err)
	}
	if !found {
		return 0, NewAppError(http.StatusNotFound, CodeBatchNotFound, "batch not found", false, nil)
	}
	chainBatch, history, err := s.readLedger(ctx, m)
	if err != nil || chainBatch == nil {
		return 0, err
	}
	if len(mergeTimeline(m.OwnershipHistory, history, s.matchWindow).ledgerOnly) == 0 {
		return 0, nil
	}
	return s.backfill(ctx, batchID, history)
}

func (s *ReconcileService) readLedger(ctx context.Context, m protocol.BatchMetadata) (*protocol.OnChainBatch, []protocol.OnChainTransferEvent, error) {
	if m.OnChainID == nil || *m.OnChainID == "" {
		return nil, nil, nil
	}
	started := time.Now()
	chainBatch, err := s.ledger.ReadBatch(ctx, *m.OnChainID)
	s.metrics.ObserveLedger(ctx, "read_batch", started, err)
	if err != nil {
		return nil, nil, ledgerUnavailable("read on-chain batch", err)
	}
	if chainBatch == nil {
		return nil, nil, nil
	}
	started = time.Now()
	history, err := s.ledger.ReadHistory(ctx, *m.OnChainID)
	s.metrics.ObserveLedger(ctx, "read_history", started, err)
	if err != nil {
		return nil, nil, ledgerUnavailable("read on-chain history", err)
	}
	return chainBatch, history, nil
}

// backfill places ledger-only transfers into the stored history. Placement
// is worked out against the history as it stands at write time, so a
// projection write that landed after the caller's read is paired, not
// duplicated.
func (s *ReconcileService) backfill(ctx context.Context, batchID string, chain []protocol.OnChainTransferEvent) (int, error) {
	written := 0
	_, err := s.store.RewriteOwnershipHistory(ctx, batchID, func(current []protocol.OwnershipEvent) ([]protocol.OwnershipEvent, bool) {
		var placed []protocol.OwnershipEvent
		placed, written = placeLedgerOnly(current, chain, s.matchWindow)
		return placed, written > 0
	})
	if err != nil {
		return 0, storeUnavailable("write backfilled ownership events", err)
	}
	if written > 0 {
		s.metrics.Backfilled(ctx, written)
		s.logger.Info("projection backfilled from ledger",
			slog.String("batch_id", batchID),
			slog.Int("events", written),
		)
	}
	return written, nil
}

// placeLedgerOnly inserts the ledger transfers missing from history. Each one
// goes after the projection event paired with the closest earlier ledger
// transfer, or after batch_created, so the result follows ledger order
// whatever timestamps either side recorded.
func placeLedgerOnly(history []protocol.OwnershipEvent, chain []protocol.OnChainTransferEvent, window time.Duration) ([]protocol.OwnershipEvent, int) {
	merged := mergeTimeline(history, chain, window)
	if len(merged.ledgerOnly) == 0 {
		return history, 0
	}
	anchor := -1
	if len(history) > 0 && history[0].Note == protocol.NoteBatchCreated {
		anchor = 0
	}
	after := make(map[int][]protocol.OwnershipEvent, len(merged.ledgerOnly))
	for ci, ev := range chain {
		if pi := merged.pairOf[ci]; pi >= 0 {
			anchor = max(anchor, pi)
			continue
		}
		after[anchor] = append(after[anchor], backfillEvent(ev))
	}
	out := make([]protocol.OwnershipEvent, 0, len(history)+len(merged.ledgerOnly))
	out = append(out, after[-1]...)
	for i, ev := range history {
		out = append(out, ev)
		out = append(out, after[i]...)
	}
	return out, len(merged.ledgerOnly)
}

func ledgerOnlyHashes(chain []protocol.OnChainTransferEvent, ledgerOnly []int) map[string]bool {
	out := make(map[string]bool, len(ledgerOnly))
	for _, ci := range ledgerOnly {
		if hash := chain[ci].TransactionHash; hash != "" {
			out[strings.ToLower(hash)] = true
		}
	}
	return out
}

func backfillEvent(ev protocol.OnChainTransferEvent) protocol.OwnershipEvent {
	info := decodeTransferInfo(ev.AdditionalInfo)
	from := strings.ToLower(ev.From)
	return protocol.OwnershipEvent{
		From:            &from,
		To:              strings.ToLower(ev.To),
		ActorRole:       info.ActorRole,
		RecipientRole:   info.RecipientRole,
		Note:            protocol.NoteLedgerBackfill,
		TransactionHash: ev.TransactionHash,
		Timestamp:       ev.Timestamp,
	}
}

// decodeTransferInfo reads the roles and note a transfer carried. Payloads
// written by other clients may not parse; they yield an empty TransferInfo.
func decodeTransferInfo(raw string) protocol.TransferInfo {
	var info protocol.TransferInfo
	if raw == "" {
		return info
	}
	_ = json.Unmarshal([]byte(raw), &info)
	return info
}

type mergeResult struct {
	timeline []protocol.TimelineEntry
	// ledgerOnly holds indexes into the chain history, in ledger order.
	ledgerOnly []int
	// pairOf maps each chain index to its projection index, or -1.
	pairOf []int
}

// mergeTimeline pairs ledger events with projection events. Pairing is by
// transaction hash first. Remaining ledger events, in ledger order, take the
// unpaired projection event nearest in time within window, preferring one
// with the same recipient and then the earlier one. Projection events that
// carry a transaction hash are paired by hash only.
func mergeTimeline(projection []protocol.OwnershipEvent, chain []protocol.OnChainTransferEvent, window time.Duration) mergeResult {
	byHash := map[string]int{}
	for i, ev := range projection {
		if ev.Note == protocol.NoteBatchCreated || ev.TransactionHash == "" {
			continue
		}
		byHash[strings.ToLower(ev.TransactionHash)] = i
	}

	paired := make([]bool, len(projection))
	pairOf := make([]int, len(chain))
	for ci, ev := range chain {
		pairOf[ci] = -1
		if pi, ok := byHash[strings.ToLower(ev.TransactionHash)]; ok && !paired[pi] {
			paired[pi] = true
			pairOf[ci] = pi
		}
	}
	for ci, ev := range chain {
		if pairOf[ci] >= 0 {
			continue
		}
		best := -1
		var bestDelta time.Duration
		bestSameTo := false
		for pi, pev := range projection {
			if paired[pi] || pev.Note == protocol.NoteBatchCreated {
				continue
			}
			if pev.TransactionHash != "" {
				continue
			}
			delta := absDuration(pev.Timestamp.Sub(ev.Timestamp))
			if delta > window {
				continue
			}
			sameTo := protocol.SameAddress(pev.To, ev.To)
			if best < 0 || delta < bestDelta || (delta == bestDelta && sameTo && !bestSameTo) {
				best, bestDelta, bestSameTo = pi, delta, sameTo
			}
		}
		if best >= 0 {
			paired[best] = true
			pairOf[ci] = best
		}
	}

	out := mergeResult{timeline: make([]protocol.TimelineEntry, 0, len(projection)+len(chain)), pairOf: pairOf}
	for pi, ev := range projection {
		if paired[pi] {
			continue
		}
		out.timeline = append(out.timeline, protocol.TimelineEntry{
			From:            ev.From,
			To:              ev.To,
			Timestamp:       ev.Timestamp,
			TransactionHash: ev.TransactionHash,
			ActorRole:       ev.ActorRole,
			RecipientRole:   ev.RecipientRole,
			Note:            ev.Note,
			Source:          protocol.SourceProjection,
		})
	}
	for ci, ev := range chain {
		from := strings.ToLower(ev.From)
		entry := protocol.TimelineEntry{
			From:            &from,
			To:              strings.ToLower(ev.To),
			Timestamp:       ev.Timestamp,
			TransactionHash: ev.TransactionHash,
			BlockNumber:     ev.BlockNumber,
		}
		if pi := pairOf[ci]; pi >= 0 {
			pev := projection[pi]
			entry.ActorRole = pev.ActorRole
			entry.RecipientRole = pev.RecipientRole
			entry.Note = pev.Note
			entry.Source = protocol.SourceMerged
		} else {
			info := decodeTransferInfo(ev.AdditionalInfo)
			entry.ActorRole = info.ActorRole
			entry.RecipientRole = info.RecipientRole
			entry.Note = protocol.NoteLedgerBackfill
			entry.Source = protocol.SourceLedger
			entry.PendingSync = true
			out.ledgerOnly = append(out.ledgerOnly, ci)
		}
		out.timeline = append(out.timeline, entry)
	}
	sort.SliceStable(out.timeline, func(i, j int) bool {
		a, b := out.timeline[i], out.timeline[j]
		if (a.From == nil) != (b.From == nil) {
			return a.From == nil
		}
		return a.Timestamp.Before(b.Timestamp)
	})
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
