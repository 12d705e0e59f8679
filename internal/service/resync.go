package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/akshatrathore1/Panacea-sub000/internal/storage"
	"github.com/akshatrathore1/Panacea-sub000/internal/telemetry"
)

const (
	ResyncDone  = "done"
	ResyncRetry = "retry"
)

// Resyncer drains the resync queue by backfilling each batch's projection
// from the ledger.
type Resyncer struct {
	store      storage.Store
	reconciler *ReconcileService
	metrics    *telemetry.Metrics
	batchSize  int
	maxBackoff time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

type ResyncParams struct {
	Store      storage.Store
	Reconciler *ReconcileService
	Metrics    *telemetry.Metrics
	BatchSize  int
	MaxBackoff time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

func NewResyncer(params ResyncParams) (*Resyncer, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if params.BatchSize <= 0 {
		params.BatchSize = 50
	}
	if params.MaxBackoff <= 0 {
		params.MaxBackoff = 10 * time.Minute
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &Resyncer{
		store:      params.Store,
		reconciler: params.Reconciler,
		metrics:    params.Metrics,
		batchSize:  params.BatchSize,
		maxBackoff: params.MaxBackoff,
		logger:     params.Logger,
		now:        params.Now,
	}, nil
}

func (r *Resyncer) Run(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	if err := r.ProcessBatch(ctx); err != nil {
		r.logger.Error("resync batch failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.ProcessBatch(ctx); err != nil {
				r.logger.Error("resync batch failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Resyncer) ProcessBatch(ctx context.Context) error {
	items, err := r.store.FetchDueResync(ctx, r.batchSize)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := r.processItem(ctx, item); err != nil {
			r.logger.Error("resync item failed",
				slog.String("batch_id", item.BatchID),
				slog.String("reason", item.Reason),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (r *Resyncer) processItem(ctx context.Context, item storage.ResyncItem) error {
	n, err := r.reconciler.Backfill(ctx, item.BatchID)
	if err == nil || IsCode(err, CodeBatchNotFound) {
		if err := r.store.MarkResyncDone(ctx, item.BatchID); err != nil {
			return err
		}
		r.metrics.ResyncOutcome(ctx, ResyncDone)
		r.logger.Info("resync item done",
			slog.String("batch_id", item.BatchID),
			slog.String("reason", item.Reason),
			slog.Int("backfilled", n),
		)
		return nil
	}

	attempts := item.Attempts + 1
	next := r.now().UTC().Add(computeBackoff(attempts, r.maxBackoff))
	if err := r.store.MarkResyncRetry(ctx, item.BatchID, attempts, next, truncate(err.Error(), 1500)); err != nil {
		return err
	}
	r.metrics.ResyncOutcome(ctx, ResyncRetry)
	r.logger.Warn("resync item deferred",
		slog.String("batch_id", item.BatchID),
		slog.Int("attempts", attempts),
		slog.Time("next_attempt_at", next),
		slog.String("error", err.Error()),
	)
	return nil
}

func computeBackoff(attempts int, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	backoff := time.Duration(1<<uint(min(attempts, 10))) * 5 * time.Second
	if backoff > max {
		return max
	}
	return backoff
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
