package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestCountersRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := NewWithReader(reader)
	require.NoError(t, err)
	ctx := context.Background()

	m.TransferOutcome(ctx, "committed")
	m.TransferOutcome(ctx, "committed")
	m.TransferOutcome(ctx, "rejected")
	m.ProjectionWriteFailed(ctx)
	m.Backfilled(ctx, 3)
	m.Backfilled(ctx, 0)
	m.ObserveLedger(ctx, "transfer", time.Now(), errors.New("boom"))

	got := collect(t, reader)

	transfers := got["provenance.transfers"].Data.(metricdata.Sum[int64])
	byOutcome := map[string]int64{}
	for _, dp := range transfers.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("outcome"))
		byOutcome[v.AsString()] = dp.Value
	}
	require.Equal(t, map[string]int64{"committed": 2, "rejected": 1}, byOutcome)

	backfilled := got["provenance.projection.backfilled_events"].Data.(metricdata.Sum[int64])
	require.Len(t, backfilled.DataPoints, 1)
	require.Equal(t, int64(3), backfilled.DataPoints[0].Value)

	require.Contains(t, got, "provenance.ledger.duration")
	require.Contains(t, got, "provenance.projection.write_failures")
}

func TestDisabledAndNilAreSafe(t *testing.T) {
	m, err := New(context.Background(), Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	m.TransferOutcome(context.Background(), "committed")
	require.NoError(t, m.Shutdown(context.Background()))

	var none *Metrics
	none.TamperDetected(context.Background())
	require.NoError(t, none.Shutdown(context.Background()))
}
