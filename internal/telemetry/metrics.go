// Package telemetry exports provenance counters over OTLP.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "provenance"

type Config struct {
	Enabled        bool
	OTLPEndpoint   string
	Insecure       bool
	ServiceName    string
	ServiceVersion string
	ExportInterval time.Duration
}

// Metrics records ledger and projection outcomes. A nil *Metrics records
// nothing.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	transfers          metric.Int64Counter
	projectionFailures metric.Int64Counter
	tamper             metric.Int64Counter
	backfilled         metric.Int64Counter
	resync             metric.Int64Counter
	ledgerLatency      metric.Float64Histogram
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Metrics, error) {
	if !cfg.Enabled {
		logger.InfoContext(ctx, "telemetry disabled")
		return newMetrics(noop.NewMeterProvider().Meter(meterName), nil)
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry exporter: %w", err)
	}
	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	logger.InfoContext(ctx, "telemetry initialized",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.Bool("insecure", cfg.Insecure),
	)
	return newMetrics(provider.Meter(meterName, metric.WithInstrumentationVersion(cfg.ServiceVersion)), provider)
}

// NewWithReader wires metrics to reader; tests use a manual reader.
func NewWithReader(reader sdkmetric.Reader) (*Metrics, error) {
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return newMetrics(provider.Meter(meterName), provider)
}

func newMetrics(meter metric.Meter, provider *sdkmetric.MeterProvider) (*Metrics, error) {
	m := &Metrics{provider: provider}
	var err error
	if m.transfers, err = meter.Int64Counter("provenance.transfers",
		metric.WithDescription("Transfer confirmations by outcome")); err != nil {
		return nil, err
	}
	if m.projectionFailures, err = meter.Int64Counter("provenance.projection.write_failures",
		metric.WithDescription("Ledger transfers whose projection append failed")); err != nil {
		return nil, err
	}
	if m.tamper, err = meter.Int64Counter("provenance.metadata.tamper_detected",
		metric.WithDescription("Traces whose stored metadata no longer matches its hash")); err != nil {
		return nil, err
	}
	if m.backfilled, err = meter.Int64Counter("provenance.projection.backfilled_events",
		metric.WithDescription("Ledger events appended to the projection during reconciliation")); err != nil {
		return nil, err
	}
	if m.resync, err = meter.Int64Counter("provenance.resync.items",
		metric.WithDescription("Resync queue items processed by outcome")); err != nil {
		return nil, err
	}
	if m.ledgerLatency, err = meter.Float64Histogram("provenance.ledger.duration",
		metric.WithDescription("Ledger call latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) TransferOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.transfers.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) ProjectionWriteFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.projectionFailures.Add(ctx, 1)
}

func (m *Metrics) TamperDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.tamper.Add(ctx, 1)
}

func (m *Metrics) Backfilled(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.backfilled.Add(ctx, int64(n))
}

func (m *Metrics) ResyncOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.resync.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) ObserveLedger(ctx context.Context, op string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.ledgerLatency.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("error", err != nil),
	))
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
