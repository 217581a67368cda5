package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/streamscribe/streamscribe/internal/protocol"
)

type poolMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

func newPoolMetrics(status func() protocol.PoolStatus) (*poolMetrics, error) {
	meter := otel.Meter("streamscribe/engine")

	requests, err := meter.Int64Counter("engine.requests",
		metric.WithDescription("Transcription requests by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create requests counter: %w", err)
	}
	latency, err := meter.Float64Histogram("engine.request.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Engine request duration"))
	if err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}

	utilization, err := meter.Float64ObservableGauge("engine.pool.utilization",
		metric.WithUnit("%"))
	if err != nil {
		return nil, fmt.Errorf("create utilization gauge: %w", err)
	}
	available, err := meter.Int64ObservableGauge("engine.pool.available_workers")
	if err != nil {
		return nil, fmt.Errorf("create available gauge: %w", err)
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := status()
		o.ObserveFloat64(utilization, s.Utilization)
		o.ObserveInt64(available, int64(s.AvailableWorkers))
		return nil
	}, utilization, available)
	if err != nil {
		return nil, fmt.Errorf("register pool gauges: %w", err)
	}

	return &poolMetrics{requests: requests, latency: latency}, nil
}

func (m *poolMetrics) record(ctx context.Context, outcome string, batch bool, elapsedMS float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("batch", batch),
	)
	m.requests.Add(ctx, 1, attrs)
	if elapsedMS > 0 {
		m.latency.Record(ctx, elapsedMS, attrs)
	}
}
