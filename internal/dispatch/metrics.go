package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/jackzampolin/narrator/internal/dispatch"

// Metrics are the dispatcher's synthesis instruments.
type Metrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inflight metric.Int64UpDownCounter
	costUSD  metric.Float64Counter
}

// NewMetrics registers instruments on meter, or on the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	requests, err := meter.Int64Counter("narrator_synthesis_requests_total",
		metric.WithDescription("Synthesis calls by provider and outcome"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("narrator_synthesis_duration_seconds",
		metric.WithDescription("Synthesis call latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	inflight, err := meter.Int64UpDownCounter("narrator_synthesis_inflight",
		metric.WithDescription("Synthesis calls currently in flight"))
	if err != nil {
		return nil, err
	}

	costUSD, err := meter.Float64Counter("narrator_synthesis_cost_usd_total",
		metric.WithDescription("Estimated synthesis spend reported by providers"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	return &Metrics{requests: requests, duration: duration, inflight: inflight, costUSD: costUSD}, nil
}

func (m *Metrics) cost(ctx context.Context, provider string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.costUSD.Add(ctx, usd, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *Metrics) start(ctx context.Context, provider string) func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	began := time.Now()
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	m.inflight.Add(ctx, 1, attrs)

	return func(outcome string) {
		m.inflight.Add(ctx, -1, attrs)
		m.duration.Record(ctx, time.Since(began).Seconds(), attrs)
		m.requests.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("outcome", outcome),
		))
	}
}
