package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records pipeline metrics.
// Use NewMetricsRecorder for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records one bus publish and how many cascades it produced.
	RecordPublish(ctx context.Context, channel string, cascades int)

	// RecordProviderRequest records one provider call.
	RecordProviderRequest(ctx context.Context, provider string, duration time.Duration, tokens int64, err error)

	// RecordRateLimit records a provider rate-limit hit.
	RecordRateLimit(ctx context.Context, provider string)

	// RecordBreakerOpened records the global breaker opening.
	RecordBreakerOpened(ctx context.Context)

	// RecordDecision records a routed decision. Source is "ai", "fallback"
	// or "default".
	RecordDecision(ctx context.Context, code, band, source string)

	// RecordExecution records an execution outcome.
	RecordExecution(ctx context.Context, code, status string, duration time.Duration)
}

type otelMetrics struct {
	published        metric.Int64Counter
	cascades         metric.Int64Counter
	requests         metric.Int64Counter
	requestLatency   metric.Float64Histogram
	tokens           metric.Int64Counter
	rateLimits       metric.Int64Counter
	breakerOpened    metric.Int64Counter
	decisions        metric.Int64Counter
	executions       metric.Int64Counter
	executionLatency metric.Float64Histogram
}

func newOtelMetrics(mp metric.MeterProvider) (*otelMetrics, error) {
	meter := mp.Meter("ledgerflow")
	m := &otelMetrics{}
	var err error

	if m.published, err = meter.Int64Counter("ledgerflow.bus.published",
		metric.WithDescription("Number of events published on the bus"),
	); err != nil {
		return nil, err
	}
	if m.cascades, err = meter.Int64Counter("ledgerflow.bus.cascades",
		metric.WithDescription("Number of cascade events derived from publishes"),
	); err != nil {
		return nil, err
	}
	if m.requests, err = meter.Int64Counter("ledgerflow.provider.requests",
		metric.WithDescription("Number of AI provider requests"),
	); err != nil {
		return nil, err
	}
	if m.requestLatency, err = meter.Float64Histogram("ledgerflow.provider.latency_ms",
		metric.WithDescription("AI provider request latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.tokens, err = meter.Int64Counter("ledgerflow.provider.tokens",
		metric.WithDescription("Tokens consumed by AI provider requests"),
	); err != nil {
		return nil, err
	}
	if m.rateLimits, err = meter.Int64Counter("ledgerflow.provider.rate_limits",
		metric.WithDescription("Number of provider rate-limit hits"),
	); err != nil {
		return nil, err
	}
	if m.breakerOpened, err = meter.Int64Counter("ledgerflow.breaker.opened",
		metric.WithDescription("Number of times the global circuit breaker opened"),
	); err != nil {
		return nil, err
	}
	if m.decisions, err = meter.Int64Counter("ledgerflow.decisions",
		metric.WithDescription("Number of routed decisions"),
	); err != nil {
		return nil, err
	}
	if m.executions, err = meter.Int64Counter("ledgerflow.executions",
		metric.WithDescription("Number of decision executions by status"),
	); err != nil {
		return nil, err
	}
	if m.executionLatency, err = meter.Float64Histogram("ledgerflow.execution.latency_ms",
		metric.WithDescription("Decision execution latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns an OTel-backed recorder using mp, or the global
// meter provider when mp is nil. Initialization failure yields NoopMetrics.
func NewMetricsRecorder(mp metric.MeterProvider) MetricsRecorder {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m, err := newOtelMetrics(mp)
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordPublish(ctx context.Context, channel string, cascades int) {
	attrs := metric.WithAttributes(attribute.String("channel", channel))
	m.published.Add(ctx, 1, attrs)
	if cascades > 0 {
		m.cascades.Add(ctx, int64(cascades), attrs)
	}
}

func (m *otelMetrics) RecordProviderRequest(ctx context.Context, provider string, duration time.Duration, tokens int64, err error) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("success", err == nil),
	)
	m.requests.Add(ctx, 1, attrs)
	m.requestLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if tokens > 0 {
		m.tokens.Add(ctx, tokens, metric.WithAttributes(attribute.String("provider", provider)))
	}
}

func (m *otelMetrics) RecordRateLimit(ctx context.Context, provider string) {
	m.rateLimits.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *otelMetrics) RecordBreakerOpened(ctx context.Context) {
	m.breakerOpened.Add(ctx, 1)
}

func (m *otelMetrics) RecordDecision(ctx context.Context, code, band, source string) {
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", code),
		attribute.String("band", band),
		attribute.String("source", source),
	))
}

func (m *otelMetrics) RecordExecution(ctx context.Context, code, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("decision", code),
		attribute.String("status", status),
	)
	m.executions.Add(ctx, 1, attrs)
	m.executionLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}
