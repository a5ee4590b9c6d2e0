package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "ledgerflow"

// SpanManager handles trace span lifecycle.
// Use NewSpanManager for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartDispatchSpan starts a span around one dispatcher request.
	StartDispatchSpan(ctx context.Context, preferredProvider string) (context.Context, trace.Span)

	// StartDecisionSpan starts a span around routing one event.
	StartDecisionSpan(ctx context.Context, eventType, band string) (context.Context, trace.Span)

	// StartExecutionSpan starts a span around executing one decision.
	StartExecutionSpan(ctx context.Context, decisionType string, confidence float64) (context.Context, trace.Span)

	// EndSpanWithError completes a span, recording err when non-nil.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the span in ctx.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns an OTel SpanManager using tp, or the global tracer
// provider when tp is nil.
func NewSpanManager(tp trace.TracerProvider) SpanManager {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &otelSpanManager{tracer: tp.Tracer(tracerName)}
}

func (m *otelSpanManager) StartDispatchSpan(ctx context.Context, preferredProvider string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "ledgerflow.dispatch",
		trace.WithAttributes(attribute.String("provider.preferred", preferredProvider)),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func (m *otelSpanManager) StartDecisionSpan(ctx context.Context, eventType, band string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "ledgerflow.decision",
		trace.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("decision.band", band),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) StartExecutionSpan(ctx context.Context, decisionType string, confidence float64) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "ledgerflow.execution",
		trace.WithAttributes(
			attribute.String("decision.type", decisionType),
			attribute.Float64("decision.confidence", confidence),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
