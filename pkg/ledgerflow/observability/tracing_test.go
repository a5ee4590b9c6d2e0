package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTracingTest(t *testing.T) (*tracetest.InMemoryExporter, SpanManager) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
	})
	return exporter, NewSpanManager(tp)
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSpanManager_Spans(t *testing.T) {
	exporter, sm := setupTracingTest(t)
	ctx := context.Background()

	ctx, decision := sm.StartDecisionSpan(ctx, "SHARD_OVERLOAD", "strategic")
	dctx, dispatch := sm.StartDispatchSpan(ctx, "anthropic")
	sm.AddSpanEvent(dctx, "provider.selected", attribute.String("provider", "anthropic"))
	sm.EndSpanWithError(dispatch, nil)
	_, exec := sm.StartExecutionSpan(ctx, "REBALANCE_SHARD_LOAD", 95)
	sm.EndSpanWithError(exec, errors.New("store down"))
	sm.EndSpanWithError(decision, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)

	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}

	d := byName["ledgerflow.dispatch"]
	assert.Equal(t, codes.Ok, d.Status.Code)
	require.Len(t, d.Events, 1)
	assert.Equal(t, "provider.selected", d.Events[0].Name)
	v, ok := attrValue(d.Attributes, "provider.preferred")
	require.True(t, ok)
	assert.Equal(t, "anthropic", v.AsString())

	e := byName["ledgerflow.execution"]
	assert.Equal(t, codes.Error, e.Status.Code)
	assert.Equal(t, "store down", e.Status.Description)

	root := byName["ledgerflow.decision"]
	assert.Equal(t, root.SpanContext.TraceID(), d.SpanContext.TraceID())
	assert.Equal(t, root.SpanContext.SpanID(), d.Parent.SpanID())
}

func TestNoopSpanManager(t *testing.T) {
	var sm SpanManager = NoopSpanManager{}
	ctx := context.Background()

	got, span := sm.StartDispatchSpan(ctx, "x")
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())
	assert.NotPanics(t, func() {
		sm.EndSpanWithError(span, errors.New("x"))
		sm.AddSpanEvent(ctx, "evt")
	})
}

func TestEndSpanWithError_Nil(t *testing.T) {
	assert.NotPanics(t, func() { EndSpanWithError(nil, nil) })
}
