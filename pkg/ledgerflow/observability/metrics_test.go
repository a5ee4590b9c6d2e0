package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, MetricsRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown meter provider: %v", err)
		}
	})
	return reader, NewMetricsRecorder(provider)
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumInt64(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestNewMetricsRecorder_NotNoop(t *testing.T) {
	_, rec := setupMetricsTest(t)
	_, isNoop := rec.(NoopMetrics)
	assert.False(t, isNoop)
}

func TestRecordPublish(t *testing.T) {
	reader, rec := setupMetricsTest(t)
	ctx := context.Background()

	rec.RecordPublish(ctx, "staking.state", 3)
	rec.RecordPublish(ctx, "network.stats", 0)

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumInt64(t, findMetric(rm, "ledgerflow.bus.published")))
	assert.Equal(t, int64(3), sumInt64(t, findMetric(rm, "ledgerflow.bus.cascades")))
}

func TestRecordProviderRequest(t *testing.T) {
	reader, rec := setupMetricsTest(t)
	ctx := context.Background()

	rec.RecordProviderRequest(ctx, "openai", 120*time.Millisecond, 400, nil)
	rec.RecordProviderRequest(ctx, "openai", 80*time.Millisecond, 0, errors.New("boom"))
	rec.RecordRateLimit(ctx, "openai")
	rec.RecordBreakerOpened(ctx)

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumInt64(t, findMetric(rm, "ledgerflow.provider.requests")))
	assert.Equal(t, int64(400), sumInt64(t, findMetric(rm, "ledgerflow.provider.tokens")))
	assert.Equal(t, int64(1), sumInt64(t, findMetric(rm, "ledgerflow.provider.rate_limits")))
	assert.Equal(t, int64(1), sumInt64(t, findMetric(rm, "ledgerflow.breaker.opened")))

	latency := findMetric(rm, "ledgerflow.provider.latency_ms")
	require.NotNil(t, latency)
	hist, ok := latency.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestRecordDecisionAndExecution(t *testing.T) {
	reader, rec := setupMetricsTest(t)
	ctx := context.Background()

	rec.RecordDecision(ctx, "SCALE_SHARDS", "strategic", "ai")
	rec.RecordExecution(ctx, "SCALE_SHARDS", "completed", 15*time.Millisecond)
	rec.RecordExecution(ctx, "SCALE_SHARDS", "skipped", 0)

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(1), sumInt64(t, findMetric(rm, "ledgerflow.decisions")))
	assert.Equal(t, int64(2), sumInt64(t, findMetric(rm, "ledgerflow.executions")))
	assert.NotNil(t, findMetric(rm, "ledgerflow.execution.latency_ms"))
}

func TestNoopMetrics(t *testing.T) {
	var rec MetricsRecorder = NoopMetrics{}
	ctx := context.Background()
	assert.NotPanics(t, func() {
		rec.RecordPublish(ctx, "c", 1)
		rec.RecordProviderRequest(ctx, "p", time.Second, 1, nil)
		rec.RecordRateLimit(ctx, "p")
		rec.RecordBreakerOpened(ctx)
		rec.RecordDecision(ctx, "d", "b", "s")
		rec.RecordExecution(ctx, "d", "s", time.Second)
	})
}
