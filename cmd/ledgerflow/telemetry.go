package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/observability"
)

const serviceName = "ledgerflow"

// telemetry holds the OTel providers of the process.
type telemetry struct {
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	reader  *sdkmetric.ManualReader

	shutdown []func(context.Context) error
}

// setupTelemetry installs an in-process meter provider, read on demand by
// the /debug/metrics endpoint, and an OTLP/HTTP trace exporter when endpoint
// is set. Without an endpoint spans are no-ops.
func setupTelemetry(ctx context.Context, endpoint string) (*telemetry, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}

	t := &telemetry{reader: sdkmetric.NewManualReader()}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(t.reader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	t.shutdown = append(t.shutdown, mp.Shutdown)
	t.metrics = observability.NewMetricsRecorder(mp)

	if endpoint == "" {
		t.spans = observability.NoopSpanManager{}
		return t, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.shutdown = append(t.shutdown, tp.Shutdown)
	t.spans = observability.NewSpanManager(tp)
	return t, nil
}

// Shutdown flushes and stops every provider.
func (t *telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		errs = append(errs, t.shutdown[i](ctx))
	}
	return errors.Join(errs...)
}

// ServeHTTP writes the current metric snapshot as JSON.
func (t *telemetry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(r.Context(), &rm); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rm)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
