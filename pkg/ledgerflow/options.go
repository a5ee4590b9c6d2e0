package ledgerflow

import (
	"log/slog"
	"time"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/observability"
)

// options holds optional pipeline collaborators.
type options struct {
	logger       *slog.Logger
	metrics      observability.MetricsRecorder
	spans        observability.SpanManager
	dependencies *event.DependencyGraph
	now          func() time.Time
}

func defaultOptions() options {
	return options{
		logger:       slog.Default(),
		metrics:      observability.NoopMetrics{},
		spans:        observability.NoopSpanManager{},
		dependencies: event.DefaultGraph(),
		now:          time.Now,
	}
}

// Option configures a Pipeline.
type Option func(*options)

// WithLogger sets the logger shared by every component.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables metric recording.
// Default: observability.NoopMetrics{}
//
// Example:
//
//	recorder := observability.NewMetricsRecorder(meterProvider)
//	p, err := ledgerflow.New(settings, store, providers, ledgerflow.WithMetrics(recorder))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithSpans enables tracing.
// Default: observability.NoopSpanManager{}
func WithSpans(s observability.SpanManager) Option {
	return func(o *options) {
		if s != nil {
			o.spans = s
		}
	}
}

// WithDependencies replaces the cascade graph. A nil graph disables
// cascading.
// Default: event.DefaultGraph()
func WithDependencies(g *event.DependencyGraph) Option {
	return func(o *options) {
		o.dependencies = g
	}
}

// WithClock sets the clock used by the router and executor.
// Default: time.Now
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
