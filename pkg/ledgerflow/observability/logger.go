// Package observability provides structured logging helpers, metrics and
// tracing for the ledgerflow pipeline.
//
// Metrics and tracing use OpenTelemetry and have no-op implementations for
// when they are disabled. Logging helpers accept a nil logger.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds component and correlation context to a logger.
func EnrichLogger(logger *slog.Logger, component, correlationID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	attrs := []any{slog.String("component", component)}
	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}
	return logger.With(attrs...)
}

// LogPublish logs a bus publish.
func LogPublish(logger *slog.Logger, channel, eventType string, subscribers, cascades int) {
	if logger == nil {
		return
	}
	logger.Debug("event published",
		slog.String("channel", channel),
		slog.String("event_type", eventType),
		slog.Int("subscribers", subscribers),
		slog.Int("cascades", cascades),
	)
}

// LogSubscriberError logs a subscriber that failed or panicked. Delivery to
// other subscribers continues.
func LogSubscriberError(logger *slog.Logger, channel string, subscriptionID uint64, failure any) {
	if logger == nil {
		return
	}
	logger.Error("subscriber failed",
		slog.String("channel", channel),
		slog.Uint64("subscription_id", subscriptionID),
		slog.Any("error", failure),
	)
}

// LogProviderSwitch logs the dispatcher moving to another provider.
func LogProviderSwitch(logger *slog.Logger, from, to, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("provider switched",
		slog.String("from", from),
		slog.String("to", to),
		slog.String("reason", reason),
	)
}

// LogRateLimited logs a provider entering its rate-limit window.
func LogRateLimited(logger *slog.Logger, provider string, resetAt time.Time) {
	if logger == nil {
		return
	}
	logger.Warn("provider rate limited",
		slog.String("provider", provider),
		slog.Time("reset_at", resetAt),
	)
}

// LogBreakerOpened logs the global circuit breaker opening.
func LogBreakerOpened(logger *slog.Logger, consecutive int, cooldown time.Duration) {
	if logger == nil {
		return
	}
	logger.Error("circuit breaker opened",
		slog.Int("consecutive_all_down", consecutive),
		slog.Duration("cooldown", cooldown),
	)
}

// LogDecision logs a normalized decision.
func LogDecision(logger *slog.Logger, eventType, code string, confidence float64, provider string) {
	if logger == nil {
		return
	}
	logger.Info("decision produced",
		slog.String("event_type", eventType),
		slog.String("decision", code),
		slog.Float64("confidence", confidence),
		slog.String("provider", provider),
	)
}

// LogExecution logs a finished execution attempt.
func LogExecution(logger *slog.Logger, executionID, code, status string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("decision executed",
		slog.String("execution_id", executionID),
		slog.String("decision", code),
		slog.String("status", status),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogRollback logs a rollback. A non-nil err is logged at error level.
func LogRollback(logger *slog.Logger, executionID, reason string, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Error("rollback failed",
			slog.String("execution_id", executionID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("execution rolled back",
		slog.String("execution_id", executionID),
		slog.String("reason", reason),
	)
}

// TimedOperation returns a function reporting the elapsed milliseconds since
// TimedOperation was called.
//
//	done := TimedOperation()
//	// ... work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
