package errors

import (
	"context"
	"log/slog"
)

// FallbackResult contains the outcome of a fallback chain.
type FallbackResult[T any] struct {
	// Value is the result of the first successful candidate.
	Value T

	// Err is the last error when every candidate failed.
	Err error

	// Candidate is the candidate that produced Value (or failed last).
	Candidate string

	// Attempts is the number of candidates tried.
	Attempts int
}

// FallbackOption configures a fallback chain.
type FallbackOption func(*fallbackConfig)

type fallbackConfig struct {
	logger     *slog.Logger
	onFallback func(from, to string, err error)
	stopOn     func(error) bool
}

// WithFallbackLogger sets the logger used when switching candidates.
func WithFallbackLogger(logger *slog.Logger) FallbackOption {
	return func(c *fallbackConfig) {
		c.logger = logger
	}
}

// WithOnFallback sets a callback invoked each time the chain moves on.
func WithOnFallback(fn func(from, to string, err error)) FallbackOption {
	return func(c *fallbackConfig) {
		c.onFallback = fn
	}
}

// WithStopOn ends the chain early when fn reports true for a candidate error.
func WithStopOn(fn func(error) bool) FallbackOption {
	return func(c *fallbackConfig) {
		c.stopOn = fn
	}
}

// Fallback tries each candidate in order until one succeeds.
func Fallback[T any](
	ctx context.Context,
	candidates []string,
	fn func(ctx context.Context, candidate string) (T, error),
	opts ...FallbackOption,
) FallbackResult[T] {
	cfg := &fallbackConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	var result FallbackResult[T]
	for i, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			result.Err = err
			return result
		}

		result.Attempts++
		result.Candidate = candidate

		value, err := fn(ctx, candidate)
		if err == nil {
			result.Value = value
			result.Err = nil
			return result
		}
		result.Err = err

		if cfg.stopOn != nil && cfg.stopOn(err) {
			return result
		}

		if i < len(candidates)-1 {
			next := candidates[i+1]
			cfg.logger.Info("falling back to next candidate",
				"from", candidate,
				"to", next,
				"error", err,
			)
			if cfg.onFallback != nil {
				cfg.onFallback(candidate, next, err)
			}
		}
	}

	if result.Err == nil {
		result.Err = ErrNoProvidersAvailable
	}
	return result
}
