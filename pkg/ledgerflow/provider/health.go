package provider

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/signal"
)

const healthPrompt = "Reply with the single word OK."

// HealthStatus is the outcome of one connection check.
type HealthStatus struct {
	Provider string `json:"provider"`
	Healthy  bool   `json:"healthy"`

	// RateLimited is set when the provider answered with a rate limit. Such a
	// provider is reachable and still counts as healthy.
	RateLimited bool          `json:"rateLimited"`
	Latency     time.Duration `json:"latency"`
	Error       string        `json:"error,omitempty"`
	CheckedAt   time.Time     `json:"checkedAt"`
}

// CheckProviderConnection issues a minimal prompt to one provider. The
// returned error is non-nil for an unknown provider, or a CircuitOpenError
// while the breaker is open, in which case no call is made and the recorded
// health is left unchanged.
func (d *Dispatcher) CheckProviderConnection(ctx context.Context, id string) (HealthStatus, error) {
	d.mu.Lock()
	p, ok := d.providers[id]
	d.mu.Unlock()
	if !ok {
		return HealthStatus{}, fmt.Errorf("%w: %s", lferrors.ErrProviderNotFound, id)
	}
	if err := d.breaker.allow(); err != nil {
		return HealthStatus{Provider: id, Error: err.Error(), CheckedAt: d.clock.Now()}, err
	}

	status := HealthStatus{Provider: id}
	began := time.Now()
	err := p.sem.Acquire(ctx, 1)
	if err == nil {
		_, err = p.adapter.Complete(ctx, Request{Prompt: healthPrompt, MaxTokens: 5})
		p.sem.Release(1)
	}
	status.Latency = time.Since(began)
	status.CheckedAt = d.clock.Now()

	switch {
	case err == nil:
		status.Healthy = true
	case lferrors.IsRateLimit(err):
		status.Healthy = true
		status.RateLimited = true
		status.Error = err.Error()
	default:
		status.Error = err.Error()
	}

	d.mu.Lock()
	p.usage.Healthy = status.Healthy
	p.usage.LastHealthCheck = status.CheckedAt
	d.mu.Unlock()

	if !status.Healthy {
		d.logger.Warn("provider health check failed", "provider", id, "error", status.Error)
	}
	return status, nil
}

// CheckAll checks every provider concurrently and emits the results. It is
// skipped while the circuit breaker is open.
func (d *Dispatcher) CheckAll(ctx context.Context) []HealthStatus {
	if d.breaker.allow() != nil {
		return nil
	}

	results := make([]HealthStatus, len(d.order))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range d.order {
		g.Go(func() error {
			status, err := d.CheckProviderConnection(gctx, id)
			if err != nil {
				return err
			}
			results[i] = status
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		d.logger.Error("health check failed", "error", err)
	}

	d.emit(signal.HealthCheckUpdate, map[string]any{"results": results})
	return results
}
