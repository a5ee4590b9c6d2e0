package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/config"
	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/observability"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/schedule"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/signal"
)

const signalSource = "dispatcher"

// DispatcherConfig configures a Dispatcher. Zero fields take the value from
// DefaultDispatcherConfig.
type DispatcherConfig struct {
	// RateLimitWindow is how long a provider stays rate limited.
	RateLimitWindow time.Duration

	// BreakerThreshold is the number of consecutive "no provider available"
	// requests that opens the global circuit breaker.
	BreakerThreshold int

	// BreakerCooldown is how long the breaker rejects requests once open.
	BreakerCooldown time.Duration

	// FallbackActivation is the number of consecutive primary failures that
	// activates FallbackProvider.
	FallbackActivation int

	// FallbackProvider is excluded from selection until activated.
	FallbackProvider string

	// MaxConcurrent bounds in-flight calls per provider.
	MaxConcurrent int

	// MaxAttempts is the provider-switch budget of one request.
	MaxAttempts int

	// Retry wraps every provider call. Rate limits are never retried.
	Retry lferrors.RetryConfig

	UsageInterval       time.Duration
	HealthCheckInterval time.Duration

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
	Signals signal.Emitter
	Clock   Clock
}

// DefaultDispatcherConfig holds the standard dispatcher settings.
var DefaultDispatcherConfig = DispatcherConfig{
	RateLimitWindow:     60 * time.Second,
	BreakerThreshold:    3,
	BreakerCooldown:     30 * time.Second,
	FallbackActivation:  3,
	FallbackProvider:    "grok",
	MaxConcurrent:       3,
	MaxAttempts:         3,
	Retry:               lferrors.ProviderRetry,
	UsageInterval:       30 * time.Second,
	HealthCheckInterval: 5 * time.Minute,
}

// DispatcherConfigFromSettings maps service settings onto a DispatcherConfig.
func DispatcherConfigFromSettings(s *config.Settings) DispatcherConfig {
	cfg := DefaultDispatcherConfig
	cfg.RateLimitWindow = s.RateLimitWindow
	cfg.BreakerThreshold = s.BreakerThreshold
	cfg.BreakerCooldown = s.BreakerCooldown
	cfg.FallbackActivation = s.FallbackActivation
	cfg.FallbackProvider = s.FallbackProvider
	cfg.MaxConcurrent = s.ProviderConcurrency
	cfg.UsageInterval = s.UsageInterval
	cfg.HealthCheckInterval = s.HealthCheckInterval
	return cfg
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	d := DefaultDispatcherConfig
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = d.RateLimitWindow
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	if c.FallbackActivation <= 0 {
		c.FallbackActivation = d.FallbackActivation
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = d.Retry
	}
	if c.UsageInterval <= 0 {
		c.UsageInterval = d.UsageInterval
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	if c.Spans == nil {
		c.Spans = observability.NoopSpanManager{}
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	return c
}

type providerState struct {
	cfg     Config
	adapter Adapter
	sem     *semaphore.Weighted
	limiter *limiter

	// Guarded by Dispatcher.mu.
	usage Usage
	timer Timer
}

// Dispatcher routes completion requests to the best available provider.
type Dispatcher struct {
	cfg     DispatcherConfig
	clock   Clock
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	breaker *breaker
	tracker *failureTracker

	mu        sync.Mutex
	providers map[string]*providerState
	order     []string
	active    string

	lifecycle sync.Mutex
	running   bool
	tasks     []*schedule.Task
}

// NewDispatcher creates a dispatcher over the given providers.
func NewDispatcher(cfg DispatcherConfig, providers ...Provider) (*Dispatcher, error) {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("component", signalSource),
		metrics:   cfg.Metrics,
		spans:     cfg.Spans,
		breaker:   newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, cfg.Clock.Now),
		tracker:   &failureTracker{},
		providers: make(map[string]*providerState, len(providers)),
	}

	for _, p := range providers {
		if p.Config.ID == "" {
			return nil, errors.New("provider id is required")
		}
		if p.Adapter == nil {
			return nil, fmt.Errorf("provider %s: adapter is required", p.Config.ID)
		}
		if _, dup := d.providers[p.Config.ID]; dup {
			return nil, fmt.Errorf("provider %s: duplicate id", p.Config.ID)
		}
		limit := p.Config.MaxConcurrent
		if limit <= 0 {
			limit = cfg.MaxConcurrent
		}
		d.providers[p.Config.ID] = &providerState{
			cfg:     p.Config,
			adapter: p.Adapter,
			sem:     semaphore.NewWeighted(int64(limit)),
			limiter: newLimiter(p.Config.RequestsPerMinute, time.Minute, cfg.Clock.Now()),
			usage: Usage{
				Provider: p.Config.ID,
				Model:    p.Config.Model,
				Priority: p.Config.Priority,
				Healthy:  true,
			},
		}
		d.order = append(d.order, p.Config.ID)
	}
	slices.SortStableFunc(d.order, func(a, b string) int {
		return d.providers[a].cfg.Priority - d.providers[b].cfg.Priority
	})

	if _, ok := d.providers[cfg.FallbackProvider]; ok {
		d.tracker.threshold = cfg.FallbackActivation
	}
	d.active = d.firstEligibleLocked(nil)
	return d, nil
}

// MakeRequest sends req to the preferred eligible provider, switching
// providers on rate limits and failures.
//
// While the circuit breaker is open MakeRequest returns a CircuitOpenError
// without touching any provider.
func (d *Dispatcher) MakeRequest(ctx context.Context, req Request) (Response, error) {
	if err := d.breaker.allow(); err != nil {
		return Response{}, err
	}

	ctx, span := d.spans.StartDispatchSpan(ctx, req.PreferredProvider)
	resp, err := d.dispatch(ctx, req)
	if err == nil {
		span.SetAttributes(
			attribute.String("ledgerflow.provider", resp.Provider),
			attribute.Int64("ledgerflow.tokens", resp.TokensUsed),
		)
	}
	d.spans.EndSpanWithError(span, err)
	return resp, err
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (Response, error) {
	if d.availableCount() == 0 {
		opened, consecutive := d.breaker.allDown()
		if opened {
			observability.LogBreakerOpened(d.logger, consecutive, d.cfg.BreakerCooldown)
			d.metrics.RecordBreakerOpened(ctx)
		}
		d.emit(signal.AllProvidersLimited, map[string]any{
			"consecutiveAllDown": consecutive,
			"breakerOpen":        opened,
		})
		return Response{}, &lferrors.AllProvidersExhaustedError{Last: lferrors.ErrNoProvidersAvailable}
	}

	tried := make(map[string]bool)
	var order []string
	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		p := d.pick(req.PreferredProvider, tried)
		if p == nil {
			break
		}
		tried[p.cfg.ID] = true
		order = append(order, p.cfg.ID)

		resp, err := d.call(ctx, p, req)
		if err == nil {
			d.succeeded(p.cfg.ID)
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Response{}, err
		}
		d.logger.Warn("provider call failed",
			"provider", p.cfg.ID,
			"attempt", attempt+1,
			"error", err,
		)
	}

	if lastErr == nil {
		lastErr = lferrors.ErrNoProvidersAvailable
	}
	exhausted := &lferrors.AllProvidersExhaustedError{Tried: order, Last: lastErr}
	if d.availableCount() == 0 {
		d.emit(signal.AllProvidersLimited, map[string]any{"tried": order})
	}
	return d.failed(ctx, req, tried, exhausted)
}

// failed counts a primary failure and, once the fallback is active, gives it
// one direct call if it was not already tried.
func (d *Dispatcher) failed(ctx context.Context, req Request, tried map[string]bool, err *lferrors.AllProvidersExhaustedError) (Response, error) {
	fallback := d.cfg.FallbackProvider
	primary := false
	for id := range tried {
		if id != fallback {
			primary = true
		}
	}
	if !primary {
		return Response{}, err
	}

	if d.tracker.failure() {
		d.logger.Warn("fallback provider activated",
			"provider", fallback,
			"consecutive_failures", d.tracker.count(),
		)
		d.emit(signal.GrokActivated, map[string]any{
			"provider":            fallback,
			"consecutiveFailures": d.tracker.count(),
		})
		d.mu.Lock()
		from, to, switched := d.refreshActiveLocked()
		d.mu.Unlock()
		if switched {
			d.switched(from, to, "fallback_activated")
		}
	}

	if !d.tracker.active() || tried[fallback] {
		return Response{}, err
	}
	d.mu.Lock()
	p, ok := d.providers[fallback]
	eligible := ok && d.eligibleLocked(p)
	d.mu.Unlock()
	if !eligible {
		return Response{}, err
	}

	resp, ferr := d.call(ctx, p, req)
	if ferr != nil {
		return Response{}, &lferrors.AllProvidersExhaustedError{
			Tried: append(err.Tried, fallback),
			Last:  ferr,
		}
	}
	d.succeeded(fallback)
	return resp, nil
}

// CallProvider sends req directly to one provider, bypassing selection.
// The circuit breaker still applies.
func (d *Dispatcher) CallProvider(ctx context.Context, id string, req Request) (Response, error) {
	if err := d.breaker.allow(); err != nil {
		return Response{}, err
	}

	d.mu.Lock()
	p, ok := d.providers[id]
	var limited, exhausted bool
	var resetAt time.Time
	if ok {
		limited = p.usage.IsRateLimited
		resetAt = p.usage.RateLimitResetAt
		exhausted = p.usage.quotaExhausted(p.cfg.DailyTokenLimit)
	}
	d.mu.Unlock()

	switch {
	case !ok:
		return Response{}, fmt.Errorf("%w: %s", lferrors.ErrProviderNotFound, id)
	case limited:
		return Response{}, &lferrors.RateLimitError{Provider: id, ResetAt: resetAt}
	case exhausted:
		return Response{}, &lferrors.RateLimitError{Provider: id, Err: errors.New("daily token quota exhausted")}
	}

	ctx, span := d.spans.StartDispatchSpan(ctx, id)
	resp, err := d.call(ctx, p, req)
	d.spans.EndSpanWithError(span, err)
	if err != nil {
		return Response{}, err
	}
	d.succeeded(id)
	return resp, nil
}

func (d *Dispatcher) succeeded(id string) {
	d.breaker.reset()
	if id != d.cfg.FallbackProvider {
		d.tracker.success()
	}
}

// call runs one provider call through the rpm limiter, the concurrency gate
// and the retry policy.
func (d *Dispatcher) call(ctx context.Context, p *providerState, req Request) (Response, error) {
	if !p.limiter.allow(d.clock.Now()) {
		err := &lferrors.RateLimitError{
			Provider: p.cfg.ID,
			Err:      fmt.Errorf("requests per minute limit %d reached", p.cfg.RequestsPerMinute),
		}
		d.markRateLimited(ctx, p.cfg.ID, err)
		return Response{}, err
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Response{}, err
	}
	defer p.sem.Release(1)

	result := lferrors.WithRetryContext(ctx, d.retryFor(p), func(ctx context.Context) (Response, error) {
		return d.invoke(ctx, p, req)
	})
	return result.Value, result.Err
}

func (d *Dispatcher) retryFor(p *providerState) lferrors.RetryConfig {
	cfg := d.cfg.Retry
	if p.cfg.MaxRetries > 0 {
		cfg.MaxAttempts = p.cfg.MaxRetries + 1
	}
	retryable := cfg.RetryableFunc
	cfg.RetryableFunc = func(err error) bool {
		if lferrors.IsRateLimit(err) {
			return false
		}
		if retryable != nil {
			return retryable(err)
		}
		return lferrors.IsRetryable(err)
	}
	return cfg
}

// invoke performs a single adapter call. Usage is recorded whatever the
// outcome.
func (d *Dispatcher) invoke(ctx context.Context, p *providerState, req Request) (resp Response, err error) {
	began := time.Now()
	defer func() {
		d.record(ctx, p, resp, err, time.Since(began))
	}()

	resp, err = p.adapter.Complete(ctx, req)
	if err != nil {
		if lferrors.IsRateLimit(err) {
			var rlErr *lferrors.RateLimitError
			if !errors.As(err, &rlErr) {
				err = &lferrors.RateLimitError{Provider: p.cfg.ID, Err: err}
			}
			d.markRateLimited(ctx, p.cfg.ID, err)
		}
		return Response{}, err
	}

	if resp.Provider == "" {
		resp.Provider = p.cfg.ID
	}
	if resp.Model == "" {
		resp.Model = p.cfg.Model
	}
	if resp.TokensUsed == 0 {
		resp.TokensUsed = resp.PromptTokens + resp.CompletionTokens
	}
	if resp.Cost == 0 {
		resp.Cost = p.cfg.Cost(resp.PromptTokens, resp.CompletionTokens, resp.TokensUsed)
	}
	if resp.Duration == 0 {
		resp.Duration = time.Since(began)
	}
	return resp, nil
}

func (d *Dispatcher) record(ctx context.Context, p *providerState, resp Response, err error, elapsed time.Duration) {
	d.mu.Lock()
	u := &p.usage
	u.TotalRequests++
	u.LastUsed = d.clock.Now()
	var from, to string
	var switched bool
	if err != nil {
		u.FailedRequests++
		u.LastError = err.Error()
	} else {
		u.SuccessfulRequests++
		u.TokensUsed += resp.TokensUsed
		u.DailyTokens += resp.TokensUsed
		u.Cost += resp.Cost
		u.LastError = ""
		if u.quotaExhausted(p.cfg.DailyTokenLimit) {
			from, to, switched = d.refreshActiveLocked()
		}
	}
	d.mu.Unlock()

	d.metrics.RecordProviderRequest(ctx, p.cfg.ID, elapsed, resp.TokensUsed, err)
	if switched {
		d.switched(from, to, "daily_quota")
	}
}

// markRateLimited flags a provider for the rate-limit window. The flag is
// always cleared by a timer.
func (d *Dispatcher) markRateLimited(ctx context.Context, id string, cause error) {
	d.mu.Lock()
	p := d.providers[id]
	p.usage.RateLimitHits++
	if p.usage.IsRateLimited {
		d.mu.Unlock()
		return
	}
	resetAt := d.clock.Now().Add(d.cfg.RateLimitWindow)
	p.usage.IsRateLimited = true
	p.usage.RateLimitResetAt = resetAt
	p.timer = d.clock.AfterFunc(d.cfg.RateLimitWindow, func() {
		d.clearRateLimit(id)
	})
	from, to, switched := d.refreshActiveLocked()
	d.mu.Unlock()

	observability.LogRateLimited(d.logger, id, resetAt)
	d.metrics.RecordRateLimit(ctx, id)
	d.emit(signal.RateLimitHit, map[string]any{
		"provider": id,
		"resetAt":  resetAt,
		"error":    cause.Error(),
	})
	if switched {
		d.switched(from, to, "rate_limited")
	}
}

func (d *Dispatcher) clearRateLimit(id string) {
	d.mu.Lock()
	p := d.providers[id]
	p.usage.IsRateLimited = false
	p.usage.RateLimitResetAt = time.Time{}
	p.timer = nil
	from, to, switched := d.refreshActiveLocked()
	d.mu.Unlock()

	d.logger.Info("provider rate limit cleared", "provider", id)
	if switched {
		d.switched(from, to, "rate_limit_cleared")
	}
}

func (d *Dispatcher) switched(from, to, reason string) {
	if to == "" {
		d.emit(signal.AllProvidersLimited, map[string]any{"previous": from, "reason": reason})
		return
	}
	observability.LogProviderSwitch(d.logger, from, to, reason)
	d.emit(signal.ProviderSwitched, map[string]any{
		"from":   from,
		"to":     to,
		"reason": reason,
	})
}

// pick returns the preferred provider when eligible, otherwise the first
// eligible provider by priority. Providers in exclude are skipped.
func (d *Dispatcher) pick(preferred string, exclude map[string]bool) *providerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.providers[preferred]; ok && !exclude[preferred] && d.eligibleLocked(p) {
		return p
	}
	if id := d.firstEligibleLocked(exclude); id != "" {
		return d.providers[id]
	}
	return nil
}

func (d *Dispatcher) firstEligibleLocked(exclude map[string]bool) string {
	for _, id := range d.order {
		if exclude[id] {
			continue
		}
		if d.eligibleLocked(d.providers[id]) {
			return id
		}
	}
	return ""
}

func (d *Dispatcher) eligibleLocked(p *providerState) bool {
	if p.usage.IsRateLimited || p.usage.quotaExhausted(p.cfg.DailyTokenLimit) {
		return false
	}
	if p.cfg.ID == d.cfg.FallbackProvider && !d.tracker.active() {
		return false
	}
	return true
}

// refreshActiveLocked recomputes the active provider and reports a change.
func (d *Dispatcher) refreshActiveLocked() (from, to string, switched bool) {
	next := d.firstEligibleLocked(nil)
	if next == d.active {
		return "", "", false
	}
	from = d.active
	d.active = next
	return from, next, true
}

func (d *Dispatcher) availableCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.providers {
		if d.eligibleLocked(p) {
			n++
		}
	}
	return n
}

// ActiveProvider returns the highest-priority eligible provider, or "" when
// none is eligible.
func (d *Dispatcher) ActiveProvider() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// FallbackActive reports whether the fallback provider has been activated.
// Activation is permanent.
func (d *Dispatcher) FallbackActive() bool {
	return d.tracker.active()
}

// ConsecutiveFailures returns the current primary failure run.
func (d *Dispatcher) ConsecutiveFailures() int {
	return d.tracker.count()
}

// BreakerState returns a snapshot of the circuit breaker.
func (d *Dispatcher) BreakerState() BreakerState {
	return d.breaker.state()
}

// Providers returns the configured provider ids in priority order.
func (d *Dispatcher) Providers() []string {
	return slices.Clone(d.order)
}

// Stats returns usage for every provider in priority order.
func (d *Dispatcher) Stats() []Usage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Usage, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.providers[id].usage)
	}
	return out
}

// Usage returns the usage of one provider.
func (d *Dispatcher) Usage(id string) (Usage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.providers[id]
	if !ok {
		return Usage{}, false
	}
	return p.usage, true
}

// IsRateLimited reports whether a provider is currently rate limited.
func (d *Dispatcher) IsRateLimited(id string) bool {
	u, ok := d.Usage(id)
	return ok && u.IsRateLimited
}

// ResetDailyUsage zeroes the daily token counters.
func (d *Dispatcher) ResetDailyUsage() {
	d.mu.Lock()
	for _, p := range d.providers {
		p.usage.DailyTokens = 0
	}
	from, to, switched := d.refreshActiveLocked()
	d.mu.Unlock()

	d.logger.Info("daily provider usage reset")
	if switched {
		d.switched(from, to, "daily_reset")
	}
}

// Start runs the daily reset, usage and health-check tasks.
func (d *Dispatcher) Start() {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.tasks = []*schedule.Task{
		schedule.Daily(func(context.Context) { d.ResetDailyUsage() }),
		schedule.Every(d.cfg.UsageInterval, func(context.Context) { d.emitUsage() }),
		schedule.Every(d.cfg.HealthCheckInterval, func(ctx context.Context) { d.CheckAll(ctx) }),
	}
	d.logger.Info("dispatcher started", "providers", d.order)
	d.emit(signal.Started, map[string]any{"providers": d.Providers()})
}

// Stop cancels the background tasks. Pending rate-limit timers still fire.
func (d *Dispatcher) Stop() {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if !d.running {
		return
	}
	d.running = false
	for _, t := range d.tasks {
		t.Stop()
	}
	d.tasks = nil
	d.logger.Info("dispatcher stopped")
	d.emit(signal.Stopped, nil)
}

func (d *Dispatcher) emitUsage() {
	d.emit(signal.UsageUpdate, map[string]any{
		"providers":      d.Stats(),
		"activeProvider": d.ActiveProvider(),
		"fallbackActive": d.FallbackActive(),
		"breaker":        d.BreakerState(),
	})
}

func (d *Dispatcher) emit(name signal.Name, payload map[string]any) {
	signal.Emit(d.cfg.Signals, name, signalSource, payload)
}
