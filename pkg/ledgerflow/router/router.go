// Package router turns bus events into decisions.
//
// Each event type belongs to a band that selects the preferred provider, the
// temperature and the prompt. The provider reply is reduced to the first
// JSON object it contains and normalized into a decision.Payload. When the
// dispatcher fails the router tries the remaining providers one by one and
// finally falls back to a fixed low-confidence decision per event type, so
// ProcessEvent never returns an error.
//
// Executable decisions produced by a provider are forwarded to the executor.
package router

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/decision"
	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/executor"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/ledger"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/observability"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/prompt"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/provider"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/signal"
)

// ReasonInactive is the skip reason while the router is stopped.
const ReasonInactive = "router not active"

// localProvider names the router itself in audit rows for safe defaults.
const localProvider = "local"

// Dispatcher is the provider surface the router needs.
type Dispatcher interface {
	MakeRequest(ctx context.Context, req provider.Request) (provider.Response, error)
	CallProvider(ctx context.Context, id string, req provider.Request) (provider.Response, error)
	Providers() []string
}

var _ Dispatcher = (*provider.Dispatcher)(nil)

// Executor applies decisions.
type Executor interface {
	ExecuteDecision(ctx context.Context, p decision.Payload) executor.Result
}

var _ Executor = (*executor.Executor)(nil)

// AuditSink stores one row per routing attempt.
type AuditSink interface {
	CreateDecisionAudit(ctx context.Context, a ledger.DecisionAudit) error
	CreateUsageLog(ctx context.Context, u ledger.UsageLog) error
}

// Config configures a Router.
type Config struct {
	// Bands binds bands to providers.
	// Default: DefaultBands
	Bands map[Band]BandConfig

	// Prompts are the templates per band.
	// Default: prompt.DefaultSet()
	Prompts prompt.Set

	// Classifier maps free-text actions to codes.
	// Default: decision.DefaultClassifier
	Classifier decision.Classifier

	// Executor receives executable decisions. Optional.
	Executor Executor

	// Audit receives decision audits and usage logs. Optional.
	Audit AuditSink

	// Bus is the intake and the destination of decision events. Optional;
	// without it only ProcessEvent is available.
	Bus *event.Bus

	// Workers is the number of goroutines draining the intake queue.
	// Default: 2
	Workers int

	// QueueSize bounds the intake queue. Events arriving on a full queue are
	// dropped.
	// Default: 64
	QueueSize int

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
	Signals signal.Emitter

	// Now is the clock stamped on decisions and audit rows.
	// Default: time.Now
	Now func() time.Time
}

// Result is the outcome of routing one event.
type Result struct {
	Decision  decision.Payload `json:"decision"`
	Band      Band             `json:"band"`
	Execution *executor.Result `json:"execution,omitempty"`
	Skipped   bool             `json:"skipped,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// Stats are cumulative router counters.
type Stats struct {
	Processed int64 `json:"processed"`
	AI        int64 `json:"ai"`
	Fallback  int64 `json:"fallback"`
	Default   int64 `json:"default"`
	Executed  int64 `json:"executed"`
	Dropped   int64 `json:"dropped"`
	Skipped   int64 `json:"skipped"`
}

// Router routes events to providers and forwards decisions.
type Router struct {
	dispatcher Dispatcher
	bands      map[Band]BandConfig
	prompts    prompt.Set
	normalizer normalizer
	executor   Executor
	audit      AuditSink
	bus        *event.Bus
	workers    int
	queueSize  int
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
	signals    signal.Emitter
	now        func() time.Time

	active atomic.Bool

	mu     sync.RWMutex
	queue  chan event.Event
	sub    *event.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed atomic.Int64
	ai        atomic.Int64
	fallback  atomic.Int64
	defaults  atomic.Int64
	executed  atomic.Int64
	dropped   atomic.Int64
	skipped   atomic.Int64
}

// New creates a router over d. It starts inactive; call Start.
func New(d Dispatcher, cfg Config) *Router {
	r := &Router{
		dispatcher: d,
		bands:      cfg.Bands,
		prompts:    cfg.Prompts,
		normalizer: normalizer{classifier: cfg.Classifier},
		executor:   cfg.Executor,
		audit:      cfg.Audit,
		bus:        cfg.Bus,
		workers:    cfg.Workers,
		queueSize:  cfg.QueueSize,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		spans:      cfg.Spans,
		signals:    cfg.Signals,
		now:        cfg.Now,
	}
	if r.bands == nil {
		r.bands = DefaultBands
	}
	if r.prompts == nil {
		r.prompts = prompt.DefaultSet()
	}
	if r.normalizer.classifier == nil {
		r.normalizer.classifier = decision.DefaultClassifier
	}
	if r.workers <= 0 {
		r.workers = 2
	}
	if r.queueSize <= 0 {
		r.queueSize = 64
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = observability.NoopMetrics{}
	}
	if r.spans == nil {
		r.spans = observability.NoopSpanManager{}
	}
	if r.signals == nil {
		r.signals = signal.Nop{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.logger = r.logger.With(slog.String("component", "router"))
	return r
}

// Active reports whether the router processes events.
func (r *Router) Active() bool { return r.active.Load() }

// ProcessEvent routes one event. While the router is stopped it returns a
// skipped result.
func (r *Router) ProcessEvent(ctx context.Context, evt event.Event) Result {
	if !r.Active() {
		r.skipped.Add(1)
		return Result{Band: BandFor(evt.Type), Skipped: true, Reason: ReasonInactive}
	}
	r.processed.Add(1)

	band := BandFor(evt.Type)
	bc := r.bandConfig(band)
	ctx, span := r.spans.StartDecisionSpan(ctx, evt.Type, string(band))
	defer r.spans.EndSpanWithError(span, nil)

	req, err := r.buildRequest(evt, band, bc)
	var p decision.Payload
	if err != nil {
		r.logger.Error("prompt render failed", slog.String("event_type", evt.Type), slog.String("error", err.Error()))
		p = r.safeDefault(ctx, evt, band, err)
	} else {
		p = r.decide(ctx, evt, band, req)
	}

	res := Result{Decision: p, Band: band}
	r.publish(ctx, evt, res)

	if r.executor != nil && p.Source != decision.SourceDefault && p.Type.Executable() {
		exec := r.executor.ExecuteDecision(ctx, p)
		res.Execution = &exec
		if !exec.Skipped() {
			r.executed.Add(1)
		}
	}
	return res
}

func (r *Router) bandConfig(band Band) BandConfig {
	if bc, ok := r.bands[band]; ok {
		return bc
	}
	return DefaultBands[band]
}

func (r *Router) buildRequest(evt event.Event, band Band, bc BandConfig) (provider.Request, error) {
	codes := make([]string, 0, len(decision.Codes()))
	for _, c := range decision.Codes() {
		codes = append(codes, string(c))
	}
	data := evt.Data
	if data == nil {
		data = map[string]any{}
	}
	system, user, err := r.prompts.Render(string(band), map[string]any{
		"eventType":     evt.Type,
		"channel":       string(evt.Channel),
		"timestamp":     evt.Timestamp.UTC().Format(time.RFC3339),
		"data":          data,
		"codes":         strings.Join(codes, ", "),
		"band":          string(band),
		"correlationId": correlationOf(evt),
	})
	if err != nil {
		return provider.Request{}, err
	}
	return provider.Request{
		Prompt:            user,
		SystemPrompt:      system,
		MaxTokens:         bc.MaxTokens,
		Temperature:       bc.Temperature,
		PreferredProvider: bc.Provider,
	}, nil
}

// decide runs the dispatcher, the manual fallback chain and the safe
// default, in that order.
func (r *Router) decide(ctx context.Context, evt event.Event, band Band, req provider.Request) decision.Payload {
	began := r.now()
	resp, err := r.dispatcher.MakeRequest(ctx, req)
	if err == nil {
		p := r.fromResponse(evt, resp, decision.SourceAI)
		r.record(ctx, evt, band, p, resp, nil, r.now().Sub(began))
		r.ai.Add(1)
		return p
	}
	r.record(ctx, evt, band, r.attempted(evt, req.PreferredProvider, decision.SourceAI), provider.Response{}, err, r.now().Sub(began))

	var open *lferrors.CircuitOpenError
	if errors.As(err, &open) || ctx.Err() != nil {
		return r.safeDefault(ctx, evt, band, err)
	}

	candidates := r.fallbackCandidates(req.PreferredProvider, err)
	if len(candidates) == 0 {
		return r.safeDefault(ctx, evt, band, err)
	}

	chain := lferrors.Fallback(ctx, candidates,
		func(ctx context.Context, id string) (decision.Payload, error) {
			began := r.now()
			resp, err := r.dispatcher.CallProvider(ctx, id, req)
			if err != nil {
				r.record(ctx, evt, band, r.attempted(evt, id, decision.SourceFallback), provider.Response{}, err, r.now().Sub(began))
				return decision.Payload{}, err
			}
			p := r.fromResponse(evt, resp, decision.SourceFallback)
			r.record(ctx, evt, band, p, resp, nil, r.now().Sub(began))
			return p, nil
		},
		lferrors.WithFallbackLogger(r.logger),
		lferrors.WithStopOn(func(err error) bool {
			var open *lferrors.CircuitOpenError
			return errors.As(err, &open)
		}),
	)
	if chain.Err == nil {
		r.fallback.Add(1)
		return chain.Value
	}
	return r.safeDefault(ctx, evt, band, chain.Err)
}

// fallbackCandidates lists the configured providers the dispatcher did not
// already try, excluding the band's preferred provider.
func (r *Router) fallbackCandidates(preferred string, err error) []string {
	skip := map[string]bool{preferred: true}
	var exhausted *lferrors.AllProvidersExhaustedError
	if errors.As(err, &exhausted) {
		for _, id := range exhausted.Tried {
			skip[id] = true
		}
	}
	var out []string
	for _, id := range r.dispatcher.Providers() {
		if !skip[id] {
			out = append(out, id)
		}
	}
	return out
}

func (r *Router) fromResponse(evt event.Event, resp provider.Response, source decision.Source) decision.Payload {
	p := r.normalizer.normalize(evt, resp.Text)
	p.Provider = resp.Provider
	p.Model = resp.Model
	p.Source = source
	p.CreatedAt = r.now()
	return p
}

// attempted describes a failed attempt for the audit trail.
func (r *Router) attempted(evt event.Event, providerID string, source decision.Source) decision.Payload {
	return decision.Payload{
		Type:          DefaultCode(evt.Type),
		Provider:      providerID,
		Source:        source,
		EventType:     evt.Type,
		CorrelationID: correlationOf(evt),
	}
}

// safeDefault is the local decision when no provider answers. It is never
// executed.
func (r *Router) safeDefault(ctx context.Context, evt event.Event, band Band, cause error) decision.Payload {
	code := SafeCode(evt.Type)
	p := decision.Payload{
		Type:          code,
		Confidence:    safeDefaultConfidence,
		Impact:        code.Impact(),
		Parameters:    decision.DefaultParameters(code),
		Reasoning:     "no provider available; safe default applied",
		Provider:      localProvider,
		Source:        decision.SourceDefault,
		EventType:     evt.Type,
		CorrelationID: correlationOf(evt),
		CreatedAt:     r.now(),
	}
	if cause != nil {
		p.Reasoning += ": " + cause.Error()
	}
	r.record(ctx, evt, band, p, provider.Response{Provider: localProvider}, nil, 0)
	r.defaults.Add(1)
	return p
}

// record writes one audit row and one usage row. Store failures are logged.
func (r *Router) record(ctx context.Context, evt event.Event, band Band, p decision.Payload, resp provider.Response, err error, latency time.Duration) {
	if r.audit == nil {
		return
	}
	now := r.now()
	audit := ledger.DecisionAudit{
		ID:            uuid.New().String(),
		EventType:     evt.Type,
		Band:          string(band),
		Provider:      p.Provider,
		Model:         resp.Model,
		DecisionType:  string(p.Type),
		Confidence:    p.Confidence,
		Source:        string(p.Source),
		Success:       err == nil,
		CorrelationID: p.CorrelationID,
		CreatedAt:     now,
	}
	if err != nil {
		audit.Error = err.Error()
	}
	if aerr := r.audit.CreateDecisionAudit(ctx, audit); aerr != nil {
		r.logger.Warn("decision audit not stored", slog.String("error", aerr.Error()))
	}

	usage := ledger.UsageLog{
		ID:               uuid.New().String(),
		Provider:         p.Provider,
		Model:            resp.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		TotalTokens:      resp.TokensUsed,
		Cost:             resp.Cost,
		Success:          err == nil,
		LatencyMs:        latency.Milliseconds(),
		CreatedAt:        now,
	}
	if uerr := r.audit.CreateUsageLog(ctx, usage); uerr != nil {
		r.logger.Warn("usage log not stored", slog.String("error", uerr.Error()))
	}
}

func (r *Router) publish(ctx context.Context, evt event.Event, res Result) {
	p := res.Decision
	observability.LogDecision(r.logger, evt.Type, string(p.Type), p.Confidence, p.Provider)
	r.metrics.RecordDecision(ctx, string(p.Type), string(res.Band), string(p.Source))

	payload := map[string]any{
		"eventType":     evt.Type,
		"band":          string(res.Band),
		"type":          string(p.Type),
		"confidence":    p.Confidence,
		"impact":        string(p.Impact),
		"provider":      p.Provider,
		"source":        string(p.Source),
		"reasoning":     p.Reasoning,
		"correlationId": p.CorrelationID,
	}
	signal.Emit(r.signals, signal.Decision, "router", payload)

	if r.bus == nil {
		return
	}
	if _, err := r.bus.Emit(ctx, event.AIDecisions, "AI_DECISION", payload,
		event.WithCorrelationID(p.CorrelationID),
		event.WithSource("router"),
	); err != nil && !errors.Is(err, event.ErrBusClosed) {
		r.logger.Warn("decision not published", slog.String("error", err.Error()))
	}
}

// Start activates the router and, when a bus is configured, subscribes to
// the intake channels and starts the workers. Start is idempotent.
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active.CompareAndSwap(false, true) {
		return
	}

	if r.bus != nil {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		r.queue = make(chan event.Event, r.queueSize)
		for i := 0; i < r.workers; i++ {
			r.wg.Add(1)
			go r.work(ctx, r.queue)
		}
		r.sub = r.bus.Subscribe(slices.Clone(intakeChannels), r.enqueue)
	}
	signal.Emit(r.signals, signal.Started, "router", nil)
}

// Stop unsubscribes, waits for queued events to drain and deactivates the
// router. Stop is idempotent.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.sub != nil {
		r.sub.Unsubscribe()
		r.sub = nil
	}
	queue := r.queue
	r.queue = nil
	r.mu.Unlock()

	if queue != nil {
		close(queue)
		r.wg.Wait()
		r.cancel()
	}

	if r.active.CompareAndSwap(true, false) {
		signal.Emit(r.signals, signal.Stopped, "router", nil)
	}
}

// enqueue is the bus handler. It never blocks: a full queue drops the event.
func (r *Router) enqueue(_ context.Context, evt event.Event) error {
	if !Eligible(evt.Type) || evt.IsCascade() {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.queue == nil {
		return nil
	}
	select {
	case r.queue <- evt:
	default:
		r.dropped.Add(1)
		r.logger.Warn("router queue full, event dropped",
			slog.String("event_type", evt.Type),
			slog.String("event_id", evt.ID),
		)
	}
	return nil
}

func (r *Router) work(ctx context.Context, queue <-chan event.Event) {
	defer r.wg.Done()
	for evt := range queue {
		r.ProcessEvent(ctx, evt)
	}
}

// Stats returns cumulative counters.
func (r *Router) Stats() Stats {
	return Stats{
		Processed: r.processed.Load(),
		AI:        r.ai.Load(),
		Fallback:  r.fallback.Load(),
		Default:   r.defaults.Load(),
		Executed:  r.executed.Load(),
		Dropped:   r.dropped.Load(),
		Skipped:   r.skipped.Load(),
	}
}
