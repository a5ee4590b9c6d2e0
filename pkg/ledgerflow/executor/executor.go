// Package executor applies routed decisions to the ledger.
//
// Each decision code maps to an action that captures the state it touches,
// applies a capped change, and can compensate by restoring the captured
// state. Every applied decision is recorded as an execution log holding the
// before and after state so it can be rolled back later.
//
// Decisions that fail a gate (executor inactive, non-executable code,
// confidence below the impact threshold, cooldown not elapsed, same code
// already executing) are returned as skipped results and never touch the
// store.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/config"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/decision"
	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/ledger"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/observability"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/signal"
)

// Status is the outcome of one execution attempt.
type Status string

// Execution statuses.
const (
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
	StatusSkipped    Status = "skipped"
)

// Skip reasons.
const (
	ReasonInactive       = "executor not active"
	ReasonUnknownType    = "unknown decision type"
	ReasonLowConfidence  = "confidence below threshold"
	ReasonIntervalNotMet = "execution interval not met"
	ReasonInFlight       = "execution already in progress"
	ReasonInvalidParams  = "invalid decision parameters"
	ReasonStepTooSmall   = "capped step rounds to zero"
)

// Result is the structured outcome of ExecuteDecision or RollbackExecution.
type Result struct {
	ExecutionID   string        `json:"executionId,omitempty"`
	Type          decision.Code `json:"type"`
	Status        Status        `json:"status"`
	PreviousValue any           `json:"previousValue,omitempty"`
	NewValue      any           `json:"newValue,omitempty"`
	Improvement   string        `json:"improvement,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	DurationMs    int64         `json:"durationMs"`
}

// Skipped reports whether the decision was rejected by a gate.
func (r Result) Skipped() bool { return r.Status == StatusSkipped }

// Store is the part of the ledger the executor reads and writes.
type Store interface {
	ledger.ShardStore
	ledger.NetworkStore
	ledger.ValidatorStore
	ledger.AuditStore
}

// Config configures an Executor.
type Config struct {
	// Thresholds is the minimum confidence per impact level.
	// Default: low 60, medium 70, high 80, critical 90
	Thresholds map[decision.Impact]float64

	// Cooldown is the minimum time between two executions of the same
	// decision code. A negative value disables the cooldown.
	// Default: 5m
	Cooldown time.Duration

	// Bus receives a state-change event after each completed execution and
	// rollback. Optional.
	Bus *event.Bus

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
	Signals signal.Emitter

	// Now is the clock used for cooldowns.
	// Default: time.Now
	Now func() time.Time
}

// DefaultThresholds are the confidence gates per impact level.
var DefaultThresholds = map[decision.Impact]float64{
	decision.ImpactLow:      60,
	decision.ImpactMedium:   70,
	decision.ImpactHigh:     80,
	decision.ImpactCritical: 90,
}

// DefaultCooldown is the per-code execution interval.
const DefaultCooldown = 5 * time.Minute

// ConfigFromSettings builds the threshold and cooldown part of Config.
func ConfigFromSettings(s *config.Settings) Config {
	return Config{
		Thresholds: map[decision.Impact]float64{
			decision.ImpactLow:      s.Thresholds.Low,
			decision.ImpactMedium:   s.Thresholds.Medium,
			decision.ImpactHigh:     s.Thresholds.High,
			decision.ImpactCritical: s.Thresholds.Critical,
		},
		Cooldown: s.ExecutorCooldown,
	}
}

// Stats are cumulative executor counters.
type Stats struct {
	Executed   int64 `json:"executed"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Skipped    int64 `json:"skipped"`
	RolledBack int64 `json:"rolledBack"`
}

// Executor applies decisions to a Store.
type Executor struct {
	store      Store
	thresholds map[decision.Impact]float64
	cooldown   time.Duration
	bus        *event.Bus
	logger     *slog.Logger
	metrics    observability.MetricsRecorder
	spans      observability.SpanManager
	signals    signal.Emitter
	now        func() time.Time

	active atomic.Bool

	mu       sync.Mutex
	lastRun  map[decision.Code]time.Time
	inFlight map[decision.Code]bool

	executed   atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	skipped    atomic.Int64
	rolledBack atomic.Int64
}

// New creates an executor. It starts inactive; call Start.
func New(store Store, cfg Config) *Executor {
	e := &Executor{
		store:      store,
		thresholds: make(map[decision.Impact]float64, len(DefaultThresholds)),
		cooldown:   cfg.Cooldown,
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		spans:      cfg.Spans,
		signals:    cfg.Signals,
		now:        cfg.Now,
		lastRun:    make(map[decision.Code]time.Time),
		inFlight:   make(map[decision.Code]bool),
	}
	for impact, th := range DefaultThresholds {
		e.thresholds[impact] = th
	}
	for impact, th := range cfg.Thresholds {
		e.thresholds[impact] = th
	}
	if e.cooldown < 0 {
		e.cooldown = 0
	} else if e.cooldown == 0 {
		e.cooldown = DefaultCooldown
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = observability.NoopMetrics{}
	}
	if e.spans == nil {
		e.spans = observability.NoopSpanManager{}
	}
	if e.signals == nil {
		e.signals = signal.Nop{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.logger = e.logger.With(slog.String("component", "executor"))
	return e
}

// Start activates the executor.
func (e *Executor) Start() {
	if e.active.CompareAndSwap(false, true) {
		signal.Emit(e.signals, signal.Started, "executor", nil)
	}
}

// Stop deactivates the executor. Later decisions are skipped.
func (e *Executor) Stop() {
	if e.active.CompareAndSwap(true, false) {
		signal.Emit(e.signals, signal.Stopped, "executor", nil)
	}
}

// Active reports whether the executor accepts decisions.
func (e *Executor) Active() bool { return e.active.Load() }

// Threshold returns the confidence required for code.
func (e *Executor) Threshold(code decision.Code) float64 {
	return e.thresholds[code.Impact()]
}

// ExecuteDecision runs the gates and, if they pass, applies p.
func (e *Executor) ExecuteDecision(ctx context.Context, p decision.Payload) Result {
	act, reason := e.admit(p)
	if reason != "" {
		return e.skip(p, reason)
	}
	defer e.release(p.Type)

	ctx, span := e.spans.StartExecutionSpan(ctx, string(p.Type), p.Confidence)
	res := e.run(ctx, act, p)
	if res.Status == StatusFailed {
		e.spans.EndSpanWithError(span, errors.New(res.Reason))
	} else {
		e.spans.EndSpanWithError(span, nil)
	}
	return res
}

func (e *Executor) skip(p decision.Payload, reason string) Result {
	e.skipped.Add(1)
	e.logger.Debug("decision skipped",
		slog.String("decision", string(p.Type)),
		slog.Float64("confidence", p.Confidence),
		slog.String("reason", reason),
	)
	return Result{Type: p.Type, Status: StatusSkipped, Reason: reason}
}

// admit checks the gates in order and reserves the code on success.
func (e *Executor) admit(p decision.Payload) (action, string) {
	if !e.Active() {
		return action{}, ReasonInactive
	}
	act, ok := actions[p.Type]
	if !ok || !p.Type.Executable() {
		return action{}, ReasonUnknownType
	}
	if p.ParamError != "" {
		return action{}, ReasonInvalidParams + ": " + p.ParamError
	}
	if p.Confidence < e.Threshold(p.Type) {
		return action{}, fmt.Sprintf("%s: %.0f < %.0f", ReasonLowConfidence, p.Confidence, e.Threshold(p.Type))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.lastRun[p.Type]; ok && e.now().Sub(last) < e.cooldown {
		return action{}, ReasonIntervalNotMet
	}
	if e.inFlight[p.Type] {
		return action{}, ReasonInFlight
	}
	e.inFlight[p.Type] = true
	return act, ""
}

func (e *Executor) release(code decision.Code) {
	e.mu.Lock()
	delete(e.inFlight, code)
	e.mu.Unlock()
}

func (e *Executor) run(ctx context.Context, act action, p decision.Payload) Result {
	began := e.now()
	res := Result{Type: p.Type}

	before, err := act.capture(ctx, e.store)
	if err != nil {
		e.executed.Add(1)
		return e.finish(ctx, res, began, fmt.Errorf("capture state: %w", err))
	}
	if act.check != nil {
		if reason := act.check(p, before); reason != "" {
			return e.skip(p, reason)
		}
	}
	e.executed.Add(1)
	res.PreviousValue = act.value(before)

	params, _ := json.Marshal(p.Params())
	beforeState, _ := json.Marshal(before)
	log := ledger.ExecutionLog{
		DecisionType: string(p.Type),
		Status:       ledger.StatusExecuting,
		Confidence:   p.Confidence,
		Provider:     p.Provider,
		Model:        p.Model,
		Parameters:   params,
		BeforeState:  beforeState,
		Reason:       p.Reasoning,
		StartedAt:    began,
	}
	persisted := true
	id, err := e.store.CreateAIExecutionLog(ctx, log)
	if err != nil {
		persisted = false
		id = "tmp-" + uuid.New().String()
		e.logger.Warn("execution log not persisted",
			slog.String("decision", string(p.Type)),
			slog.String("execution_id", id),
			slog.String("error", err.Error()),
		)
	}
	res.ExecutionID = id
	log.ID = id

	after, applyErr := act.apply(ctx, e.store, p, before)
	if applyErr != nil {
		if cerr := act.compensate(ctx, e.store, before, after); cerr != nil {
			e.logger.Error("compensation after failed execution failed",
				slog.String("execution_id", id),
				slog.String("error", cerr.Error()),
			)
			applyErr = errors.Join(applyErr, cerr)
		}
	} else {
		res.NewValue = act.value(after)
		res.Improvement = act.improvement(before, after)
	}

	res = e.finish(ctx, res, began, applyErr)

	if persisted {
		completed := e.now()
		log.Status = string(res.Status)
		log.Improvement = res.Improvement
		log.DurationMs = res.DurationMs
		log.CompletedAt = &completed
		if applyErr == nil {
			log.AfterState, _ = json.Marshal(after)
		} else {
			log.Reason = applyErr.Error()
		}
		if err := e.store.UpdateAIExecutionLog(ctx, log); err != nil {
			e.logger.Warn("execution log update failed",
				slog.String("execution_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	if applyErr == nil {
		e.mu.Lock()
		e.lastRun[p.Type] = e.now()
		e.mu.Unlock()
		e.publish(ctx, act, p, res)
	}
	return res
}

// finish stamps status and duration and records the outcome.
func (e *Executor) finish(ctx context.Context, res Result, began time.Time, err error) Result {
	duration := e.now().Sub(began)
	res.DurationMs = duration.Milliseconds()
	if err != nil {
		res.Status = StatusFailed
		res.Reason = err.Error()
		e.failed.Add(1)
	} else {
		res.Status = StatusCompleted
		e.completed.Add(1)
	}

	e.metrics.RecordExecution(ctx, string(res.Type), string(res.Status), duration)
	observability.LogExecution(e.logger, res.ExecutionID, string(res.Type), string(res.Status), float64(res.DurationMs))
	signal.Emit(e.signals, signal.Execution, "executor", map[string]any{
		"executionId": res.ExecutionID,
		"type":        string(res.Type),
		"status":      string(res.Status),
		"improvement": res.Improvement,
		"reason":      res.Reason,
	})
	return res
}

func (e *Executor) publish(ctx context.Context, act action, p decision.Payload, res Result) {
	if e.bus == nil {
		return
	}
	data := map[string]any{
		"executionId":   res.ExecutionID,
		"decisionType":  string(res.Type),
		"status":        string(res.Status),
		"previousValue": res.PreviousValue,
		"newValue":      res.NewValue,
		"improvement":   res.Improvement,
	}
	opts := []event.Option{event.WithSource("executor")}
	if p.CorrelationID != "" {
		opts = append(opts, event.WithCorrelationID(p.CorrelationID))
	}
	if _, err := e.bus.Emit(ctx, act.channel, act.eventType, data, opts...); err != nil {
		e.logger.Warn("state change not published",
			slog.String("execution_id", res.ExecutionID),
			slog.String("error", err.Error()),
		)
	}
}

// RollbackExecution restores the state captured before execution id. Rolling
// back an already rolled-back execution is a no-op. Any failure is returned
// as a *errors.RollbackError.
func (e *Executor) RollbackExecution(ctx context.Context, id, reason string) (Result, error) {
	fail := func(err error) (Result, error) {
		rerr := &lferrors.RollbackError{ExecutionID: id, Err: err}
		observability.LogRollback(e.logger, id, reason, rerr)
		return Result{ExecutionID: id, Status: StatusFailed, Reason: rerr.Error()}, rerr
	}

	log, err := e.store.GetAIExecutionLog(ctx, id)
	if err != nil {
		return fail(fmt.Errorf("load execution log: %w", err))
	}
	code := decision.Code(log.DecisionType)
	res := Result{ExecutionID: id, Type: code}
	if log.RolledBack {
		res.Status = StatusRolledBack
		res.Reason = log.RollbackReason
		return res, nil
	}
	if log.Status != ledger.StatusCompleted {
		return fail(fmt.Errorf("execution is %s, only completed executions can be rolled back", log.Status))
	}
	act, ok := actions[code]
	if !ok {
		return fail(fmt.Errorf("%s: %s", ReasonUnknownType, code))
	}

	var before, after snapshot
	if err := json.Unmarshal(log.BeforeState, &before); err != nil {
		return fail(fmt.Errorf("decode before state: %w", err))
	}
	if len(log.AfterState) > 0 {
		if err := json.Unmarshal(log.AfterState, &after); err != nil {
			return fail(fmt.Errorf("decode after state: %w", err))
		}
	}

	if err := act.compensate(ctx, e.store, before, after); err != nil {
		return fail(err)
	}

	now := e.now()
	log.RolledBack = true
	log.RollbackReason = reason
	log.RolledBackAt = &now
	log.Status = ledger.StatusRolledBack
	if err := e.store.UpdateAIExecutionLog(ctx, log); err != nil {
		return fail(fmt.Errorf("mark rolled back: %w", err))
	}

	e.rolledBack.Add(1)
	res.Status = StatusRolledBack
	res.Reason = reason
	res.PreviousValue = act.value(after)
	res.NewValue = act.value(before)

	observability.LogRollback(e.logger, id, reason, nil)
	signal.Emit(e.signals, signal.RolledBack, "executor", map[string]any{
		"executionId": id,
		"type":        string(code),
		"reason":      reason,
	})
	if e.bus != nil {
		if _, err := e.bus.Emit(ctx, act.channel, "EXECUTION_ROLLED_BACK", map[string]any{
			"executionId":  id,
			"decisionType": string(code),
			"reason":       reason,
		}, event.WithSource("executor")); err != nil {
			e.logger.Warn("rollback not published", slog.String("execution_id", id), slog.String("error", err.Error()))
		}
	}
	return res, nil
}

// ExecutionLogs returns up to limit execution logs, newest first.
func (e *Executor) ExecutionLogs(ctx context.Context, limit int) ([]ledger.ExecutionLog, error) {
	return e.store.ListAIExecutionLogs(ctx, limit)
}

// Stats returns cumulative counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Executed:   e.executed.Load(),
		Completed:  e.completed.Load(),
		Failed:     e.failed.Load(),
		Skipped:    e.skipped.Load(),
		RolledBack: e.rolledBack.Load(),
	}
}
