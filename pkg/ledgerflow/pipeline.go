package ledgerflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/config"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/executor"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/hub"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/ledger"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/provider"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/router"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/signal"
)

// Periodic broadcast event types.
const (
	NetworkStatsUpdate    = "NETWORK_STATS_UPDATE"
	ShardingStateUpdate   = "SHARDING_STATE_UPDATE"
	ValidatorsStateUpdate = "VALIDATORS_STATE_UPDATE"
)

const signalSource = "pipeline"

var broadcastChannels = []event.Channel{event.NetworkStats, event.ShardingState, event.ValidatorsState}

// Pipeline owns one instance of every long-lived component and their
// lifecycle.
type Pipeline struct {
	settings   *config.Settings
	store      ledger.Store
	bus        *event.Bus
	hub        *hub.Hub
	dispatcher *provider.Dispatcher
	router     *router.Router
	executor   *executor.Executor
	signals    *signal.Broadcaster
	logger     *slog.Logger

	stopForward func()

	mu      sync.Mutex
	running bool
	closed  bool
}

// Stats aggregates the counters of every component.
type Stats struct {
	Bus            event.Stats           `json:"bus"`
	Hub            hub.Stats             `json:"hub"`
	Router         router.Stats          `json:"router"`
	Executor       executor.Stats        `json:"executor"`
	Providers      []provider.Usage      `json:"providers"`
	ActiveProvider string                `json:"activeProvider"`
	FallbackActive bool                  `json:"fallbackActive"`
	Breaker        provider.BreakerState `json:"breaker"`
}

// New constructs the pipeline. Components are created but not started.
// Providers are copied into the dispatcher and cannot change afterwards.
func New(settings *config.Settings, store ledger.Store, providers []provider.Provider, opts ...Option) (*Pipeline, error) {
	if settings == nil {
		return nil, ErrNilSettings
	}
	if store == nil {
		return nil, ErrNilStore
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pipeline{
		settings: settings,
		store:    store,
		signals:  signal.NewBroadcaster().WithLogger(o.logger),
		logger:   o.logger.With(slog.String("component", signalSource)),
	}

	p.bus = event.NewBus(event.BusConfig{
		HistorySize:  settings.HistorySize,
		Dependencies: o.dependencies,
		Logger:       o.logger,
		Metrics:      o.metrics,
	})

	p.hub = hub.New(store, p.bus,
		hub.WithTTL(settings.SnapshotTTL),
		hub.WithLogger(o.logger),
		hub.WithClock(o.now),
	)

	dcfg := provider.DispatcherConfigFromSettings(settings)
	dcfg.Logger = o.logger
	dcfg.Metrics = o.metrics
	dcfg.Spans = o.spans
	dcfg.Signals = p.signals
	dispatcher, err := provider.NewDispatcher(dcfg, providers...)
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}
	p.dispatcher = dispatcher

	ecfg := executor.ConfigFromSettings(settings)
	ecfg.Bus = p.bus
	ecfg.Logger = o.logger
	ecfg.Metrics = o.metrics
	ecfg.Spans = o.spans
	ecfg.Signals = p.signals
	ecfg.Now = o.now
	p.executor = executor.New(store, ecfg)

	p.router = router.New(dispatcher, router.Config{
		Executor:  p.executor,
		Audit:     store,
		Bus:       p.bus,
		Workers:   settings.RouterWorkers,
		QueueSize: settings.RouterQueueSize,
		Logger:    o.logger,
		Metrics:   o.metrics,
		Spans:     o.spans,
		Signals:   p.signals,
		Now:       o.now,
	})

	p.stopForward = p.signals.OnAny(p.forward)
	return p, nil
}

// signalChannel maps a lifecycle signal to the bus channel it is forwarded on.
func signalChannel(name signal.Name) event.Channel {
	switch name {
	case signal.UsageUpdate:
		return event.AIUsage
	case signal.RateLimitHit, signal.ProviderSwitched, signal.AllProvidersLimited,
		signal.GrokActivated, signal.HealthCheckUpdate:
		return event.AIProviders
	default:
		return event.AILifecycle
	}
}

func (p *Pipeline) forward(sig *signal.Signal) {
	data := make(map[string]any, len(sig.Payload)+2)
	for k, v := range sig.Payload {
		data[k] = v
	}
	data["signalId"] = sig.ID
	data["source"] = sig.Source

	_, err := p.bus.Emit(context.Background(), signalChannel(sig.Name), string(sig.Name), data,
		event.WithSource(sig.Source),
		event.WithTimestamp(sig.SentAt),
	)
	if err != nil {
		p.logger.Debug("signal not forwarded",
			slog.String("signal", string(sig.Name)),
			slog.String("error", err.Error()),
		)
	}
}

// Start starts the components, downstream first: executor, router,
// dispatcher tasks, hub invalidation, then the periodic broadcasts.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.closed {
		return
	}
	p.running = true

	p.executor.Start()
	p.router.Start()
	p.dispatcher.Start()
	p.hub.Start()
	p.startBroadcasts(p.settings.BroadcastInterval)

	p.logger.Info("pipeline started", slog.Int("providers", len(p.dispatcher.Providers())))
	signal.Emit(p.signals, signal.Started, signalSource, nil)
}

// Stop stops the components in reverse start order. Queued router events
// are drained before the executor stops.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false

	for _, ch := range broadcastChannels {
		p.bus.StopPeriodicBroadcast(ch)
	}
	p.hub.Stop()
	p.dispatcher.Stop()
	p.router.Stop()
	p.executor.Stop()

	p.logger.Info("pipeline stopped")
	signal.Emit(p.signals, signal.Stopped, signalSource, nil)
}

// Close stops the pipeline and closes the bus. The store is left open.
func (p *Pipeline) Close() error {
	p.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.stopForward()
	return p.bus.Close()
}

// startBroadcasts publishes the network, shard and validator state every
// interval. A non-positive interval disables them.
func (p *Pipeline) startBroadcasts(interval time.Duration) {
	if interval <= 0 {
		return
	}
	p.bus.StartPeriodicBroadcast(event.NetworkStats, NetworkStatsUpdate, interval, p.networkData)
	p.bus.StartPeriodicBroadcast(event.ShardingState, ShardingStateUpdate, interval, p.shardingData)
	p.bus.StartPeriodicBroadcast(event.ValidatorsState, ValidatorsStateUpdate, interval, p.validatorsData)
}

func (p *Pipeline) networkData(ctx context.Context) (map[string]any, error) {
	snap, err := p.hub.GetNetworkSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"network":          snap.Network,
		"averageShardLoad": snap.AverageShardLoad,
		"totalStake":       snap.TotalStake,
		"stale":            snap.Stale,
	}, nil
}

func (p *Pipeline) shardingData(ctx context.Context) (map[string]any, error) {
	shards, err := p.store.GetAllShards(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"shards":      shards,
		"averageLoad": ledger.MeanLoad(shards),
	}, nil
}

func (p *Pipeline) validatorsData(ctx context.Context) (map[string]any, error) {
	validators, err := p.store.GetAllValidators(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"validators": validators}, nil
}

// Bus returns the event bus.
func (p *Pipeline) Bus() *event.Bus { return p.bus }

// Hub returns the state aggregator.
func (p *Pipeline) Hub() *hub.Hub { return p.hub }

// Dispatcher returns the provider dispatcher.
func (p *Pipeline) Dispatcher() *provider.Dispatcher { return p.dispatcher }

// Router returns the decision router.
func (p *Pipeline) Router() *router.Router { return p.router }

// Executor returns the decision executor.
func (p *Pipeline) Executor() *executor.Executor { return p.executor }

// Signals returns the broadcaster every component emits on.
func (p *Pipeline) Signals() *signal.Broadcaster { return p.signals }

// Store returns the ledger store.
func (p *Pipeline) Store() ledger.Store { return p.store }

// Stats returns a snapshot of every component's counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Bus:            p.bus.Stats(),
		Hub:            p.hub.Stats(),
		Router:         p.router.Stats(),
		Executor:       p.executor.Stats(),
		Providers:      p.dispatcher.Stats(),
		ActiveProvider: p.dispatcher.ActiveProvider(),
		FallbackActive: p.dispatcher.FallbackActive(),
		Breaker:        p.dispatcher.BreakerState(),
	}
}
