/*
Package ledgerflow wires the event-driven decision pipeline of a simulated
ledger platform.

# Overview

Domain events are published on an event.Bus. The bus records them, delivers
them to subscribers and transport sinks, and derives one cascade event per
dependency edge. The router picks up the event types it cares about, asks
an AI provider (through the provider.Dispatcher) for a decision, normalizes
the reply into a canonical decision code, and hands executable decisions to
the executor. The executor gates on confidence and per-type cooldown, then
applies a bounded, reversible mutation to the ledger store.

# Basic Usage

Build a Pipeline from settings, a store and the configured providers:

	settings, err := config.Load(path, config.Env{})
	if err != nil {
	    log.Fatal(err)
	}
	store := ledger.NewMemoryStore()
	providers, err := provider.FromAllSettings(settings.Providers, nil)
	if err != nil {
	    log.Fatal(err)
	}

	p, err := ledgerflow.New(settings, store, providers)
	if err != nil {
	    log.Fatal(err)
	}
	p.Start()
	defer p.Close()

	p.Bus().Emit(ctx, event.ShardingState, "SHARD_OVERLOAD", map[string]any{"shardId": 2})

# Lifecycle Signals

Components report what they did through signal.Emitter. The pipeline owns a
signal.Broadcaster and forwards every signal onto the bus so transport
clients see them: usage updates on event.AIUsage, provider events on
event.AIProviders, everything else on event.AILifecycle.

# Observability

Pass WithMetrics and WithSpans to record OpenTelemetry metrics and traces;
both default to no-ops. Logging uses log/slog throughout.
*/
package ledgerflow
