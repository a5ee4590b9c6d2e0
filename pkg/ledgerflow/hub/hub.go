// Package hub aggregates cross-module state for the decision pipeline.
//
// A Hub keeps the latest metrics per domain and a time-boxed cache of
// composite snapshots built from the ledger store. Snapshot reads never
// serialize behind slow storage once a snapshot exists: an expired snapshot
// is served immediately while a single background refresh runs.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/ledger"
)

const (
	networkKey    = "snapshot:network"
	accountPrefix = "account:"
)

// Source is the ledger state a Hub reads.
type Source interface {
	ledger.ShardStore
	ledger.NetworkStore
	ledger.ValidatorStore
	ledger.AccountStore
}

// NetworkSnapshot is a composite view of network state.
type NetworkSnapshot struct {
	Network          ledger.NetworkStats      `json:"network"`
	Shards           []ledger.Shard           `json:"shards"`
	Validators       []ledger.Validator       `json:"validators"`
	AverageShardLoad float64                  `json:"averageShardLoad"`
	TotalStake       float64                  `json:"totalStake"`
	Metrics          map[Domain]MetricsRecord `json:"metrics"`
	GeneratedAt      time.Time                `json:"generatedAt"`

	// Stale is set when the snapshot is served past its TTL while a refresh
	// runs in the background.
	Stale bool `json:"stale"`
}

// AccountSnapshot is a cached view of one account.
type AccountSnapshot struct {
	Account     ledger.Account `json:"account"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	StaleServed   int64 `json:"staleServed"`
	Refreshes     int64 `json:"refreshes"`
	Invalidations int64 `json:"invalidations"`
	Entries       int   `json:"entries"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithTTL sets how long cached snapshots are fresh. Default: 30s.
func WithTTL(ttl time.Duration) Option {
	return func(h *Hub) {
		if ttl > 0 {
			h.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithClock replaces time.Now for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// WithRefreshTimeout bounds background refreshes. Default: 10s.
func WithRefreshTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.refreshTimeout = d
		}
	}
}

// Hub is the state aggregator.
type Hub struct {
	store          Source
	bus            *event.Bus
	ttl            time.Duration
	refreshTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	cache   *ttlCache
	flights singleflight.Group

	mu      sync.RWMutex
	metrics map[Domain]MetricsRecord
	stale   *NetworkSnapshot
	subs    []*event.Subscription
	stopped bool
	bg      sync.WaitGroup

	hits          atomic.Int64
	misses        atomic.Int64
	staleServed   atomic.Int64
	refreshes     atomic.Int64
	invalidations atomic.Int64
}

// New creates a Hub reading store and publishing on bus. bus may be nil, in
// which case metric updates are recorded but not published.
func New(store Source, bus *event.Bus, opts ...Option) *Hub {
	h := &Hub{
		store:          store,
		bus:            bus,
		ttl:            30 * time.Second,
		refreshTimeout: 10 * time.Second,
		logger:         slog.Default(),
		now:            time.Now,
		metrics:        make(map[Domain]MetricsRecord),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.cache = newTTLCache(h.now)
	return h
}

// UpdateMetrics overwrites the metrics record for domain and publishes a
// "<DOMAIN>_METRICS_UPDATED" event listing the modules that should react.
func (h *Hub) UpdateMetrics(ctx context.Context, domain Domain, values map[string]any) error {
	def, ok := domains[domain]
	if !ok {
		return fmt.Errorf("unknown metrics domain %q", domain)
	}

	rec := MetricsRecord{Values: values, UpdatedAt: h.now()}.clone()
	h.mu.Lock()
	h.metrics[domain] = rec
	h.mu.Unlock()

	if h.bus == nil {
		return nil
	}
	_, err := h.bus.Emit(ctx, def.channel, domain.EventType(), rec.clone().Values,
		event.WithSource("hub"),
		event.WithAffectedModules(def.affected...),
	)
	return err
}

// UpdateNetworkMetrics records network metrics.
func (h *Hub) UpdateNetworkMetrics(ctx context.Context, values map[string]any) error {
	return h.UpdateMetrics(ctx, DomainNetwork, values)
}

// UpdateStakingMetrics records staking metrics.
func (h *Hub) UpdateStakingMetrics(ctx context.Context, values map[string]any) error {
	return h.UpdateMetrics(ctx, DomainStaking, values)
}

// UpdateDexMetrics records DEX metrics.
func (h *Hub) UpdateDexMetrics(ctx context.Context, values map[string]any) error {
	return h.UpdateMetrics(ctx, DomainDex, values)
}

// UpdateLendingMetrics records lending metrics.
func (h *Hub) UpdateLendingMetrics(ctx context.Context, values map[string]any) error {
	return h.UpdateMetrics(ctx, DomainLending, values)
}

// UpdateNFTMetrics records NFT metrics.
func (h *Hub) UpdateNFTMetrics(ctx context.Context, values map[string]any) error {
	return h.UpdateMetrics(ctx, DomainNFT, values)
}

// UpdateBridgeMetrics records bridge metrics.
func (h *Hub) UpdateBridgeMetrics(ctx context.Context, values map[string]any) error {
	return h.UpdateMetrics(ctx, DomainBridge, values)
}

// UpdateBurnMetrics records burn metrics.
func (h *Hub) UpdateBurnMetrics(ctx context.Context, values map[string]any) error {
	return h.UpdateMetrics(ctx, DomainBurn, values)
}

// UpdateValidatorMetrics records validator metrics.
func (h *Hub) UpdateValidatorMetrics(ctx context.Context, values map[string]any) error {
	return h.UpdateMetrics(ctx, DomainValidators, values)
}

// UpdateGovernanceMetrics records governance metrics.
func (h *Hub) UpdateGovernanceMetrics(ctx context.Context, values map[string]any) error {
	return h.UpdateMetrics(ctx, DomainGovernance, values)
}

// UpdateShardingMetrics records sharding metrics.
func (h *Hub) UpdateShardingMetrics(ctx context.Context, values map[string]any) error {
	return h.UpdateMetrics(ctx, DomainSharding, values)
}

// Metrics returns a copy of every domain's latest record.
func (h *Hub) Metrics() map[Domain]MetricsRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[Domain]MetricsRecord, len(h.metrics))
	for d, r := range h.metrics {
		out[d] = r.clone()
	}
	return out
}

// GetNetworkSnapshot returns the composite snapshot. A fresh cached snapshot
// is returned as is. Past the TTL, the previous snapshot is returned with
// Stale set and a background refresh is started. Only the very first call
// blocks on the store.
func (h *Hub) GetNetworkSnapshot(ctx context.Context) (NetworkSnapshot, error) {
	if v, ok := h.cache.get(networkKey); ok {
		h.hits.Add(1)
		return v.(NetworkSnapshot), nil
	}
	h.misses.Add(1)

	h.mu.RLock()
	stale := h.stale
	h.mu.RUnlock()

	if stale != nil {
		h.staleServed.Add(1)
		h.refreshInBackground()
		snap := *stale
		snap.Stale = true
		return snap, nil
	}

	v, err, _ := h.flights.Do(networkKey, func() (any, error) {
		return h.refreshNetwork(ctx)
	})
	if err != nil {
		return NetworkSnapshot{}, err
	}
	return v.(NetworkSnapshot), nil
}

func (h *Hub) refreshInBackground() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.bg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.refreshTimeout)
		defer cancel()

		_, err, _ := h.flights.Do(networkKey, func() (any, error) {
			return h.refreshNetwork(ctx)
		})
		if err != nil {
			h.logger.Warn("background snapshot refresh failed", slog.String("error", err.Error()))
		}
	}()
}

// refreshNetwork loads every constituent concurrently and caches the result.
func (h *Hub) refreshNetwork(ctx context.Context) (NetworkSnapshot, error) {
	h.refreshes.Add(1)
	gen := h.cache.generation()

	var (
		stats      ledger.NetworkStats
		shards     []ledger.Shard
		validators []ledger.Validator
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		stats, err = h.store.GetNetworkStats(gctx)
		if err != nil {
			return fmt.Errorf("network stats: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		shards, err = h.store.GetAllShards(gctx)
		if err != nil {
			return fmt.Errorf("shards: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		validators, err = h.store.GetAllValidators(gctx)
		if err != nil {
			return fmt.Errorf("validators: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return NetworkSnapshot{}, fmt.Errorf("refresh network snapshot: %w", err)
	}

	var stake float64
	for _, v := range validators {
		stake += v.Stake
	}
	snap := NetworkSnapshot{
		Network:          stats,
		Shards:           shards,
		Validators:       validators,
		AverageShardLoad: ledger.MeanLoad(shards),
		TotalStake:       stake,
		Metrics:          h.Metrics(),
		GeneratedAt:      h.now(),
	}

	if !h.cache.set(networkKey, snap, h.ttl, gen) {
		h.logger.Debug("snapshot invalidated during refresh; not cached")
	}
	h.mu.Lock()
	h.stale = &snap
	h.mu.Unlock()
	return snap, nil
}

// GetAccountSnapshot returns the cached view of address, loading it on a
// miss.
func (h *Hub) GetAccountSnapshot(ctx context.Context, address string) (AccountSnapshot, error) {
	key := accountPrefix + address
	if v, ok := h.cache.get(key); ok {
		h.hits.Add(1)
		return v.(AccountSnapshot), nil
	}
	h.misses.Add(1)

	v, err, _ := h.flights.Do(key, func() (any, error) {
		gen := h.cache.generation()
		acct, err := h.store.GetAccount(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", address, err)
		}
		snap := AccountSnapshot{Account: acct, GeneratedAt: h.now()}
		h.cache.set(key, snap, h.ttl, gen)
		return snap, nil
	})
	if err != nil {
		return AccountSnapshot{}, err
	}
	return v.(AccountSnapshot), nil
}

// Invalidate drops cached entries whose key contains pattern. The stale
// network snapshot is kept.
func (h *Hub) Invalidate(pattern string) {
	if n := h.cache.invalidate(pattern); n > 0 {
		h.invalidations.Add(int64(n))
	}
}

// Stats returns cache counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Hits:          h.hits.Load(),
		Misses:        h.misses.Load(),
		StaleServed:   h.staleServed.Load(),
		Refreshes:     h.refreshes.Load(),
		Invalidations: h.invalidations.Load(),
		Entries:       h.cache.len(),
	}
}

// invalidatingChannels carry events that change what snapshots show.
var invalidatingChannels = []event.Channel{
	event.NetworkBlocks,
	event.NetworkTransactions,
	event.NetworkTokenMint,
	event.StakingState,
	event.DexLiquidity,
	event.WalletsBalance,
	event.BurnEvents,
	event.NFTSales,
	event.GovernanceProposals,
	event.GovernanceVotes,
	event.GovernanceAdminAudit,
	event.ValidatorsOperatorStatus,
}

// Start subscribes the hub to the bus for cache invalidation.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = false
	if h.bus == nil || h.subs != nil {
		return
	}
	h.subs = append(h.subs, h.bus.Subscribe(invalidatingChannels, h.onEvent))
}

// Stop unsubscribes from the bus and waits for background refreshes. No new
// background refresh starts until the next Start.
func (h *Hub) Stop() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.stopped = true
	h.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	h.bg.Wait()
}

func (h *Hub) onEvent(_ context.Context, evt event.Event) error {
	h.Invalidate(networkKey)

	if evt.Channel == event.WalletsBalance || evt.Channel == event.StakingState {
		for _, field := range []string{"address", "from", "to"} {
			if addr, ok := evt.Data[field].(string); ok && addr != "" {
				h.Invalidate(accountPrefix + addr)
			}
		}
	}
	return nil
}
