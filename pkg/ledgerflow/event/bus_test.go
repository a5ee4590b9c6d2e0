package event_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
)

type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) handle(_ context.Context, evt event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *collector) all() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.events...)
}

func newDefaultBus() *event.Bus {
	return event.NewBus(event.BusConfig{Dependencies: event.DefaultGraph()})
}

func TestPublish_StakingCascade(t *testing.T) {
	bus := newDefaultBus()
	ctx := context.Background()

	staking := &collector{}
	validators := &collector{}
	wallets := &collector{}
	network := &collector{}
	bus.Subscribe([]event.Channel{event.StakingState}, staking.handle)
	bus.Subscribe([]event.Channel{event.ValidatorsState}, validators.handle)
	bus.Subscribe([]event.Channel{event.WalletsBalance}, wallets.handle)
	bus.Subscribe([]event.Channel{event.NetworkStats}, network.handle)

	published, err := bus.Emit(ctx, event.StakingState, "STAKE_CREATED",
		map[string]any{"totalStaked": "100"})
	require.NoError(t, err)

	require.Len(t, staking.all(), 1)
	assert.Equal(t, "100", staking.all()[0].Data["totalStaked"])
	assert.False(t, staking.all()[0].IsCascade())

	for name, c := range map[string]*collector{"validators": validators, "wallets": wallets, "network": network} {
		got := c.all()
		require.Len(t, got, 1, name)
		assert.Equal(t, event.StakingState, got[0].CascadedFrom, name)
		assert.Equal(t, "STAKE_CREATED", got[0].Type, name)
		assert.Equal(t, "100", got[0].Data["totalStaked"], name)
		assert.Equal(t, published.ID, got[0].CorrelationID, name)
	}

	// validators.state has an edge to sharding.state, but cascades stop
	// after one hop.
	sharding := &collector{}
	bus.Subscribe([]event.Channel{event.ShardingState}, sharding.handle)
	_, err = bus.Emit(ctx, event.StakingState, "STAKE_CREATED", nil)
	require.NoError(t, err)
	assert.Empty(t, sharding.all())

	stats := bus.Stats()
	assert.Equal(t, int64(2), stats.Published)
	assert.Equal(t, int64(6), stats.Cascaded)
}

func TestPublish_TransformApplied(t *testing.T) {
	graph, err := event.NewDependencyGraph([]event.Dependency{
		{
			Source:  "test.source",
			Targets: []event.Channel{"test.a", "test.b"},
			Transform: func(src event.Event) map[string]any {
				return map[string]any{"derived": src.Data["value"].(int) * 2}
			},
		},
		{Source: "test.source", Targets: []event.Channel{"test.c"}},
	})
	require.NoError(t, err)
	bus := event.NewBus(event.BusConfig{Dependencies: graph})

	all := &collector{}
	bus.SubscribeAll(all.handle)

	_, err = bus.Emit(context.Background(), "test.source", "UPDATED", map[string]any{"value": 21})
	require.NoError(t, err)

	got := all.all()
	require.Len(t, got, 4)
	byChannel := map[event.Channel]event.Event{}
	for _, e := range got {
		byChannel[e.Channel] = e
	}
	assert.Equal(t, 42, byChannel["test.a"].Data["derived"])
	assert.Equal(t, 42, byChannel["test.b"].Data["derived"])
	assert.Equal(t, 21, byChannel["test.c"].Data["value"])
	assert.Equal(t, 3, graph.EdgeCount("test.source"))
}

func TestPublish_SubscriberFailureIsolated(t *testing.T) {
	var failures atomic.Int32
	bus := event.NewBus(event.BusConfig{
		Dependencies: event.DefaultGraph(),
		OnSubscriberError: func(event.Event, uint64, any) {
			failures.Add(1)
		},
	})

	after := &collector{}
	cascaded := &collector{}
	bus.Subscribe([]event.Channel{event.DexTrades}, func(context.Context, event.Event) error {
		panic("subscriber exploded")
	})
	bus.Subscribe([]event.Channel{event.DexTrades}, func(context.Context, event.Event) error {
		return errors.New("subscriber failed")
	})
	bus.Subscribe([]event.Channel{event.DexTrades}, after.handle)
	bus.Subscribe([]event.Channel{event.DexLiquidity}, cascaded.handle)

	var sunk []event.Message
	bus.AddSink(event.SinkFunc{
		Channels: []event.Channel{event.DexTrades},
		Fn: func(msg event.Message) error {
			sunk = append(sunk, msg)
			return nil
		},
	})

	require.NotPanics(t, func() {
		_, err := bus.Emit(context.Background(), event.DexTrades, "SWAP", map[string]any{"pair": "A/B"})
		require.NoError(t, err)
	})

	assert.Len(t, after.all(), 1)
	assert.Len(t, cascaded.all(), 1)
	require.Len(t, sunk, 1)
	assert.Equal(t, event.MessageTypeEvent, sunk[0].Type)
	assert.Equal(t, int32(2), failures.Load())
	assert.Equal(t, int64(2), bus.Stats().SubscriberErrors)
}

func TestSinks(t *testing.T) {
	bus := newDefaultBus()

	var mu sync.Mutex
	var channels []event.Channel
	remove := bus.AddSink(event.SinkFunc{
		Channels: []event.Channel{event.WalletsBalance},
		Fn: func(msg event.Message) error {
			mu.Lock()
			defer mu.Unlock()
			channels = append(channels, msg.Channel)
			return nil
		},
	})
	bus.AddSink(event.SinkFunc{Fn: func(event.Message) error { return errors.New("closed") }})

	_, err := bus.Emit(context.Background(), event.NFTSales, "NFT_SOLD", nil)
	require.NoError(t, err)

	// Only the cascade on wallets.balance reaches the filtered sink.
	assert.Equal(t, []event.Channel{event.WalletsBalance}, channels)
	assert.Equal(t, int64(2), bus.Stats().SinkErrors)

	remove()
	remove()
	_, err = bus.Emit(context.Background(), event.NFTSales, "NFT_SOLD", nil)
	require.NoError(t, err)
	assert.Len(t, channels, 1)
	assert.Equal(t, 1, bus.Stats().Sinks)
}

func TestSubscription_UnsubscribePauseResume(t *testing.T) {
	bus := event.NewBus(event.DefaultBusConfig)
	ctx := context.Background()

	c := &collector{}
	sub := bus.Subscribe([]event.Channel{event.NetworkBlocks}, c.handle)

	_, _ = bus.Emit(ctx, event.NetworkBlocks, "BLOCK", nil)
	sub.Pause()
	assert.True(t, sub.IsPaused())
	_, _ = bus.Emit(ctx, event.NetworkBlocks, "BLOCK", nil)
	sub.Resume()
	_, _ = bus.Emit(ctx, event.NetworkBlocks, "BLOCK", nil)
	assert.Len(t, c.all(), 2)

	sub.Unsubscribe()
	sub.Unsubscribe()
	_, _ = bus.Emit(ctx, event.NetworkBlocks, "BLOCK", nil)
	assert.Len(t, c.all(), 2)
	assert.Equal(t, 0, bus.Stats().Subscriptions)
}

func TestPublish_CopiesData(t *testing.T) {
	bus := event.NewBus(event.DefaultBusConfig)
	c := &collector{}
	bus.Subscribe([]event.Channel{event.BurnEvents}, c.handle)

	data := map[string]any{"amount": 5}
	_, err := bus.Emit(context.Background(), event.BurnEvents, "BURN", data)
	require.NoError(t, err)
	data["amount"] = 99

	assert.Equal(t, 5, c.all()[0].Data["amount"])
}

func TestPublish_Validation(t *testing.T) {
	bus := event.NewBus(event.DefaultBusConfig)

	_, err := bus.Publish(context.Background(), event.Event{Type: "X"})
	assert.Error(t, err)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	_, err = bus.Emit(context.Background(), event.NetworkStats, "X", nil)
	assert.ErrorIs(t, err, event.ErrBusClosed)
}

func TestHistory(t *testing.T) {
	bus := event.NewBus(event.BusConfig{HistorySize: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := bus.Emit(ctx, event.NetworkBlocks, "BLOCK", map[string]any{"height": i})
		require.NoError(t, err)
	}
	_, err := bus.Emit(ctx, event.NetworkStats, "STATS", nil)
	require.NoError(t, err)

	all := bus.History("", 0)
	require.Len(t, all, 3)
	assert.Equal(t, 3, all[0].Data["height"])
	assert.Equal(t, 4, all[1].Data["height"])
	assert.Equal(t, event.NetworkStats, all[2].Channel)

	blocks := bus.History(event.NetworkBlocks, 1)
	require.Len(t, blocks, 1)
	assert.Equal(t, 4, blocks[0].Data["height"])
}

func TestPeriodicBroadcast(t *testing.T) {
	bus := event.NewBus(event.DefaultBusConfig)
	defer bus.Close()

	var first, second atomic.Int32
	bus.Subscribe([]event.Channel{event.NetworkStats}, func(_ context.Context, evt event.Event) error {
		switch evt.Data["gen"] {
		case 1:
			first.Add(1)
		case 2:
			second.Add(1)
		}
		return nil
	})

	bus.StartPeriodicBroadcast(event.NetworkStats, "STATS_TICK", 5*time.Millisecond,
		func(context.Context) (map[string]any, error) { return map[string]any{"gen": 1}, nil })
	require.Eventually(t, func() bool { return first.Load() > 0 }, time.Second, time.Millisecond)

	bus.StartPeriodicBroadcast(event.NetworkStats, "STATS_TICK", 5*time.Millisecond,
		func(context.Context) (map[string]any, error) { return map[string]any{"gen": 2}, nil })
	stoppedAt := first.Load()
	require.Eventually(t, func() bool { return second.Load() > 0 }, time.Second, time.Millisecond)
	assert.Equal(t, stoppedAt, first.Load(), "replaced broadcast must not fire")
	assert.True(t, bus.Broadcasting(event.NetworkStats))

	bus.StopPeriodicBroadcast(event.NetworkStats)
	assert.False(t, bus.Broadcasting(event.NetworkStats))
	n := second.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, second.Load())
}
