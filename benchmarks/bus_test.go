package benchmarks

import (
	"context"
	"testing"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
)

func noop(context.Context, event.Event) error { return nil }

func newBus(subscribers int, graph *event.DependencyGraph) *event.Bus {
	bus := event.NewBus(event.BusConfig{HistorySize: 1000, Dependencies: graph})
	for i := 0; i < subscribers; i++ {
		bus.Subscribe([]event.Channel{event.ShardingState, event.NetworkStats}, noop)
	}
	return bus
}

// BenchmarkPublish_NoSubscribers measures history recording alone.
func BenchmarkPublish_NoSubscribers(b *testing.B) {
	bus := newBus(0, nil)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = bus.Emit(ctx, event.ShardingState, "SHARD_OVERLOAD", nil)
	}
}

// BenchmarkPublish_10Subscribers fans out to ten subscribers.
func BenchmarkPublish_10Subscribers(b *testing.B) {
	bus := newBus(10, nil)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = bus.Emit(ctx, event.ShardingState, "SHARD_OVERLOAD", nil)
	}
}

// BenchmarkPublish_Cascade publishes on a channel with outgoing edges.
func BenchmarkPublish_Cascade(b *testing.B) {
	bus := newBus(10, event.DefaultGraph())
	ctx := context.Background()
	data := map[string]any{"shardId": 3, "load": 91.5}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = bus.Emit(ctx, event.ValidatorsState, "VALIDATOR_PERFORMANCE", data)
	}
}

// BenchmarkPublish_Parallel publishes from many goroutines.
func BenchmarkPublish_Parallel(b *testing.B) {
	bus := newBus(4, event.DefaultGraph())
	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = bus.Emit(ctx, event.ShardingState, "SHARD_OVERLOAD", nil)
		}
	})
}

// BenchmarkHistory reads the newest 100 events of one channel.
func BenchmarkHistory(b *testing.B) {
	bus := newBus(0, nil)
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		ch := event.ShardingState
		if i%2 == 0 {
			ch = event.NetworkStats
		}
		_, _ = bus.Emit(ctx, ch, "TICK", nil)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = bus.History(event.ShardingState, 100)
	}
}
