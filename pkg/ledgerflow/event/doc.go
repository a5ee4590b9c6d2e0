/*
Package event implements the ledgerflow event bus.

Domain modules publish typed events on a fixed set of channels. The bus
keeps a bounded history, calls every subscriber registered on the channel,
forwards the event to transport sinks that accept the channel, and then
applies the static dependency graph: each edge leaving the channel produces
one derived event on the target channel. Derived events are delivered the
same way but never cascade again.

	bus := event.NewBus(event.BusConfig{Dependencies: event.DefaultGraph()})

	sub := bus.Subscribe([]event.Channel{event.ValidatorsState}, func(ctx context.Context, evt event.Event) error {
	    // evt.CascadedFrom == event.StakingState
	    return nil
	})
	defer sub.Unsubscribe()

	bus.Emit(ctx, event.StakingState, "STAKE_CREATED", map[string]any{"totalStaked": "100"})

Delivery is synchronous on the publishing goroutine. A subscriber that
returns an error or panics is logged and skipped; the remaining
subscribers, sinks and cascades still run.

# Periodic Broadcasts

StartPeriodicBroadcast publishes generated data on a timer. There is at
most one broadcast per channel; starting a second one replaces the first.
*/
package event
