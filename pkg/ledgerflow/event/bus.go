package event

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/observability"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/schedule"
)

// Handler processes one delivered event. A returned error or a panic is
// logged and does not affect other subscribers.
type Handler func(ctx context.Context, evt Event) error

// Generator produces the data for a periodic broadcast.
type Generator func(ctx context.Context) (map[string]any, error)

// BusConfig configures bus behavior.
type BusConfig struct {
	// HistorySize is the capacity of the event history ring.
	// Default: 1000
	HistorySize int

	// Dependencies are the cascade edges. Nil disables cascading.
	Dependencies *DependencyGraph

	// Logger receives subscriber and sink failures.
	// Default: slog.Default()
	Logger *slog.Logger

	// Metrics records publishes and cascades.
	// Default: observability.NoopMetrics{}
	Metrics observability.MetricsRecorder

	// OnSubscriberError is called after a subscriber fails or panics.
	OnSubscriberError func(evt Event, subscriptionID uint64, failure any)
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	HistorySize: 1000,
}

// Stats are cumulative bus counters.
type Stats struct {
	Published        int64 `json:"published"`
	Cascaded         int64 `json:"cascaded"`
	Delivered        int64 `json:"delivered"`
	SubscriberErrors int64 `json:"subscriberErrors"`
	SinkErrors       int64 `json:"sinkErrors"`
	Subscriptions    int   `json:"subscriptions"`
	Sinks            int   `json:"sinks"`
	HistoryLen       int   `json:"historyLen"`
}

// Bus is a synchronous publish/subscribe core with one-hop dependency
// cascades. Publish delivers to subscribers on the calling goroutine.
type Bus struct {
	config  BusConfig
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	history *history

	mu        sync.RWMutex
	byChannel map[Channel]map[uint64]*Subscription
	wildcards map[uint64]*Subscription
	sinks     map[uint64]Sink
	nextID    uint64

	timerMu sync.Mutex
	timers  map[Channel]*schedule.Task

	published        atomic.Int64
	cascaded         atomic.Int64
	delivered        atomic.Int64
	subscriberErrors atomic.Int64
	sinkErrors       atomic.Int64
	closed           atomic.Bool
}

// NewBus creates a bus.
func NewBus(config BusConfig) *Bus {
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultBusConfig.HistorySize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}

	return &Bus{
		config:    config,
		logger:    logger,
		metrics:   metrics,
		history:   newHistory(config.HistorySize),
		byChannel: make(map[Channel]map[uint64]*Subscription),
		wildcards: make(map[uint64]*Subscription),
		sinks:     make(map[uint64]Sink),
		timers:    make(map[Channel]*schedule.Task),
	}
}

// Publish records evt in history, delivers it to subscribers on its channel
// and to accepting sinks, then delivers one derived event per dependency
// edge leaving the channel. Derived events are not cascaded further.
//
// A missing ID or Timestamp is filled in. The published event is returned.
func (b *Bus) Publish(ctx context.Context, evt Event) (Event, error) {
	if b.closed.Load() {
		return evt, ErrBusClosed
	}
	if evt.Channel == "" {
		return evt, fmt.Errorf("publish %s: channel is required", evt.Type)
	}
	if evt.ID == "" {
		evt.ID = newID()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	evt = evt.clone()

	b.published.Add(1)
	subscribers := b.deliver(ctx, evt)

	edges := b.config.Dependencies.outgoing(evt.Channel)
	for _, e := range edges {
		b.deliver(ctx, cascade(evt, e))
	}
	b.cascaded.Add(int64(len(edges)))

	b.metrics.RecordPublish(ctx, string(evt.Channel), len(edges))
	observability.LogPublish(b.logger, string(evt.Channel), evt.Type, subscribers, len(edges))
	return evt, nil
}

// Emit builds and publishes an event.
func (b *Bus) Emit(ctx context.Context, channel Channel, eventType string, data map[string]any, opts ...Option) (Event, error) {
	return b.Publish(ctx, New(channel, eventType, data, opts...))
}

func cascade(src Event, e edge) Event {
	var data map[string]any
	if e.transform != nil {
		data = e.transform(src)
	} else {
		data = cloneData(src.Data)
	}

	correlation := src.CorrelationID
	if correlation == "" {
		correlation = src.ID
	}

	return Event{
		ID:              newID(),
		Channel:         e.target,
		Type:            src.Type,
		Data:            data,
		Timestamp:       src.Timestamp,
		CorrelationID:   correlation,
		SourceModule:    src.SourceModule,
		AffectedModules: append([]string(nil), src.AffectedModules...),
		CascadedFrom:    src.Channel,
	}
}

// deliver records evt and fans it out. Returns the number of subscribers
// invoked.
func (b *Bus) deliver(ctx context.Context, evt Event) int {
	b.history.add(evt)

	subs, sinks := b.snapshot(evt.Channel)

	invoked := 0
	for _, sub := range subs {
		if sub.paused.Load() || sub.removed.Load() {
			continue
		}
		invoked++
		b.invoke(ctx, sub, evt)
	}

	if len(sinks) > 0 {
		msg := Message{Type: MessageTypeEvent, Channel: evt.Channel, Payload: evt}
		for _, s := range sinks {
			b.send(s, msg)
		}
	}

	b.delivered.Add(int64(invoked))
	return invoked
}

func (b *Bus) snapshot(channel Channel) ([]*Subscription, []Sink) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := make([]*Subscription, 0, len(b.byChannel[channel])+len(b.wildcards))
	for _, s := range b.byChannel[channel] {
		subs = append(subs, s)
	}
	for _, s := range b.wildcards {
		subs = append(subs, s)
	}
	slices.SortFunc(subs, func(x, y *Subscription) int {
		switch {
		case x.id < y.id:
			return -1
		case x.id > y.id:
			return 1
		}
		return 0
	})

	var sinks []Sink
	for _, s := range b.sinks {
		if s.Accepts(channel) {
			sinks = append(sinks, s)
		}
	}
	return subs, sinks
}

func (b *Bus) invoke(ctx context.Context, sub *Subscription, evt Event) {
	var failure any
	defer func() {
		if r := recover(); r != nil {
			failure = fmt.Errorf("panic: %v", r)
		}
		if failure != nil {
			b.subscriberErrors.Add(1)
			observability.LogSubscriberError(b.logger, string(evt.Channel), sub.id, failure)
			if b.config.OnSubscriberError != nil {
				b.config.OnSubscriberError(evt, sub.id, failure)
			}
		}
	}()

	if err := sub.handler(ctx, evt); err != nil {
		failure = err
	}
}

func (b *Bus) send(s Sink, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.sinkErrors.Add(1)
			b.logger.Error("sink panicked",
				slog.String("channel", string(msg.Channel)),
				slog.Any("panic", r),
			)
		}
	}()
	if err := s.Send(msg); err != nil {
		b.sinkErrors.Add(1)
		b.logger.Warn("sink send failed",
			slog.String("channel", string(msg.Channel)),
			slog.String("error", err.Error()),
		)
	}
}

// Subscribe registers handler for events on the given channels. The handler
// runs on the publisher's goroutine.
func (b *Bus) Subscribe(channels []Channel, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		channels: append([]Channel(nil), channels...),
		handler:  handler,
		bus:      b,
	}
	for _, c := range sub.channels {
		if b.byChannel[c] == nil {
			b.byChannel[c] = make(map[uint64]*Subscription)
		}
		b.byChannel[c][sub.id] = sub
	}
	return sub
}

// SubscribeAll registers handler for every channel.
func (b *Bus) SubscribeAll(handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, handler: handler, bus: b, wildcard: true}
	b.wildcards[sub.id] = sub
	return sub
}

// AddSink registers a transport sink. The returned function removes it.
func (b *Bus) AddSink(s Sink) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.sinks[id] = s

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.sinks, id)
		})
	}
}

// History returns up to limit recent events on channel, oldest first. An
// empty channel returns events on every channel; limit <= 0 returns all.
func (b *Bus) History(channel Channel, limit int) []Event {
	return b.history.snapshot(channel, limit)
}

// StartPeriodicBroadcast publishes generated data on channel every interval.
// Only one broadcast runs per channel; starting another replaces it.
func (b *Bus) StartPeriodicBroadcast(channel Channel, eventType string, interval time.Duration, gen Generator) {
	if b.closed.Load() {
		return
	}
	task := schedule.Every(interval, func(ctx context.Context) {
		data, err := gen(ctx)
		if err != nil {
			b.logger.Warn("periodic broadcast generator failed",
				slog.String("channel", string(channel)),
				slog.String("error", err.Error()),
			)
			return
		}
		if _, err := b.Emit(ctx, channel, eventType, data, WithSource("broadcast")); err != nil {
			b.logger.Debug("periodic broadcast skipped",
				slog.String("channel", string(channel)),
				slog.String("error", err.Error()),
			)
		}
	})

	b.timerMu.Lock()
	prev := b.timers[channel]
	b.timers[channel] = task
	b.timerMu.Unlock()

	prev.Stop()
}

// StopPeriodicBroadcast stops the broadcast on channel, if any.
func (b *Bus) StopPeriodicBroadcast(channel Channel) {
	b.timerMu.Lock()
	task := b.timers[channel]
	delete(b.timers, channel)
	b.timerMu.Unlock()

	task.Stop()
}

// Broadcasting reports whether a periodic broadcast is active on channel.
func (b *Bus) Broadcasting(channel Channel) bool {
	b.timerMu.Lock()
	defer b.timerMu.Unlock()
	_, ok := b.timers[channel]
	return ok
}

// Stats returns cumulative counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subs := len(b.wildcards)
	for _, m := range b.byChannel {
		subs += len(m)
	}
	sinks := len(b.sinks)
	b.mu.RUnlock()

	return Stats{
		Published:        b.published.Load(),
		Cascaded:         b.cascaded.Load(),
		Delivered:        b.delivered.Load(),
		SubscriberErrors: b.subscriberErrors.Load(),
		SinkErrors:       b.sinkErrors.Load(),
		Subscriptions:    subs,
		Sinks:            sinks,
		HistoryLen:       b.history.len(),
	}
}

// Close stops every periodic broadcast and rejects further publishes.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.timerMu.Lock()
	tasks := b.timers
	b.timers = make(map[Channel]*schedule.Task)
	b.timerMu.Unlock()

	for _, t := range tasks {
		t.Stop()
	}
	return nil
}

// Subscription is an active registration on a Bus.
type Subscription struct {
	id       uint64
	channels []Channel
	wildcard bool
	handler  Handler
	bus      *Bus
	paused   atomic.Bool
	removed  atomic.Bool
}

// ID returns the subscription's identifier.
func (s *Subscription) ID() uint64 { return s.id }

// Channels returns the subscribed channels; nil for SubscribeAll.
func (s *Subscription) Channels() []Channel {
	return append([]Channel(nil), s.channels...)
}

// Unsubscribe removes the subscription. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if !s.removed.CompareAndSwap(false, true) {
		return
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.wildcard {
		delete(s.bus.wildcards, s.id)
		return
	}
	for _, c := range s.channels {
		if m, ok := s.bus.byChannel[c]; ok {
			delete(m, s.id)
			if len(m) == 0 {
				delete(s.bus.byChannel, c)
			}
		}
	}
}

// Pause temporarily stops delivery.
func (s *Subscription) Pause() { s.paused.Store(true) }

// Resume continues delivery after Pause.
func (s *Subscription) Resume() { s.paused.Store(false) }

// IsPaused reports whether delivery is paused.
func (s *Subscription) IsPaused() bool { return s.paused.Load() }
