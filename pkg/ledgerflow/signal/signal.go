// Package signal provides the lifecycle signals emitted by the decision
// pipeline.
//
// Signals are fire-and-forget notifications about what the pipeline did: a
// decision was produced, an execution completed, a provider was switched.
// Components accept an Emitter and never block on delivery. Listeners are
// isolated from one another: a panicking listener is logged and skipped.
package signal

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Name identifies a signal type.
type Name string

// Lifecycle signal names.
const (
	Started             Name = "started"
	Stopped             Name = "stopped"
	Decision            Name = "decision"
	Execution           Name = "execution"
	RolledBack          Name = "rolledBack"
	UsageUpdate         Name = "usageUpdate"
	RateLimitHit        Name = "rateLimitHit"
	ProviderSwitched    Name = "providerSwitched"
	AllProvidersLimited Name = "allProvidersLimited"
	GrokActivated       Name = "grokActivated"
	HealthCheckUpdate   Name = "healthCheckUpdate"
)

// Signal is a single emitted notification.
type Signal struct {
	// ID uniquely identifies this signal.
	ID string `json:"id"`

	// Name is the signal type.
	Name Name `json:"name"`

	// Source is the component that emitted the signal (e.g. "dispatcher").
	Source string `json:"source,omitempty"`

	// Payload contains signal-specific data.
	Payload map[string]any `json:"payload,omitempty"`

	SentAt time.Time `json:"sent_at"`
}

// New creates a signal with a fresh ID.
func New(name Name, source string, payload map[string]any) *Signal {
	return &Signal{
		ID:      fmt.Sprintf("sig-%s", uuid.New().String()[:8]),
		Name:    name,
		Source:  source,
		Payload: payload,
		SentAt:  time.Now(),
	}
}

// Clone creates a copy of the signal with its own payload map.
func (s *Signal) Clone() *Signal {
	signalCopy := *s
	if s.Payload != nil {
		signalCopy.Payload = make(map[string]any, len(s.Payload))
		for k, v := range s.Payload {
			signalCopy.Payload[k] = v
		}
	}
	return &signalCopy
}

// Emitter publishes signals.
type Emitter interface {
	Emit(sig *Signal)
}

// Emit is a convenience wrapper building and emitting a signal. A nil emitter
// is ignored.
func Emit(e Emitter, name Name, source string, payload map[string]any) {
	if e == nil {
		return
	}
	e.Emit(New(name, source, payload))
}

// Listener receives emitted signals.
type Listener func(sig *Signal)

// Broadcaster fans signals out to registered listeners synchronously.
type Broadcaster struct {
	mu     sync.RWMutex
	byName map[Name]map[uint64]Listener
	all    map[uint64]Listener
	nextID uint64
	logger *slog.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		byName: make(map[Name]map[uint64]Listener),
		all:    make(map[uint64]Listener),
		logger: slog.Default(),
	}
}

// WithLogger sets the logger used to report listener panics.
func (b *Broadcaster) WithLogger(logger *slog.Logger) *Broadcaster {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// On registers a listener for one signal name. The returned function removes
// it.
func (b *Broadcaster) On(name Name, l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.byName[name] == nil {
		b.byName[name] = make(map[uint64]Listener)
	}
	b.byName[name][id] = l

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.byName[name], id)
	}
}

// OnAny registers a listener for every signal.
func (b *Broadcaster) OnAny(l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all[id] = l

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

// Emit delivers the signal to every matching listener. Each listener gets
// its own clone.
func (b *Broadcaster) Emit(sig *Signal) {
	if sig == nil {
		return
	}

	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.byName[sig.Name])+len(b.all))
	for _, l := range b.byName[sig.Name] {
		listeners = append(listeners, l)
	}
	for _, l := range b.all {
		listeners = append(listeners, l)
	}
	b.mu.RUnlock()

	for _, l := range listeners {
		b.deliver(l, sig.Clone())
	}
}

func (b *Broadcaster) deliver(l Listener, sig *Signal) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("signal listener panicked",
				"signal_id", sig.ID,
				"signal_name", string(sig.Name),
				"panic", r,
			)
		}
	}()
	l(sig)
}

// Recorder is an Emitter that keeps every signal. Useful in tests.
type Recorder struct {
	mu      sync.Mutex
	signals []*Signal
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit records the signal.
func (r *Recorder) Emit(sig *Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, sig.Clone())
}

// All returns a copy of every recorded signal in emission order.
func (r *Recorder) All() []*Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Signal, len(r.signals))
	copy(out, r.signals)
	return out
}

// Named returns the recorded signals with the given name.
func (r *Recorder) Named(name Name) []*Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Signal
	for _, s := range r.signals {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Count returns how many signals with the given name were recorded.
func (r *Recorder) Count(name Name) int {
	return len(r.Named(name))
}

// Reset discards all recorded signals.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = nil
}

// Nop discards every signal.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(*Signal) {}

var (
	_ Emitter = (*Broadcaster)(nil)
	_ Emitter = (*Recorder)(nil)
	_ Emitter = Nop{}
)
