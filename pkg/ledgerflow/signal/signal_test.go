package signal_test

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/signal"
)

func TestNew(t *testing.T) {
	sig := signal.New(signal.Decision, "router", map[string]any{"type": "SCALE_SHARDS"})

	assert.Contains(t, sig.ID, "sig-")
	assert.Equal(t, signal.Decision, sig.Name)
	assert.Equal(t, "router", sig.Source)
	assert.Equal(t, "SCALE_SHARDS", sig.Payload["type"])
	assert.NotZero(t, sig.SentAt)
}

func TestSignal_Clone(t *testing.T) {
	sig := signal.New(signal.Execution, "executor", map[string]any{"status": "completed"})
	clone := sig.Clone()

	clone.Payload["status"] = "modified"
	assert.Equal(t, "completed", sig.Payload["status"])
	assert.Equal(t, sig.ID, clone.ID)
}

func TestBroadcaster_OnAndOnAny(t *testing.T) {
	b := signal.NewBroadcaster()

	var named, all []signal.Name
	b.On(signal.RateLimitHit, func(s *signal.Signal) { named = append(named, s.Name) })
	b.OnAny(func(s *signal.Signal) { all = append(all, s.Name) })

	signal.Emit(b, signal.RateLimitHit, "dispatcher", nil)
	signal.Emit(b, signal.ProviderSwitched, "dispatcher", nil)

	assert.Equal(t, []signal.Name{signal.RateLimitHit}, named)
	assert.Equal(t, []signal.Name{signal.RateLimitHit, signal.ProviderSwitched}, all)
}

func TestBroadcaster_Remove(t *testing.T) {
	b := signal.NewBroadcaster()

	count := 0
	remove := b.On(signal.Started, func(*signal.Signal) { count++ })

	signal.Emit(b, signal.Started, "test", nil)
	remove()
	signal.Emit(b, signal.Started, "test", nil)

	assert.Equal(t, 1, count)
}

func TestBroadcaster_PanicIsolated(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	b := signal.NewBroadcaster().WithLogger(logger)

	delivered := false
	b.On(signal.Stopped, func(*signal.Signal) { panic("boom") })
	b.OnAny(func(*signal.Signal) { delivered = true })

	require.NotPanics(t, func() {
		signal.Emit(b, signal.Stopped, "test", nil)
	})
	assert.True(t, delivered)
	assert.Contains(t, buf.String(), "signal listener panicked")
}

func TestRecorder(t *testing.T) {
	r := signal.NewRecorder()

	signal.Emit(r, signal.Decision, "router", nil)
	signal.Emit(r, signal.Decision, "router", nil)
	signal.Emit(r, signal.Execution, "executor", nil)

	assert.Len(t, r.All(), 3)
	assert.Equal(t, 2, r.Count(signal.Decision))
	assert.Len(t, r.Named(signal.Execution), 1)

	r.Reset()
	assert.Empty(t, r.All())
}

func TestEmit_NilEmitter(t *testing.T) {
	assert.NotPanics(t, func() {
		signal.Emit(nil, signal.Started, "test", nil)
	})
	assert.NotPanics(t, func() {
		signal.Nop{}.Emit(signal.New(signal.Started, "test", nil))
	})
}
