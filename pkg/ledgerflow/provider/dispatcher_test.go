package provider_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/provider"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/signal"
)

type fakeTimer struct {
	clock   *fakeClock
	due     time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeClock fires AfterFunc callbacks synchronously from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) provider.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, due: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.due.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].due.Before(due[j].due) })
	for _, t := range due {
		t.fn()
	}
}

func rateLimited() error {
	return &lferrors.HTTPError{StatusCode: 429, Message: "Too Many Requests"}
}

func newDispatcher(t *testing.T, clock *fakeClock, rec *signal.Recorder, providers ...provider.Provider) *provider.Dispatcher {
	t.Helper()
	d, err := provider.NewDispatcher(provider.DispatcherConfig{
		Retry:   lferrors.NoRetry,
		Clock:   clock,
		Signals: rec,
	}, providers...)
	require.NoError(t, err)
	return d
}

func mockProvider(id string, priority int, adapter provider.Adapter) provider.Provider {
	return provider.Provider{
		Config:  provider.Config{ID: id, Model: id + "-model", Priority: priority, CostPerToken: 0.001},
		Adapter: adapter,
	}
}

func TestNewDispatcher_Validation(t *testing.T) {
	_, err := provider.NewDispatcher(provider.DispatcherConfig{}, provider.Provider{Adapter: provider.NewMockAdapter("x")})
	assert.Error(t, err)

	_, err = provider.NewDispatcher(provider.DispatcherConfig{}, provider.Provider{Config: provider.Config{ID: "a"}})
	assert.Error(t, err)

	a := mockProvider("a", 1, provider.NewMockAdapter("x"))
	_, err = provider.NewDispatcher(provider.DispatcherConfig{}, a, a)
	assert.Error(t, err)
}

func TestMakeRequest_PriorityAndPreference(t *testing.T) {
	clock := newFakeClock()
	first := provider.NewMockAdapter("from first")
	second := provider.NewMockAdapter("from second")
	d := newDispatcher(t, clock, nil,
		mockProvider("second", 2, second),
		mockProvider("first", 1, first),
	)
	ctx := context.Background()

	assert.Equal(t, []string{"first", "second"}, d.Providers())
	assert.Equal(t, "first", d.ActiveProvider())

	resp, err := d.MakeRequest(ctx, provider.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "from first", resp.Text)
	assert.Equal(t, "first", resp.Provider)
	assert.Equal(t, "first-model", resp.Model)
	assert.Positive(t, resp.TokensUsed)
	assert.InDelta(t, float64(resp.TokensUsed)*0.001, resp.Cost, 1e-9)

	resp, err = d.MakeRequest(ctx, provider.Request{Prompt: "hi", PreferredProvider: "second"})
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Provider)

	usage, ok := d.Usage("first")
	require.True(t, ok)
	assert.EqualValues(t, 1, usage.TotalRequests)
	assert.EqualValues(t, 1, usage.SuccessfulRequests)
	assert.Positive(t, usage.TokensUsed)
}

func TestMakeRequest_RateLimitSwitchesAndClearsAfterWindow(t *testing.T) {
	clock := newFakeClock()
	rec := signal.NewRecorder()
	primary := provider.NewMockAdapter("").WithError(rateLimited())
	backup := provider.NewMockAdapter("backup answer")
	d := newDispatcher(t, clock, rec,
		mockProvider("primary", 1, primary),
		mockProvider("backup", 2, backup),
	)
	ctx := context.Background()

	resp, err := d.MakeRequest(ctx, provider.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.Provider)
	assert.True(t, d.IsRateLimited("primary"))
	assert.Equal(t, "backup", d.ActiveProvider())
	assert.Equal(t, 1, rec.Count(signal.RateLimitHit))
	assert.Equal(t, 1, rec.Count(signal.ProviderSwitched))

	// Never selected while limited.
	for range 3 {
		_, err := d.MakeRequest(ctx, provider.Request{Prompt: "hi", PreferredProvider: "primary"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, primary.CallCount())

	usage, _ := d.Usage("primary")
	assert.EqualValues(t, 1, usage.RateLimitHits)
	assert.EqualValues(t, 1, usage.FailedRequests)

	clock.Advance(59 * time.Second)
	assert.True(t, d.IsRateLimited("primary"))

	clock.Advance(time.Second)
	assert.False(t, d.IsRateLimited("primary"))
	assert.Equal(t, "primary", d.ActiveProvider())
	assert.Equal(t, 2, rec.Count(signal.ProviderSwitched))
}

func TestMakeRequest_RateLimitTextHeuristic(t *testing.T) {
	clock := newFakeClock()
	only := provider.NewMockAdapter("").WithError(errors.New("monthly quota exceeded"))
	d := newDispatcher(t, clock, nil, mockProvider("only", 1, only))

	_, err := d.MakeRequest(context.Background(), provider.Request{Prompt: "hi"})
	require.Error(t, err)
	var exhausted *lferrors.AllProvidersExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, []string{"only"}, exhausted.Tried)
	assert.True(t, d.IsRateLimited("only"))
	assert.Equal(t, "", d.ActiveProvider())
}

func TestMakeRequest_CircuitBreaker(t *testing.T) {
	clock := newFakeClock()
	rec := signal.NewRecorder()
	var failing sync.Map
	failing.Store("on", true)
	script := func(ctx context.Context, req provider.Request) (provider.Response, error) {
		if v, _ := failing.Load("on"); v.(bool) {
			return provider.Response{}, rateLimited()
		}
		return provider.Response{Text: "ok"}, nil
	}
	a := provider.NewMockAdapter("").WithCompleteFunc(script)
	b := provider.NewMockAdapter("").WithCompleteFunc(script)
	d := newDispatcher(t, clock, rec, mockProvider("a", 1, a), mockProvider("b", 2, b))
	ctx := context.Background()

	// Both providers get rate limited.
	_, err := d.MakeRequest(ctx, provider.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, 1, a.CallCount())
	assert.Equal(t, 1, b.CallCount())
	assert.False(t, d.BreakerState().Open)

	// Three "zero available" requests open the breaker.
	for i := 1; i <= 3; i++ {
		_, err := d.MakeRequest(ctx, provider.Request{Prompt: "hi"})
		require.ErrorIs(t, err, lferrors.ErrNoProvidersAvailable)
		assert.Equal(t, i, d.BreakerState().ConsecutiveAllDown)
	}
	state := d.BreakerState()
	assert.True(t, state.Open)
	assert.Equal(t, clock.Now(), state.OpenedAt)

	clock.Advance(time.Second)
	_, err = d.MakeRequest(ctx, provider.Request{Prompt: "hi"})
	var circuitErr *lferrors.CircuitOpenError
	require.ErrorAs(t, err, &circuitErr)
	assert.Equal(t, 29*time.Second, circuitErr.Remaining)
	assert.Equal(t, 1, a.CallCount(), "no provider call while open")
	assert.Equal(t, 1, b.CallCount())

	_, err = d.CallProvider(ctx, "a", provider.Request{Prompt: "hi"})
	require.ErrorAs(t, err, &circuitErr)

	status, err := d.CheckProviderConnection(ctx, "a")
	require.ErrorAs(t, err, &circuitErr)
	assert.False(t, status.Healthy)
	assert.Nil(t, d.CheckAll(ctx))
	assert.Equal(t, 1, a.CallCount(), "health checks make no call while open")

	// Rate limits clear at 60s, well past the 30s cooldown.
	failing.Store("on", false)
	clock.Advance(60 * time.Second)
	resp, err := d.MakeRequest(ctx, provider.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Provider)
	assert.Equal(t, 2, a.CallCount())

	state = d.BreakerState()
	assert.False(t, state.Open)
	assert.Zero(t, state.ConsecutiveAllDown)
}

func TestBreaker_ReopensAfterCooldownWithoutRecovery(t *testing.T) {
	clock := newFakeClock()
	d := newDispatcher(t, clock, nil)
	ctx := context.Background()

	for range 3 {
		_, err := d.MakeRequest(ctx, provider.Request{Prompt: "hi"})
		require.ErrorIs(t, err, lferrors.ErrNoProvidersAvailable)
	}
	require.True(t, d.BreakerState().Open)

	clock.Advance(30 * time.Second)
	_, err := d.MakeRequest(ctx, provider.Request{Prompt: "hi"})
	require.ErrorIs(t, err, lferrors.ErrNoProvidersAvailable)
	assert.True(t, d.BreakerState().Open)
	assert.Equal(t, 4, d.BreakerState().ConsecutiveAllDown)
}

func TestFallbackActivation_IsSticky(t *testing.T) {
	clock := newFakeClock()
	rec := signal.NewRecorder()
	var healthy sync.Map
	healthy.Store("openai", false)
	primary := provider.NewMockAdapter("").WithCompleteFunc(func(ctx context.Context, req provider.Request) (provider.Response, error) {
		if v, _ := healthy.Load("openai"); v.(bool) {
			return provider.Response{Text: "primary ok"}, nil
		}
		return provider.Response{}, &lferrors.HTTPError{StatusCode: 500, Message: "boom"}
	})
	grok := provider.NewMockAdapter("grok answer")
	d := newDispatcher(t, clock, rec,
		mockProvider("openai", 1, primary),
		mockProvider("grok", 4, grok),
	)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		_, err := d.MakeRequest(ctx, provider.Request{Prompt: "hi"})
		require.Error(t, err)
		assert.False(t, d.FallbackActive())
		assert.Equal(t, i, d.ConsecutiveFailures())
	}
	assert.Zero(t, grok.CallCount(), "fallback excluded until activated")

	resp, err := d.MakeRequest(ctx, provider.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "grok", resp.Provider)
	assert.True(t, d.FallbackActive())
	assert.Equal(t, 1, rec.Count(signal.GrokActivated))
	assert.Equal(t, 1, grok.CallCount())

	healthy.Store("openai", true)
	resp, err = d.MakeRequest(ctx, provider.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "openai", resp.Provider)
	assert.True(t, d.FallbackActive(), "activation is sticky")
	assert.Zero(t, d.ConsecutiveFailures())
}

func TestMakeRequest_RequestsPerMinute(t *testing.T) {
	clock := newFakeClock()
	limited := provider.NewMockAdapter("limited")
	other := provider.NewMockAdapter("other")
	p := mockProvider("limited", 1, limited)
	p.Config.RequestsPerMinute = 2
	d := newDispatcher(t, clock, nil, p, mockProvider("other", 2, other))
	ctx := context.Background()

	for range 2 {
		resp, err := d.MakeRequest(ctx, provider.Request{Prompt: "hi"})
		require.NoError(t, err)
		assert.Equal(t, "limited", resp.Provider)
	}
	resp, err := d.MakeRequest(ctx, provider.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "other", resp.Provider)
	assert.True(t, d.IsRateLimited("limited"))
	assert.Equal(t, 2, limited.CallCount())

	clock.Advance(time.Minute)
	resp, err = d.MakeRequest(ctx, provider.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "limited", resp.Provider)
}

func TestMakeRequest_DailyQuota(t *testing.T) {
	clock := newFakeClock()
	a := provider.NewMockAdapter("").WithCompleteFunc(func(ctx context.Context, req provider.Request) (provider.Response, error) {
		return provider.Response{Text: "a", TokensUsed: 100}, nil
	})
	b := provider.NewMockAdapter("b")
	p := mockProvider("a", 1, a)
	p.Config.DailyTokenLimit = 150
	d := newDispatcher(t, clock, nil, p, mockProvider("b", 2, b))
	ctx := context.Background()

	for _, want := range []string{"a", "a", "b"} {
		resp, err := d.MakeRequest(ctx, provider.Request{Prompt: "hi"})
		require.NoError(t, err)
		assert.Equal(t, want, resp.Provider)
	}
	assert.Equal(t, "b", d.ActiveProvider())

	d.ResetDailyUsage()
	assert.Equal(t, "a", d.ActiveProvider())
	usage, _ := d.Usage("a")
	assert.Zero(t, usage.DailyTokens)
	assert.EqualValues(t, 200, usage.TokensUsed)
}

func TestMakeRequest_ConcurrencyBounded(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	inFlight, peak := 0, 0
	release := make(chan struct{})
	slow := provider.NewMockAdapter("").WithCompleteFunc(func(ctx context.Context, req provider.Request) (provider.Response, error) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		return provider.Response{Text: "done"}, nil
	})
	p := mockProvider("slow", 1, slow)
	p.Config.MaxConcurrent = 2
	d := newDispatcher(t, clock, nil, p)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = d.MakeRequest(context.Background(), provider.Request{Prompt: "hi"})
		}()
	}
	require.Eventually(t, func() bool { return slow.CallCount() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 5, slow.CallCount())
	assert.Equal(t, 2, peak)
}

func TestCallProvider(t *testing.T) {
	clock := newFakeClock()
	a := provider.NewMockAdapter("a")
	d := newDispatcher(t, clock, nil, mockProvider("a", 1, a))
	ctx := context.Background()

	resp, err := d.CallProvider(ctx, "a", provider.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Text)

	_, err = d.CallProvider(ctx, "missing", provider.Request{Prompt: "hi"})
	assert.ErrorIs(t, err, lferrors.ErrProviderNotFound)
}

func TestCheckProviderConnection(t *testing.T) {
	clock := newFakeClock()
	rec := signal.NewRecorder()
	d := newDispatcher(t, clock, rec,
		mockProvider("ok", 1, provider.NewMockAdapter("OK")),
		mockProvider("limited", 2, provider.NewMockAdapter("").WithError(errors.New("rate limit reached"))),
		mockProvider("down", 3, provider.NewMockAdapter("").WithError(errors.New("connection refused"))),
	)
	ctx := context.Background()

	status, err := d.CheckProviderConnection(ctx, "limited")
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.True(t, status.RateLimited)

	_, err = d.CheckProviderConnection(ctx, "nope")
	assert.ErrorIs(t, err, lferrors.ErrProviderNotFound)

	results := d.CheckAll(ctx)
	require.Len(t, results, 3)
	assert.True(t, results[0].Healthy)
	assert.False(t, results[0].RateLimited)
	assert.True(t, results[1].Healthy)
	assert.False(t, results[2].Healthy)
	assert.Equal(t, "connection refused", results[2].Error)
	assert.Equal(t, 1, rec.Count(signal.HealthCheckUpdate))

	usage, _ := d.Usage("down")
	assert.False(t, usage.Healthy)
	assert.Equal(t, clock.Now(), usage.LastHealthCheck)
}

func TestStartStop(t *testing.T) {
	rec := signal.NewRecorder()
	d, err := provider.NewDispatcher(provider.DispatcherConfig{
		Signals:       rec,
		UsageInterval: 10 * time.Millisecond,
	}, mockProvider("a", 1, provider.NewMockAdapter("a")))
	require.NoError(t, err)

	d.Start()
	d.Start()
	require.Eventually(t, func() bool { return rec.Count(signal.UsageUpdate) > 0 }, time.Second, 5*time.Millisecond)
	d.Stop()
	d.Stop()

	assert.Equal(t, 1, rec.Count(signal.Started))
	assert.Equal(t, 1, rec.Count(signal.Stopped))
}

func TestConfig_Cost(t *testing.T) {
	split := provider.Config{InputCostPerToken: 1, OutputCostPerToken: 10}
	assert.InDelta(t, 30+700, split.Cost(0, 0, 100), 1e-9)
	assert.InDelta(t, 20+50, split.Cost(20, 5, 25), 1e-9)

	flat := provider.Config{CostPerToken: 0.5}
	assert.InDelta(t, 50, flat.Cost(0, 0, 100), 1e-9)
	assert.Zero(t, provider.Config{}.Cost(10, 10, 20))
}
