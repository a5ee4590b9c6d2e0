package provider

import (
	"sync"
	"time"
)

// limiter is a fixed-window requests-per-minute limiter for one provider.
// A zero rate allows everything.
type limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

func newLimiter(rate int, window time.Duration, now time.Time) *limiter {
	return &limiter{
		rate:        rate,
		window:      window,
		windowStart: now,
	}
}

// allow reports whether a request at now fits in the current window.
func (l *limiter) allow(now time.Time) bool {
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.windowStart) >= l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}
