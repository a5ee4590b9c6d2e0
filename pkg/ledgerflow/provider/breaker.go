package provider

import (
	"sync"
	"time"

	lferrors "github.com/randalmurphal/ledgerflow/pkg/ledgerflow/errors"
)

// BreakerState is a snapshot of the global circuit breaker.
type BreakerState struct {
	Open               bool          `json:"isOpen"`
	OpenedAt           time.Time     `json:"openedAt,omitempty"`
	Cooldown           time.Duration `json:"cooldown"`
	ConsecutiveAllDown int           `json:"consecutiveAllDown"`
	Threshold          int           `json:"threshold"`
}

// breaker opens after threshold consecutive "no provider available" events
// and rejects every request until a fixed cooldown elapses. Closing after
// the cooldown keeps the counter, so the next all-down event re-opens it.
type breaker struct {
	mu          sync.Mutex
	threshold   int
	cooldown    time.Duration
	consecutive int
	open        bool
	openedAt    time.Time
	now         func() time.Time
}

func newBreaker(threshold int, cooldown time.Duration, now func() time.Time) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown, now: now}
}

// allow returns a CircuitOpenError while the cooldown is running.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return nil
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed < b.cooldown {
		return &lferrors.CircuitOpenError{OpenedAt: b.openedAt, Remaining: b.cooldown - elapsed}
	}
	b.open = false
	return nil
}

// allDown records one all-providers-down event and reports whether it
// opened the breaker.
func (b *breaker) allDown() (opened bool, consecutive int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	if !b.open && b.consecutive >= b.threshold {
		b.open = true
		b.openedAt = b.now()
		return true, b.consecutive
	}
	return false, b.consecutive
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.open = false
	b.openedAt = time.Time{}
}

func (b *breaker) state() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerState{
		Open:               b.open,
		OpenedAt:           b.openedAt,
		Cooldown:           b.cooldown,
		ConsecutiveAllDown: b.consecutive,
		Threshold:          b.threshold,
	}
}
