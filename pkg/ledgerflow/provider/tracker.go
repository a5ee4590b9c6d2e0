package provider

import "sync"

// failureTracker counts consecutive primary-provider failures. Once the
// count reaches the threshold the fallback provider is activated for the
// rest of the process lifetime. A zero threshold never activates.
type failureTracker struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
	activated   bool
}

// failure records a failure and reports whether it activated the fallback.
func (t *failureTracker) failure() (activatedNow bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutive++
	if !t.activated && t.threshold > 0 && t.consecutive >= t.threshold {
		t.activated = true
		return true
	}
	return false
}

func (t *failureTracker) success() {
	t.mu.Lock()
	t.consecutive = 0
	t.mu.Unlock()
}

func (t *failureTracker) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activated
}

func (t *failureTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutive
}
