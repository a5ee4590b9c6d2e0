// Package schedule provides cancellable repeating tasks.
//
// Every task owns a goroutine driven by a timer and a stop channel. Stop is
// idempotent and waits for an in-flight run to return, so callers can rely on
// no further invocations once Stop returns.
package schedule

import (
	"context"
	"sync"
	"time"
)

// Func is the work performed on each tick. The context is cancelled when the
// task is stopped.
type Func func(ctx context.Context)

// NextFunc computes the next fire time after now.
type NextFunc func(now time.Time) time.Time

// Task is a running repeating task.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Every runs fn every interval until stopped. The first run happens one
// interval after the call.
func Every(interval time.Duration, fn Func) *Task {
	if interval <= 0 {
		interval = time.Second
	}
	return At(func(now time.Time) time.Time { return now.Add(interval) }, fn)
}

// Daily runs fn at every local midnight until stopped.
func Daily(fn Func) *Task {
	return At(NextMidnight, fn)
}

// At runs fn at each time produced by next until stopped.
func At(next NextFunc, fn Func) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go t.run(ctx, next, fn)
	return t
}

func (t *Task) run(ctx context.Context, next NextFunc, fn Func) {
	defer close(t.done)

	for {
		now := time.Now()
		wait := next(now).Sub(now)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			fn(ctx)
		}
	}
}

// Stop cancels the task and waits for the goroutine to exit.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.once.Do(t.cancel)
	<-t.done
}

// Done is closed after the task has fully stopped.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// NextMidnight returns the next local midnight strictly after now.
func NextMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}
