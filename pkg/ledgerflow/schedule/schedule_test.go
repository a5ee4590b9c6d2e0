package schedule_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/schedule"
)

func TestEvery_RunsRepeatedly(t *testing.T) {
	var runs atomic.Int32
	task := schedule.Every(10*time.Millisecond, func(context.Context) {
		runs.Add(1)
	})
	defer task.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestStop_NoFurtherRuns(t *testing.T) {
	var runs atomic.Int32
	task := schedule.Every(5*time.Millisecond, func(context.Context) {
		runs.Add(1)
	})

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, time.Millisecond)
	task.Stop()
	after := runs.Load()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load())

	// Stop is idempotent.
	task.Stop()
	select {
	case <-task.Done():
	default:
		t.Fatal("expected done channel to be closed")
	}
}

func TestStop_CancelsRunningFunc(t *testing.T) {
	started := make(chan struct{}, 1)
	task := schedule.Every(time.Millisecond, func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
	})

	<-started
	task.Stop()
}

func TestNilTaskStop(t *testing.T) {
	var task *schedule.Task
	assert.NotPanics(t, task.Stop)
}

func TestNextMidnight(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 3, 31, 23, 59, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, loc), schedule.NextMidnight(now))

	midnight := time.Date(2026, 4, 1, 0, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 4, 2, 0, 0, 0, 0, loc), schedule.NextMidnight(midnight))
}
