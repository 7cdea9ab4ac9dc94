package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalSchedulerNeverOverlaps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var running, maxRunning, runs atomic.Int32
	s := NewIntervalScheduler(ctx, 5*time.Millisecond)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(func(ctx context.Context) {
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			if runs.Add(1) >= 3 {
				cancel()
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, int32(1), maxRunning.Load())
	assert.Equal(t, int32(3), runs.Load())
}

func TestIntervalSchedulerRunsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewIntervalScheduler(ctx, time.Hour)

	started := time.Now()
	var firstAt time.Time
	var once sync.Once
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	s.Start(func(context.Context) {
		once.Do(func() { firstAt = time.Now() })
	})

	assert.False(t, firstAt.IsZero())
	assert.Less(t, firstAt.Sub(started), 100*time.Millisecond)
}

func TestIntervalSchedulerRecoversPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var runs atomic.Int32
	s := NewIntervalScheduler(ctx, time.Millisecond)
	s.Start(func(context.Context) {
		if runs.Add(1) == 2 {
			cancel()
			return
		}
		panic("boom")
	})
	assert.Equal(t, int32(2), runs.Load())
}

func TestInvalidIntervalReturns(t *testing.T) {
	called := false
	NewIntervalScheduler(context.Background(), 0).Start(func(context.Context) { called = true })
	NewAlignedScheduler(context.Background(), 0, 0).Start(func(context.Context) { called = true })
	assert.False(t, called)
}

func TestNextAlignedTime(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 1, 5, 0, time.UTC), nextAlignedTime(base, time.Minute, 5*time.Second))
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 40, 0, time.UTC), nextAlignedTime(base, time.Minute, 40*time.Second))
	exact := time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC)
	assert.Equal(t, exact.Add(5*time.Minute), nextAlignedTime(exact, 5*time.Minute, 0))
}

func TestAlignedSchedulerRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var runs atomic.Int32
	s := NewAlignedScheduler(ctx, 10*time.Millisecond, 0)
	s.RunImmediately = true
	s.Start(func(context.Context) {
		if runs.Add(1) == 3 {
			cancel()
		}
	})
	assert.Equal(t, int32(3), runs.Load())
}
