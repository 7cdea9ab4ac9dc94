// Package scheduler drives the refresh loop. Every scheduler here waits for a
// run to return before arming the next one, so runs never overlap.
package scheduler

import (
	"context"
	"time"

	"spacewx/internal/logger"
)

// Task 为一次刷新；ctx 取消时应尽快返回。
type Task func(ctx context.Context)

// Scheduler blocks in Start until its context is cancelled.
type Scheduler interface {
	Start(task Task)
}

// IntervalScheduler 首次（可选）立即执行，之后在每次执行完成后等待 Interval。
type IntervalScheduler struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewIntervalScheduler(ctx context.Context, interval time.Duration) *IntervalScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &IntervalScheduler{
		Interval:       interval,
		RunImmediately: true,
		ctx:            ctx,
		nowFn:          time.Now,
	}
}

func (s *IntervalScheduler) Start(task Task) {
	if s == nil {
		return
	}
	prefix := tagged("IntervalScheduler", s.Name)
	if task == nil {
		logger.Warnf("%s: task is nil, exit", prefix)
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("%s: invalid interval=%s, exit", prefix, s.Interval)
		return
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	startAt := s.nowFn().UTC()
	logger.Infof("%s: started interval=%s run_immediately=%v at=%s",
		prefix, s.Interval, s.RunImmediately, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		if !runOnce(s.ctx, task) {
			return
		}
	}
	for {
		next := s.nowFn().Add(s.Interval)
		logger.Debugf("%s: 下次执行=%s (in %s) | uptime=%s",
			prefix, next.UTC().Format(time.RFC3339), s.Interval,
			s.nowFn().UTC().Sub(startAt).Truncate(time.Second))
		if !sleepCtx(s.ctx, s.Interval) {
			logger.Infof("%s: ctx done, exit", prefix)
			return
		}
		if !runOnce(s.ctx, task) {
			return
		}
	}
}

// AlignedScheduler 将执行对齐到 Interval 的整数倍再加 Offset（如每分钟的第 5 秒）。
// 某次执行耗时超过一个周期时，错过的时间点直接跳过。
type AlignedScheduler struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewAlignedScheduler(ctx context.Context, interval, offset time.Duration) *AlignedScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AlignedScheduler{
		Interval: interval,
		Offset:   offset,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

func (s *AlignedScheduler) Start(task Task) {
	if s == nil {
		return
	}
	prefix := tagged("AlignedScheduler", s.Name)
	if task == nil {
		logger.Warnf("%s: task is nil, exit", prefix)
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("%s: invalid interval=%s, exit", prefix, s.Interval)
		return
	}
	if s.Offset < 0 || s.Offset >= s.Interval {
		logger.Warnf("%s: offset=%s out of [0, interval), clamp to 0", prefix, s.Offset)
		s.Offset = 0
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Infof("%s: started interval=%s offset=%s run_immediately=%v at=%s",
		prefix, s.Interval, s.Offset, s.RunImmediately, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		if !runOnce(s.ctx, task) {
			return
		}
	}
	for {
		now := s.nowFn().UTC()
		wakeAt := nextAlignedTime(now, s.Interval, s.Offset)
		wait := wakeAt.Sub(now)
		logger.Debugf("%s: 下次执行=%s (in %s) | uptime=%s",
			prefix, wakeAt.Format(time.RFC3339), wait.Truncate(time.Millisecond),
			now.Sub(startAt).Truncate(time.Second))
		if !sleepCtx(s.ctx, wait) {
			logger.Infof("%s: ctx done, exit", prefix)
			return
		}
		if !runOnce(s.ctx, task) {
			return
		}
	}
}

// nextAlignedTime 返回严格晚于 now 的下一个 k*interval+offset 时刻。
func nextAlignedTime(now time.Time, interval, offset time.Duration) time.Time {
	now = now.UTC()
	if interval <= 0 {
		return now
	}
	at := now.Truncate(interval).Add(offset)
	for !at.After(now) {
		at = at.Add(interval)
	}
	return at
}

func runOnce(ctx context.Context, task Task) bool {
	if ctx.Err() != nil {
		return false
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("scheduler task panic: %v", r)
			}
		}()
		task(ctx)
	}()
	return ctx.Err() == nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func tagged(kind, name string) string {
	if name == "" {
		return kind
	}
	return kind + "[" + name + "]"
}
