package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"tickq/internal/eventbus"
	logx "tickq/pkg/logx"
)

// Run is the dispatcher loop. It blocks until ctx is done and returns ctx.Err().
// While idle it waits for a scheduling request; while busy it runs one pass,
// then yields for PollInterval before the next one.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	timer := time.NewTimer(s.pollInterval())
	defer timer.Stop()

	for {
		if !s.Busy() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.kick:
			}
		}

		// Pass errors are logged and published inside; the loop keeps serving.
		_ = s.Pass()

		if !s.Busy() {
			continue
		}
		timer.Reset(s.pollInterval())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-s.kick:
		}
	}
}

// Pass drains every bucket between the previous poll and now, fires the due
// tasks and re-arms loops. Buckets left below the previous poll (a resolution
// change, or a loop first armed behind a lagging pass) are drained as well. It returns ErrPassAborted (wrapped) when a callback
// panics; the remaining tasks of that pass are dropped.
func (s *Scheduler) Pass() error {
	s.mu.Lock()
	now := s.clk.Now()
	prev := s.prevPoll
	if now < prev {
		prev = now
	}
	due := s.ix.drain(s.ix.floor(prev), now)
	lag := now - prev
	warnLag := s.cfg.LagWarnTicks > 0 && lag > s.cfg.LagWarnTicks && s.lagLimiter.Allow()
	s.mu.Unlock()

	if warnLag {
		s.log.Warn("dispatcher lagging", logx.Int64("ticks", lag), logx.Int("due", len(due)))
	}

	var (
		fired     uint64
		loopFired bool
	)
	for _, t := range due {
		// Runnable is checked at fire time: an earlier callback in this pass may
		// have stopped t, or reset the scheduler.
		if !t.live() {
			continue
		}
		if r, stack := invoke(t); r != nil {
			return s.abort(t, now, fired, r, stack)
		}
		t.calls.Add(1)
		t.lastCall.Store(now)
		fired++

		if t.kind != KindLoop {
			continue
		}
		loopFired = true
		s.mu.Lock()
		if t.live() {
			s.insertLocked(t, now+t.interval)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prevPoll = now
	s.passes++
	s.fired += fired
	if !s.busy {
		// Reset from inside a callback; nothing left to decide.
		return nil
	}
	// Tasks scheduled at or before now while the pass ran are picked up by
	// the next pass, so they keep the dispatcher busy too.
	if s.horizon > now || loopFired || s.ix.anyIn(s.ix.floor(prev), now) {
		return nil
	}
	s.busy = false
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeIdle, Tick: now})
	s.log.Debug("dispatcher idle", logx.Int64("tick", now), logx.Uint64("passes", s.passes))
	return nil
}

func invoke(t *Task) (r any, stack string) {
	defer func() {
		if r = recover(); r != nil {
			stack = string(debug.Stack())
		}
	}()
	t.fn(t)
	return nil, ""
}

// abort finishes a pass cut short by a panicking callback. The dispatcher stays
// busy; the continuation decision is left to the next pass.
func (s *Scheduler) abort(t *Task, now int64, fired uint64, r any, stack string) error {
	s.mu.Lock()
	s.prevPoll = now
	s.passes++
	s.fired += fired
	s.aborted++
	s.mu.Unlock()

	err := fmt.Errorf("%w: task %d: %v", ErrPassAborted, t.id, r)
	s.log.Error("callback panicked; pass aborted",
		logx.Uint64("task", t.id),
		logx.String("kind", t.kind.String()),
		logx.Int64("tick", now),
		logx.Any("panic", r),
		logx.Stack(stack),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeAbort, Tick: now, Data: t})
	return err
}
