package scheduler

import (
	"sync/atomic"

	"tickq/internal/eventbus"
)

// Task is a single delay or loop registration.
type Task struct {
	s *Scheduler

	id       uint64
	kind     Kind
	interval int64 // ticks, scaled once at creation
	created  int64
	epoch    uint64
	fn       Func

	// guarded by s.mu
	target int64

	calls    atomic.Int64
	lastCall atomic.Int64
	runnable atomic.Bool
}

func (t *Task) ID() uint64      { return t.id }
func (t *Task) Kind() Kind      { return t.kind }
func (t *Task) Interval() int64 { return t.interval }
func (t *Task) Created() int64  { return t.created }

// Calls reports how many times the callback has completed.
func (t *Task) Calls() int64 { return t.calls.Load() }

// LastCall is the tick of the pass that last fired the task (0 if never).
func (t *Task) LastCall() int64 { return t.lastCall.Load() }

func (t *Task) Runnable() bool { return t.runnable.Load() }

// Target is the tick the task is (or was last) due at.
func (t *Task) Target() int64 {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.target
}

// Stop prevents any further firing and publishes a stop event.
// Calling Stop more than once has no further effect.
func (t *Task) Stop() {
	if !t.runnable.CompareAndSwap(true, false) {
		return
	}
	t.s.bus.Publish(eventbus.Event{Type: eventbus.TypeStop, Tick: t.lastCall.Load(), Data: t})
}

// live reports whether the task may still fire: runnable and not abandoned by Reset.
func (t *Task) live() bool {
	return t.runnable.Load() && t.epoch == t.s.epoch.Load()
}
