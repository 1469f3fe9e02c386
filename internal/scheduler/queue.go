package scheduler

import (
	"sync"

	"github.com/google/uuid"

	"tickq/internal/eventbus"
)

// Queue chains delay/loop entries at cumulative offsets and exposes a single
// handle to stop every task it spawned.
type Queue struct {
	s  *Scheduler
	id string

	mu         sync.Mutex
	cumulative float64 // default units
	refs       []*Task
	ends       int
	stops      int
}

// Sequence builds a Queue and schedules entries on it. The dispatcher is
// armed even when entries is empty.
func (s *Scheduler) Sequence(entries ...Entry) *Queue {
	q := &Queue{s: s, id: uuid.NewString()}
	s.mu.Lock()
	s.armLocked()
	s.mu.Unlock()
	q.Add(entries...)
	return q
}

func (q *Queue) ID() string { return q.id }

// Refs returns a copy of every task spawned so far, in spawn order.
func (q *Queue) Refs() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Task(nil), q.refs...)
}

// Ended reports how many chains (one per Add with entries) reached their last entry.
func (q *Queue) Ended() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ends
}

// Add extends the chain. Offsets continue from the running cumulative value,
// which is zero again once a previous chain fired its last entry.
//
// Every entry but the last is scheduled as a one-shot delay at its cumulative
// offset. The last entry also publishes end (once) and zeroes the cumulative
// offset after its first firing; a last loop entry starts as a delay one
// interval early and turns into a loop so it keeps the chain's phase.
func (q *Queue) Add(entries ...Entry) {
	if len(entries) == 0 {
		return
	}
	s := q.s

	q.mu.Lock()
	defer q.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	res := s.clk.Resolution()
	for i, e := range entries {
		units := e.Time
		if units < 0 {
			units = 0
		}
		q.cumulative += units
		if i < len(entries)-1 {
			q.spawnLocked(KindDelay, res.Ticks(q.cumulative), now, e.Task)
			continue
		}

		fn := q.lastEntry(e.Task)
		if e.Op != OpLoop {
			q.spawnLocked(KindDelay, res.Ticks(q.cumulative), now, fn)
			continue
		}
		interval := units
		gen := q.stops
		q.spawnLocked(KindDelay, res.Ticks(q.cumulative-interval), now, func(t *Task) {
			q.startLoop(t, gen, interval, fn)
		})
	}
	s.armLocked()
}

// startLoop converts the phase delay into the real loop, due one interval
// after the delay's own target tick. It is a no-op if the queue was stopped
// since the entry was added.
func (q *Queue) startLoop(phase *Task, gen int, interval float64, fn Func) {
	s := q.s
	q.mu.Lock()
	defer q.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != q.stops || phase.epoch != s.epoch.Load() {
		return
	}
	ticks := s.clk.Resolution().Ticks(interval)
	t := s.newTaskLocked(KindLoop, ticks, s.clk.Now(), fn)
	t.epoch = phase.epoch
	s.insertLocked(t, phase.target+ticks)
	q.refs = append(q.refs, t)
	s.armLocked()
}

// spawnLocked schedules a task at now+ticks. Call with q.mu and s.mu held.
func (q *Queue) spawnLocked(kind Kind, ticks, now int64, fn Func) *Task {
	if ticks < 0 {
		ticks = 0
	}
	t := q.s.newTaskLocked(kind, ticks, now, fn)
	q.s.insertLocked(t, now+ticks)
	q.refs = append(q.refs, t)
	return t
}

// lastEntry wraps the chain's final callback: after the first call it
// publishes end and zeroes the cumulative offset.
func (q *Queue) lastEntry(fn Func) Func {
	var once sync.Once
	return func(t *Task) {
		if fn != nil {
			fn(t)
		}
		once.Do(func() {
			q.mu.Lock()
			q.cumulative = 0
			q.ends++
			q.mu.Unlock()
			q.s.bus.Publish(eventbus.Event{Type: eventbus.TypeEnd, Tick: q.s.Now(), Data: q})
		})
	}
}

// Stop stops every task spawned by the queue and publishes one stop event
// for the queue itself.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stops++
	refs := append([]*Task(nil), q.refs...)
	q.mu.Unlock()

	for _, t := range refs {
		t.Stop()
	}
	q.s.bus.Publish(eventbus.Event{Type: eventbus.TypeStop, Tick: q.s.Now(), Data: q})
}
