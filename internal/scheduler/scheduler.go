package scheduler

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tickq/internal/clock"
	"tickq/internal/eventbus"
	logx "tickq/pkg/logx"
)

type Scheduler struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	clk *clock.Clock
	ix  *index

	horizon  int64
	prevPoll int64
	busy     bool

	// epoch is bumped by Reset; tasks from an older epoch never fire again.
	epoch atomic.Uint64

	kick    chan struct{}
	running atomic.Bool
	idSeq   atomic.Uint64

	lagLimiter *rate.Limiter

	passes  uint64
	fired   uint64
	aborted uint64
}

// New creates a scheduler reading time from src (nil means the monotonic clock).
// bus receives busy/idle/stop/end/abort events; nil drops them.
func New(cfg Config, src clock.Source, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	cfg = cfg.withDefaults()
	clk := clock.New(src)
	clk.SetResolution(cfg.Resolution)
	return &Scheduler{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		clk:        clk,
		ix:         newIndex(),
		horizon:    clk.Now(),
		prevPoll:   clk.Now(),
		kick:       make(chan struct{}, 1),
		lagLimiter: rate.NewLimiter(rate.Every(lagWarnEvery), 1),
	}
}

// Apply updates the runtime knobs. A resolution change goes through SetResolution.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	resChanged := cfg.Resolution != s.clk.Resolution()
	s.cfg = cfg
	s.mu.Unlock()

	if resChanged {
		s.SetResolution(cfg.Resolution)
	}
}

// Now returns the current tick.
func (s *Scheduler) Now() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clk.Now()
}

func (s *Scheduler) Resolution() clock.Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clk.Resolution()
}

// SetResolution changes the tick length. Unsupported factors fall back to
// clock.Default. The previous-poll tick moves to the current tick; tasks
// already pending keep the absolute target tick computed under the old
// resolution, and those now behind the clock fire on the next pass.
func (s *Scheduler) SetResolution(r clock.Resolution) clock.Resolution {
	s.mu.Lock()
	prev := s.clk.Resolution()
	eff := s.clk.SetResolution(r)
	s.cfg.Resolution = eff
	s.prevPoll = s.clk.Now()
	pending := s.ix.pending
	s.mu.Unlock()

	if prev != eff {
		s.log.Info("resolution changed",
			logx.String("from", prev.String()),
			logx.String("to", eff.String()),
			logx.Int("pending", pending),
		)
	}
	return eff
}

// Busy reports whether the dispatcher is in the busy state.
func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Delay runs fn once, interval default units from now.
func (s *Scheduler) Delay(interval float64, fn Func) *Task {
	return s.schedule(KindDelay, interval, fn)
}

// Loop runs fn every interval default units until the task is stopped.
func (s *Scheduler) Loop(interval float64, fn Func) *Task {
	return s.schedule(KindLoop, interval, fn)
}

// DelayFunc is Delay with DefaultInterval.
func (s *Scheduler) DelayFunc(fn Func) *Task { return s.Delay(DefaultInterval, fn) }

// LoopFunc is Loop with DefaultInterval.
func (s *Scheduler) LoopFunc(fn Func) *Task { return s.Loop(DefaultInterval, fn) }

// Repeat runs fn n times, interval units apart, then stops the task.
// n < 1 returns a task that was never scheduled and is not runnable.
func (s *Scheduler) Repeat(n int, interval float64, fn Func) *Task {
	if n < 1 {
		s.mu.Lock()
		t := s.newTaskLocked(KindLoop, s.clk.Resolution().Ticks(interval), s.clk.Now(), fn)
		s.mu.Unlock()
		t.runnable.Store(false)
		return t
	}
	count := 0
	return s.Loop(interval, func(t *Task) {
		// Only the dispatcher goroutine touches count.
		count++
		if fn != nil {
			fn(t)
		}
		if count >= n {
			t.Stop()
		}
	})
}

func (s *Scheduler) schedule(kind Kind, interval float64, fn Func) *Task {
	if interval < 0 || math.IsNaN(interval) || math.IsInf(interval, 0) {
		interval = DefaultInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	t := s.newTaskLocked(kind, s.clk.Resolution().Ticks(interval), now, fn)
	s.insertLocked(t, now+t.interval)
	s.armLocked()
	return t
}

func (s *Scheduler) newTaskLocked(kind Kind, ticks, now int64, fn Func) *Task {
	if fn == nil {
		fn = func(*Task) {}
	}
	t := &Task{
		s:        s,
		id:       s.idSeq.Add(1),
		kind:     kind,
		interval: ticks,
		created:  now,
		epoch:    s.epoch.Load(),
		fn:       fn,
	}
	t.runnable.Store(true)
	return t
}

func (s *Scheduler) insertLocked(t *Task, target int64) {
	t.target = target
	if target > s.horizon {
		s.horizon = target
	}
	s.ix.insert(target, t)
}

// armLocked moves an idle dispatcher to busy and wakes it.
func (s *Scheduler) armLocked() {
	if s.busy {
		return
	}
	s.busy = true
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeBusy, Tick: s.clk.Now()})
	s.log.Debug("dispatcher busy", logx.Int("pending", s.ix.pending))
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Reset abandons every pending task without firing or signaling it, drops all
// event subscribers and returns the dispatcher to idle.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.epoch.Add(1)
	dropped := s.ix.pending
	s.ix.clear()
	s.busy = false
	now := s.clk.Now()
	s.prevPoll = now
	s.horizon = now
	s.mu.Unlock()

	s.bus.Reset()
	s.log.Info("scheduler reset", logx.Int("dropped", dropped))
}

// Subscribe is a shortcut for the bus subscription.
func (s *Scheduler) Subscribe(buffer int) (<-chan eventbus.Event, func()) {
	return s.bus.Subscribe(buffer)
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Busy:         s.busy,
		Running:      s.running.Load(),
		Resolution:   s.clk.Resolution(),
		PollInterval: s.cfg.PollInterval,
		Now:          s.clk.Now(),
		PrevPoll:     s.prevPoll,
		Horizon:      s.horizon,
		Buckets:      s.ix.len(),
		Pending:      s.ix.pending,
		Passes:       s.passes,
		Fired:        s.fired,
		Aborted:      s.aborted,
	}
}

func (s *Scheduler) pollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.PollInterval
}
