package scheduler

import (
	"time"

	"tickq/internal/clock"
)

// DefaultInterval is used when a task is scheduled without an interval.
const DefaultInterval = 10

const (
	defaultPollInterval = time.Millisecond
	defaultLagWarnTicks = 1000
	lagWarnEvery        = 5 * time.Second
)

// Config controls the scheduler.
type Config struct {
	Resolution clock.Resolution

	// PollInterval is the pause between two passes while the dispatcher is busy.
	PollInterval time.Duration

	// LagWarnTicks logs a (throttled) warning when a single pass drains more
	// ticks than this. 0 applies a default; < 0 disables the warning.
	LagWarnTicks int64
}

func (c Config) withDefaults() Config {
	c.Resolution = c.Resolution.Normalize()
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LagWarnTicks == 0 {
		c.LagWarnTicks = defaultLagWarnTicks
	}
	return c
}

// Kind distinguishes one-shot tasks from recurring ones.
type Kind int

const (
	KindDelay Kind = iota
	KindLoop
)

func (k Kind) String() string {
	switch k {
	case KindDelay:
		return "delay"
	case KindLoop:
		return "loop"
	default:
		return "unknown"
	}
}

// Func is a task callback. The task itself is passed so the callback can
// inspect its call count or stop it.
type Func func(t *Task)

// Op selects how a sequencer entry is scheduled.
type Op int

const (
	OpDelay Op = iota
	OpLoop
)

func (o Op) String() string {
	if o == OpLoop {
		return "loop"
	}
	return "delay"
}

// Entry is one step of a sequence: an operation, its offset in default units
// and the callback to run.
type Entry struct {
	Op   Op
	Time float64
	Task Func
}

func DelayEntry(units float64, fn Func) Entry { return Entry{Op: OpDelay, Time: units, Task: fn} }
func LoopEntry(units float64, fn Func) Entry  { return Entry{Op: OpLoop, Time: units, Task: fn} }

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Busy         bool
	Running      bool
	Resolution   clock.Resolution
	PollInterval time.Duration

	Now      int64
	PrevPoll int64
	Horizon  int64

	Buckets int
	Pending int

	Passes  uint64
	Fired   uint64
	Aborted uint64
}
