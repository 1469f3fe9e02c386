package scheduler

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"tickq/internal/clock"
	"tickq/internal/eventbus"
	logx "tickq/pkg/logx"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *clock.Fake, eventbus.Bus) {
	t.Helper()
	src := clock.NewFake()
	bus := eventbus.New()
	return New(cfg, src, logx.Nop(), bus), src, bus
}

// runTicks advances the fake clock one tick at a time and runs a pass after each.
func runTicks(t *testing.T, s *Scheduler, src *clock.Fake, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		src.Advance(s.Resolution().TickLength())
		if err := s.Pass(); err != nil {
			t.Fatalf("Pass() at tick %d: %v", s.Now(), err)
		}
	}
}

// jump advances the fake clock by n ticks and runs a single pass.
func jump(t *testing.T, s *Scheduler, src *clock.Fake, n int) {
	t.Helper()
	src.Advance(time.Duration(n) * s.Resolution().TickLength())
	if err := s.Pass(); err != nil {
		t.Fatalf("Pass() at tick %d: %v", s.Now(), err)
	}
}

func drainTypes(ch <-chan eventbus.Event) []string {
	var out []string
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e.Type)
		default:
			return out
		}
	}
}

func TestDelayFiresOnceNotEarly(t *testing.T) {
	t.Parallel()
	s, src, _ := newTestScheduler(t, Config{})

	var ticks []int64
	task := s.Delay(5, func(t *Task) { ticks = append(ticks, s.Now()) })
	runTicks(t, s, src, 12)

	if !reflect.DeepEqual(ticks, []int64{5}) {
		t.Fatalf("fired at %v, want [5]", ticks)
	}
	if task.Calls() != 1 || task.LastCall() != 5 {
		t.Fatalf("calls=%d last=%d, want 1 and 5", task.Calls(), task.LastCall())
	}
	if task.Kind() != KindDelay || task.Interval() != 5 || task.Created() != 0 || task.Target() != 5 {
		t.Fatalf("unexpected task fields: kind=%v interval=%d created=%d target=%d",
			task.Kind(), task.Interval(), task.Created(), task.Target())
	}
}

func TestDelayZeroFiresOnNextPass(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t, Config{})

	calls := 0
	s.Delay(0, func(*Task) { calls++ })
	if err := s.Pass(); err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestLoopSpacingUntilStopped(t *testing.T) {
	t.Parallel()
	s, src, _ := newTestScheduler(t, Config{})

	var ticks []int64
	task := s.Loop(3, func(t *Task) {
		ticks = append(ticks, s.Now())
		if len(ticks) == 4 {
			t.Stop()
		}
	})
	runTicks(t, s, src, 30)

	if want := []int64{3, 6, 9, 12}; !reflect.DeepEqual(ticks, want) {
		t.Fatalf("fired at %v, want %v", ticks, want)
	}
	if task.Runnable() {
		t.Fatal("expected task to be stopped")
	}
	if got := s.Snapshot().Pending; got != 0 {
		t.Fatalf("pending = %d, want 0 (stopped loop must not be re-armed)", got)
	}
}

func TestLoopCallCountVisibleToCallback(t *testing.T) {
	t.Parallel()
	s, src, _ := newTestScheduler(t, Config{})

	var seen []int64
	s.Loop(1, func(t *Task) {
		seen = append(seen, t.Calls())
		if t.Calls() == 2 {
			t.Stop()
		}
	})
	runTicks(t, s, src, 5)

	if want := []int64{0, 1, 2}; !reflect.DeepEqual(seen, want) {
		t.Fatalf("Calls() seen = %v, want %v", seen, want)
	}
}

func TestRepeatFiresExactlyN(t *testing.T) {
	t.Parallel()
	s, src, _ := newTestScheduler(t, Config{})

	var ticks []int64
	task := s.Repeat(3, 2, func(*Task) { ticks = append(ticks, s.Now()) })
	runTicks(t, s, src, 20)

	if want := []int64{2, 4, 6}; !reflect.DeepEqual(ticks, want) {
		t.Fatalf("fired at %v, want %v", ticks, want)
	}
	if task.Runnable() {
		t.Fatal("expected repeat task stopped after n calls")
	}
	if task.Calls() != 3 {
		t.Fatalf("Calls() = %d, want 3", task.Calls())
	}
}

func TestRepeatNonPositiveNeverFires(t *testing.T) {
	t.Parallel()
	s, src, _ := newTestScheduler(t, Config{})

	calls := 0
	task := s.Repeat(0, 1, func(*Task) { calls++ })
	runTicks(t, s, src, 5)

	if calls != 0 || task.Runnable() {
		t.Fatalf("calls=%d runnable=%v, want 0 and false", calls, task.Runnable())
	}
}

func TestFiringOrderWithinPass(t *testing.T) {
	t.Parallel()
	s, src, _ := newTestScheduler(t, Config{})

	var order []string
	s.Delay(5, func(*Task) { order = append(order, "a") })
	s.Delay(3, func(*Task) { order = append(order, "b") })
	s.Delay(5, func(*Task) { order = append(order, "c") })
	s.Delay(4, func(*Task) { order = append(order, "d") })

	jump(t, s, src, 10)

	if want := []string{"b", "d", "a", "c"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestStopFromEarlierCallbackSkipsLaterTask(t *testing.T) {
	t.Parallel()
	s, src, _ := newTestScheduler(t, Config{})

	var victim *Task
	s.Delay(5, func(*Task) { victim.Stop() })
	fired := false
	victim = s.Delay(5, func(*Task) { fired = true })

	runTicks(t, s, src, 10)
	if fired {
		t.Fatal("task stopped earlier in the same pass must not fire")
	}
	if victim.Calls() != 0 {
		t.Fatalf("Calls() = %d, want 0", victim.Calls())
	}
}

func TestStopIsIdempotentAndPublishesOnce(t *testing.T) {
	t.Parallel()
	s, _, bus := newTestScheduler(t, Config{})
	task := s.Delay(5, nil)

	ch, unsub := bus.Subscribe(8)
	defer unsub()

	task.Stop()
	task.Stop()

	if got := drainTypes(ch); !reflect.DeepEqual(got, []string{eventbus.TypeStop}) {
		t.Fatalf("events = %v, want one stop", got)
	}
}

func TestTaskScheduledDuringPassIsDeferred(t *testing.T) {
	t.Parallel()
	s, src, _ := newTestScheduler(t, Config{})

	var order []string
	s.Delay(2, func(*Task) {
		order = append(order, "a")
		s.Delay(0, func(*Task) { order = append(order, "b") })
	})

	runTicks(t, s, src, 2)
	if want := []string{"a"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("after first pass order = %v, want %v", order, want)
	}
	if !s.Busy() {
		t.Fatal("dispatcher must stay busy while a deferred task is pending")
	}

	// Same tick, next pass.
	if err := s.Pass(); err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if want := []string{"a", "b"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestBusyIdleTransitions(t *testing.T) {
	t.Parallel()
	s, src, bus := newTestScheduler(t, Config{})
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	if s.Busy() {
		t.Fatal("new scheduler must be idle")
	}
	s.Delay(2, nil)
	if !s.Busy() {
		t.Fatal("scheduling must arm the dispatcher")
	}
	s.Delay(1, nil) // already busy: no second busy event

	runTicks(t, s, src, 1)
	if !s.Busy() {
		t.Fatal("dispatcher must stay busy while the horizon is ahead")
	}
	runTicks(t, s, src, 1)
	if s.Busy() {
		t.Fatal("dispatcher must idle once the horizon is reached")
	}

	if got, want := drainTypes(ch), []string{eventbus.TypeBusy, eventbus.TypeIdle}; !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	// Idle -> busy again.
	s.Delay(1, nil)
	if got := drainTypes(ch); !reflect.DeepEqual(got, []string{eventbus.TypeBusy}) {
		t.Fatalf("events = %v, want [busy]", got)
	}
}

func TestLoopKeepsDispatcherBusy(t *testing.T) {
	t.Parallel()
	s, src, _ := newTestScheduler(t, Config{})
	task := s.Loop(2, nil)

	runTicks(t, s, src, 11)
	if !s.Busy() {
		t.Fatal("a live loop must keep the dispatcher busy")
	}
	task.Stop()
	runTicks(t, s, src, 3)
	if s.Busy() {
		t.Fatal("dispatcher must idle after the loop stops and its stale slot is swept")
	}
}

func TestResetAbandonsPendingTasks(t *testing.T) {
	t.Parallel()
	s, src, bus := newTestScheduler(t, Config{})
	ch, _ := bus.Subscribe(8)

	fired := false
	s.Delay(5, func(*Task) { fired = true })
	s.Loop(2, func(*Task) { fired = true })

	s.Reset()

	// Subscriber channel is closed by Reset.
	for range ch {
	}
	if s.Busy() {
		t.Fatal("Reset must leave the dispatcher idle")
	}
	if snap := s.Snapshot(); snap.Pending != 0 || snap.Buckets != 0 {
		t.Fatalf("pending=%d buckets=%d after Reset, want 0", snap.Pending, snap.Buckets)
	}

	runTicks(t, s, src, 10)
	if fired {
		t.Fatal("tasks created before Reset must never fire")
	}

	calls := 0
	s.Delay(1, func(*Task) { calls++ })
	if !s.Busy() {
		t.Fatal("scheduling after Reset must re-arm the dispatcher")
	}
	runTicks(t, s, src, 2)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestResetFromCallbackStopsRestOfPass(t *testing.T) {
	t.Parallel()
	s, src, _ := newTestScheduler(t, Config{})

	later := false
	s.Delay(1, func(*Task) { s.Reset() })
	s.Delay(1, func(*Task) { later = true })
	loop := s.Loop(1, nil)

	runTicks(t, s, src, 5)
	if later {
		t.Fatal("task collected before Reset must not fire after it")
	}
	if loop.Calls() != 0 {
		t.Fatalf("loop calls = %d, want 0", loop.Calls())
	}
}

func TestDefaultIntervalOverloads(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t, Config{})

	if got := s.DelayFunc(nil).Interval(); got != DefaultInterval {
		t.Fatalf("DelayFunc interval = %d, want %d", got, DefaultInterval)
	}
	loop := s.LoopFunc(nil)
	if loop.Interval() != DefaultInterval || loop.Kind() != KindLoop {
		t.Fatalf("LoopFunc interval=%d kind=%v", loop.Interval(), loop.Kind())
	}
	if got := s.Delay(-3, nil).Interval(); got != DefaultInterval {
		t.Fatalf("negative interval = %d, want %d", got, DefaultInterval)
	}
}

func TestIntervalScaledByResolution(t *testing.T) {
	t.Parallel()
	s, src, _ := newTestScheduler(t, Config{Resolution: clock.Fine})

	task := s.Delay(3, nil)
	if task.Interval() != 30 {
		t.Fatalf("interval under fine = %d, want 30", task.Interval())
	}
	s.SetResolution(clock.Finer)
	if got := s.Delay(3, nil).Interval(); got != 300 {
		t.Fatalf("interval under finer = %d, want 300", got)
	}

	// Fine ticks are 100µs: 30 of them is 3ms of fake time.
	s.SetResolution(clock.Fine)
	jump(t, s, src, 29)
	if task.Calls() != 0 {
		t.Fatal("fired early")
	}
}

func TestSetResolutionInvalidFallsBack(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t, Config{Resolution: clock.Fine})
	if got := s.SetResolution(clock.Resolution(0.25)); got != clock.Default {
		t.Fatalf("SetResolution(0.25) = %v, want default", got)
	}
	if s.Resolution() != clock.Default {
		t.Fatalf("Resolution() = %v", s.Resolution())
	}
}

func TestResolutionChangeKeepsPendingTargets(t *testing.T) {
	t.Parallel()
	s, src, _ := newTestScheduler(t, Config{Resolution: clock.Fine})

	var order []string
	old := s.Delay(50, func(*Task) { order = append(order, "old") })
	if old.Target() != 500 {
		t.Fatalf("old target = %d, want 500", old.Target())
	}

	src.Advance(10 * time.Millisecond)
	s.SetResolution(clock.Default)
	if snap := s.Snapshot(); snap.PrevPoll != 10 || snap.Now != 10 {
		t.Fatalf("prev=%d now=%d after resolution change, want 10/10", snap.PrevPoll, snap.Now)
	}

	fresh := s.Delay(50, func(*Task) { order = append(order, "new") })
	if fresh.Target() != 60 {
		t.Fatalf("new target = %d, want 60", fresh.Target())
	}

	jump(t, s, src, 50) // tick 60
	if want := []string{"new"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	if old.Target() != 500 {
		t.Fatalf("pending target rescaled to %d", old.Target())
	}

	jump(t, s, src, 440) // tick 500
	if want := []string{"new", "old"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestPanicAbortsPass(t *testing.T) {
	t.Parallel()
	s, src, bus := newTestScheduler(t, Config{})
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	bad := s.Delay(1, func(*Task) { panic("boom") })
	skipped := false
	s.Delay(1, func(*Task) { skipped = true })

	src.Advance(time.Millisecond)
	err := s.Pass()
	if !errors.Is(err, ErrPassAborted) {
		t.Fatalf("Pass() error = %v, want ErrPassAborted", err)
	}
	if bad.Calls() != 0 {
		t.Fatalf("panicking task calls = %d, want 0", bad.Calls())
	}
	if !s.Busy() {
		t.Fatal("an aborted pass must not decide continuation")
	}

	runTicks(t, s, src, 5)
	if skipped {
		t.Fatal("tasks after the panicking one must not fire, now or later")
	}
	if got := s.Snapshot().Aborted; got != 1 {
		t.Fatalf("aborted = %d, want 1", got)
	}

	types := drainTypes(ch)
	found := false
	for _, typ := range types {
		if typ == eventbus.TypeAbort {
			found = true
		}
	}
	if !found {
		t.Fatalf("events = %v, want an abort event", types)
	}

	calls := 0
	s.Delay(2, func(*Task) { calls++ })
	runTicks(t, s, src, 3)
	if calls != 1 {
		t.Fatalf("scheduler must keep working after an abort, calls = %d", calls)
	}
}

func TestApplyUpdatesPollIntervalAndResolution(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t, Config{})
	s.Apply(Config{Resolution: clock.Finer, PollInterval: 5 * time.Millisecond})

	snap := s.Snapshot()
	if snap.Resolution != clock.Finer {
		t.Fatalf("resolution = %v, want finer", snap.Resolution)
	}
	if snap.PollInterval != 5*time.Millisecond {
		t.Fatalf("poll interval = %v, want 5ms", snap.PollInterval)
	}
}

func TestRunFiresWithMonotonicClock(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s := New(Config{}, nil, logx.Nop(), bus)
	events, unsub := bus.Subscribe(64)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	fired := make(chan int64, 8)
	s.Repeat(3, 2, func(t *Task) { fired <- t.Calls() })

	for i := 0; i < 3; i++ {
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatalf("repeat fired %d times, want 3", i)
		}
	}

	deadline := time.After(2 * time.Second)
	for idle := false; !idle; {
		select {
		case e := <-events:
			idle = e.Type == eventbus.TypeIdle
		case <-deadline:
			t.Fatal("dispatcher never went idle")
		}
	}
	select {
	case <-fired:
		t.Fatal("repeat fired more than 3 times")
	default:
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunRejectsSecondDispatcher(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Snapshot().Running {
		if time.Now().After(deadline) {
			t.Fatal("dispatcher did not start")
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run() = %v, want ErrAlreadyRunning", err)
	}
	cancel()
	<-done
}

func TestPendingTasksSurviveClockJumps(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		run      func(t *testing.T, s *Scheduler, src *clock.Fake, rec Func)
		want     []int64
		wantIdle bool
	}{
		{
			name: "switch to finer resolution",
			run: func(t *testing.T, s *Scheduler, src *clock.Fake, rec Func) {
				s.Delay(50, rec)
				src.Advance(10 * time.Millisecond)
				s.SetResolution(clock.Fine) // now = 100, old target 50
				runTicks(t, s, src, 20)
			},
			want:     []int64{101},
			wantIdle: true,
		},
		{
			name: "switch to finer resolution keeps loop going",
			run: func(t *testing.T, s *Scheduler, src *clock.Fake, rec Func) {
				s.Loop(20, rec)
				src.Advance(10 * time.Millisecond)
				s.SetResolution(clock.Fine) // now = 100, loop target 20
				jump(t, s, src, 1)          // 101; the interval stays 20 ticks
				jump(t, s, src, 20)         // 121
			},
			want: []int64{101, 121},
		},
		{
			name: "lagging pass before a last loop entry",
			run: func(t *testing.T, s *Scheduler, src *clock.Fake, rec Func) {
				s.Sequence(DelayEntry(100, nil), LoopEntry(50, rec))
				jump(t, s, src, 180) // phase fires at 180, loop armed at 150
				for i := 0; i < 3; i++ {
					jump(t, s, src, 50)
				}
			},
			want: []int64{230, 280, 330},
		},
		{
			name: "lagging pass spanning several loop intervals",
			run: func(t *testing.T, s *Scheduler, src *clock.Fake, rec Func) {
				s.Loop(10, rec)
				jump(t, s, src, 35)
				jump(t, s, src, 5)
				jump(t, s, src, 5)
			},
			want: []int64{35, 45},
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, src, _ := newTestScheduler(t, Config{})
			var got []int64
			tc.run(t, s, src, func(*Task) { got = append(got, s.Now()) })

			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("fired at %v, want %v", got, tc.want)
			}
			snap := s.Snapshot()
			if snap.Busy == tc.wantIdle {
				t.Fatalf("busy = %v, want %v (pending=%d)", snap.Busy, !tc.wantIdle, snap.Pending)
			}
			if tc.wantIdle && (snap.Pending != 0 || snap.Buckets != 0) {
				t.Fatalf("idle with pending=%d buckets=%d", snap.Pending, snap.Buckets)
			}
			if !tc.wantIdle && snap.Horizon <= snap.Now {
				t.Fatalf("horizon %d not ahead of now %d with a loop pending", snap.Horizon, snap.Now)
			}
		})
	}
}
