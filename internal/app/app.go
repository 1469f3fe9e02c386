package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"tickq/internal/config"
	"tickq/internal/eventbus"
	"tickq/internal/journal"
	"tickq/internal/observability/debughttp"
	"tickq/internal/plan"
	"tickq/internal/runtime/supervisor"
	"tickq/internal/scheduler"
	"tickq/internal/storage"
	logx "tickq/pkg/logx"
)

const statusEvery = 30 * time.Second

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched   *scheduler.Scheduler
	journal *journal.Service
	debug   *debughttp.Service

	plan   *plan.Plan
	queues []*scheduler.Queue
}

// New loads the config and builds every component. planPath overrides the
// config's plan entry; both may be empty.
func New(cfgPath, planPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	var p *plan.Plan
	if path := resolvePlanPath(cfgPath, cfg.Plan, planPath); path != "" {
		p, err = plan.Load(path)
		if err != nil {
			if store != nil {
				_ = store.Close()
			}
			return nil, fmt.Errorf("load plan: %w", err)
		}
		log.Info("plan loaded", logx.String("path", path), logx.Int("sequences", len(p.Sequences)))
	}

	sched := scheduler.New(schedCfg, nil, log.With(logx.String("comp", "scheduler")), bus)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sched:   sched,
		plan:    p,
	}
	if store != nil {
		a.journal = journal.New(store, bus, log.With(logx.String("comp", "journal")))
	}
	if dc := mapDebugConfig(cfg); dc.Enabled {
		a.debug = debughttp.New(dc, a.status, log.With(logx.String("comp", "debug")))
	}
	return a, nil
}

// resolvePlanPath prefers the flag. A relative path from the config file is
// taken relative to the config's directory.
func resolvePlanPath(cfgPath, fromConfig, fromFlag string) string {
	if p := strings.TrimSpace(fromFlag); p != "" {
		return p
	}
	p := strings.TrimSpace(fromConfig)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(cfgPath), p)
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Queues returns the queues built from the plan.
func (a *App) Queues() []*scheduler.Queue { return a.queues }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		_, err := mapSchedulerConfig(cfg)
		return err
	})

	a.sup.GoRestart("scheduler.dispatch", a.sched.Run,
		supervisor.WithPublishFirstError(true),
		supervisor.WithRestartBackoff(100*time.Millisecond, 5*time.Second),
	)
	if a.journal != nil {
		a.sup.Go("journal", a.journal.Run)
	}
	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("scheduler.status", a.logStatus)

	if a.plan != nil {
		a.queues = plan.Apply(a.sched, a.plan, a.log.With(logx.String("comp", "plan")))
	}
	// Started after the plan so status reads a settled queue list.
	if a.debug != nil {
		a.sup.GoRestart("debug.http", a.runDebug,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("resolution", a.sched.Resolution().String()),
		logx.Int("queues", len(a.queues)),
	)
	return nil
}

// runDebug keeps a refused bind from restarting or failing the app.
func (a *App) runDebug(ctx context.Context) error {
	err := a.debug.Run(ctx)
	if errors.Is(err, debughttp.ErrInsecureBind) {
		a.log.Error("debug server refused to start", logx.Err(err))
		return nil
	}
	return err
}

// Status is the document served at /status.
type Status struct {
	Scheduler  scheduler.Snapshot          `json:"scheduler"`
	Queues     []QueueStatus               `json:"queues"`
	Goroutines []supervisor.GoroutineStats `json:"goroutines"`
	Journal    *JournalStatus              `json:"journal,omitempty"`
}

type QueueStatus struct {
	ID    string `json:"id"`
	Ended int    `json:"ended"`
}

type JournalStatus struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
}

func (a *App) status() any {
	st := Status{Scheduler: a.sched.Snapshot()}
	for _, q := range a.queues {
		st.Queues = append(st.Queues, QueueStatus{ID: q.ID(), Ended: q.Ended()})
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Snapshot()
	}
	if a.journal != nil {
		w, f := a.journal.Stats()
		st.Journal = &JournalStatus{Written: w, Failed: f}
	}
	return st
}

// logEvents mirrors lifecycle events at debug level. A scheduler reset closes
// the subscription, so it subscribes again.
func (a *App) logEvents(ctx context.Context) {
	for ctx.Err() == nil {
		events, unsub := a.bus.Subscribe(128)
		func() {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					if e.Type == eventbus.TypeAbort {
						a.log.Warn("pass aborted", logx.Int64("tick", e.Tick))
						continue
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Int64("tick", e.Tick))
				}
			}
		}()
	}
}

func (a *App) logStatus(ctx context.Context) {
	t := time.NewTicker(statusEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			snap := a.sched.Snapshot()
			a.log.Debug("scheduler status",
				logx.Bool("busy", snap.Busy),
				logx.Int64("tick", snap.Now),
				logx.Int("pending", snap.Pending),
				logx.Int("buckets", snap.Buckets),
				logx.Uint64("passes", snap.Passes),
				logx.Uint64("fired", snap.Fired),
				logx.Uint64("aborted", snap.Aborted),
			)
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}

	if config.StorageChanged(oldCfg, newCfg) {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if oldCfg.Debug != newCfg.Debug {
		a.log.Warn("debug config changed; restart required for changes to take effect")
	}
	if strings.TrimSpace(oldCfg.Plan) != strings.TrimSpace(newCfg.Plan) {
		a.log.Warn("plan path changed; restart required for changes to take effect")
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Queue stops are published while the journal still listens.
	for _, q := range a.queues {
		q.Stop()
	}
	a.sup.Cancel()

	a.step(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	snap := a.sched.Snapshot()
	a.log.Info("stopped", logx.Uint64("passes", snap.Passes), logx.Uint64("fired", snap.Fired))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and by the caller's deadline.
// A step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
