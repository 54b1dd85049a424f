// Package app wires config, logging, the event bus and the scheduler into
// the crawler service and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"crawlerd/internal/config"
	"crawlerd/internal/crawler"
	"crawlerd/internal/eventbus"
	"crawlerd/internal/runtime/supervisor"
	"crawlerd/internal/scheduler"
	"crawlerd/pkg/logx"
	"crawlerd/pkg/systemd"
)

type App struct {
	opts options

	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	sched *scheduler.Scheduler

	mu      sync.Mutex
	cfg     *config.Config // last applied
	sup     *supervisor.Supervisor
	stopped bool
	closed  bool
}

type options struct {
	level string
}

type Option func(*options)

// WithLogLevel overrides logging.level, including across config reloads.
func WithLogLevel(level string) Option {
	return func(o *options) { o.level = level }
}

// NewApp loads cfgPath ("" means built-in defaults) and builds the service
// without starting anything.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	plan, err := PlanFor(cfg)
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(o.logConfig(cfg))
	bus := eventbus.New()
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{
		opts: o,
		cfgm: cfgm,
		logs: logs,
		log:  root.With(logx.String("comp", "app")),
		bus:  bus,
		cfg:  cfg,
		sched: scheduler.New(schedulerConfig(cfg), plan,
			root.With(logx.String("comp", "scheduler")), bus),
	}
	return a, nil
}

// PlanFor builds the per-tick plan described by cfg.
func PlanFor(cfg *config.Config) (scheduler.Plan, error) {
	base, err := BaseDir(cfg)
	if err != nil {
		return scheduler.Plan{}, err
	}
	return scheduler.Plan{
		Jobs:     cfg.Jobs(),
		Resolver: crawler.NewResolver(base),
		Executor: cfg.Executor(),
	}, nil
}

// BaseDir is crawler.base_dir when set, else the executable's directory.
func BaseDir(cfg *config.Config) (string, error) {
	if b := strings.TrimSpace(cfg.Crawler.BaseDir); b != "" {
		return b, nil
	}
	return crawler.DefaultBaseDir()
}

func (o options) logConfig(cfg *config.Config) logx.Config {
	lc := cfg.LogConfig()
	if o.level != "" {
		lc.Level = o.level
	}
	return lc
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Interval: cfg.Interval(), RunOnStart: cfg.Scheduler.RunOnStart}
}

func (a *App) Log() logx.Logger                { return a.log }
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Bus() eventbus.Bus               { return a.bus }

// Config returns the configuration currently applied.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Done is closed when the app context is cancelled by Stop or a fatal error.
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

func (a *App) Err() error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

// RunOnce runs a single tick on the calling goroutine.
func (a *App) RunOnce(ctx context.Context) (scheduler.TickReport, error) {
	report, ok := a.sched.Tick(ctx)
	if !ok {
		return report, fmt.Errorf("a tick is already running")
	}
	return report, nil
}

// Start arms the scheduler and the background loops. It returns without
// waiting for the first tick.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return scheduler.ErrClosed
	}
	if a.sup != nil && !a.stopped {
		return nil
	}
	a.stopped = false
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.sup = sup
	cfg := a.cfg

	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		_, err := PlanFor(c)
		if err != nil {
			return err
		}
		if b := strings.TrimSpace(c.Crawler.BaseDir); b != "" {
			if fi, err := os.Stat(b); err != nil || !fi.IsDir() {
				return fmt.Errorf("crawler.base_dir: %q is not a directory", b)
			}
		}
		return nil
	})

	events, unsub := a.bus.Subscribe(128)
	sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		a.eventLoop(c, events)
	})

	sub := a.cfgm.Subscribe(4)
	sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.apply(c, next)
			}
		}
	})
	if a.cfgm.Path() != "" {
		sup.GoRestart("config.watch", a.cfgm.Watch, 250*time.Millisecond, 5*time.Second)
	}

	if wd := systemd.WatchdogInterval(); wd > 0 {
		sup.Go("systemd.watchdog", func(c context.Context) error {
			return systemd.Watchdog(c, wd)
		})
	}

	if cfg.Timeout() == 0 {
		a.log.Warn("no crawler timeout configured; a hung crawler blocks its tick")
	}
	if cfg.Scheduler.Enabled {
		if err := a.sched.Start(sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Info("scheduler disabled via config")
	}

	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	}
	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.Int("jobs", len(cfg.Crawler.Jobs)),
	)
	return nil
}

// Stop disarms the scheduler and stops the background loops. A crawler that
// is already running is left to finish; see Drain.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	if sup == nil || a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.sched.Stop()
	sup.Cancel()
	a.mu.Unlock()

	a.log.Info("stopping")
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	}
	a.step(ctx, "supervisor", 2*time.Second, sup.Wait)
	a.log.Info("stopped")
	return nil
}

// Drain waits for a running tick, bounded by ctx.
func (a *App) Drain(ctx context.Context) error {
	return a.sched.Wait(ctx)
}

// Close releases the scheduler and log sinks. It is idempotent and safe
// without Start.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	_ = a.Stop(context.Background())
	err := a.sched.Close()
	if cerr := a.logs.Close(); err == nil {
		err = cerr
	}
	return err
}

// step runs fn bounded by max (and by ctx's own deadline). A step that
// overruns is logged and left running.
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
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

func (a *App) eventLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			if e.Type != eventbus.TickFinished {
				continue
			}
			if r, ok := e.Data.(scheduler.TickReport); ok {
				msg := fmt.Sprintf("last tick %s: %d ok, %d failed",
					r.Started.Format(time.RFC3339), len(r.Results)-r.Failed(), r.Failed())
				if _, err := systemd.Status(msg); err != nil {
					a.log.Debug("sd_notify failed", logx.Err(err))
				}
			}
		}
	}
}

// apply switches the running service to next. Invalid pieces keep the
// previous value. It holds a.mu throughout so a concurrent Stop cannot be
// undone by a late scheduler start.
func (a *App) apply(ctx context.Context, next *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped || a.closed {
		a.log.Debug("config reload ignored; app stopped")
		return
	}
	prev := a.cfg

	change := config.Diff(prev, next)
	if !change.Any() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	if change.Logging {
		a.logs.Apply(a.opts.logConfig(next))
	}
	if change.Crawler {
		plan, err := PlanFor(next)
		if err != nil {
			a.log.Warn("invalid crawler config; keeping previous", logx.Err(err))
			return
		}
		a.sched.Update(plan)
	}
	if change.Interval {
		if err := a.sched.Reschedule(next.Interval()); err != nil {
			a.log.Warn("invalid interval; keeping previous", logx.Err(err))
		}
	}
	switch {
	case prev.Scheduler.Enabled && !next.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		a.sched.Stop()
	case !prev.Scheduler.Enabled && next.Scheduler.Enabled && ctx.Err() == nil:
		a.log.Info("scheduler enabled via config")
		if err := a.sched.Start(ctx); err != nil {
			a.log.Warn("scheduler start failed", logx.Err(err))
		}
	}

	a.cfg = next
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigApplied, Data: change.Sections()})
	a.log.Info("config reloaded", change.Fields(next)...)
}
