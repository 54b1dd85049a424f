// Package scheduler fires crawler ticks: once immediately when armed, then
// on a fixed interval. Each tick runs the configured jobs one after another.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"crawlerd/internal/crawler"
	"crawlerd/internal/eventbus"
	"crawlerd/pkg/logx"
)

// Scheduler is Disarmed until Start and again after Stop. Ticks never
// overlap: a tick that fires while another is running is skipped.
type Scheduler struct {
	log logx.Logger
	bus eventbus.Bus

	mu     sync.Mutex
	cfg    Config
	plan   Plan
	c      *cron.Cron // non-nil iff armed
	entry  cron.EntryID
	closed bool
	runCtx context.Context
	drain  context.Context // done when ticks fired by the last cron instance finish

	// tick guard
	tickMu  sync.Mutex
	running bool
	idle    chan struct{}

	skipWarn rate.Sometimes

	histMu  sync.Mutex
	history []TickReport
}

func New(cfg Config, plan Plan, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if bus == nil {
		bus = eventbus.Nop
	}
	return &Scheduler{
		log:      log,
		bus:      bus,
		cfg:      cfg,
		plan:     plan,
		skipWarn: rate.Sometimes{First: 1, Interval: 10 * time.Minute},
	}
}

// Update replaces the plan used by subsequent ticks.
func (s *Scheduler) Update(plan Plan) {
	s.mu.Lock()
	s.plan = plan
	s.mu.Unlock()
}

// Armed reports whether the recurring timer is active.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Interval
}

// Start arms the timer and returns without waiting for the immediate tick.
// Ticks keep the values of ctx but not its cancellation; use Stop to disarm.
// Starting an armed scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.c != nil {
		return nil
	}
	if s.cfg.Interval <= 0 {
		return fmt.Errorf("scheduler: invalid interval %s", s.cfg.Interval)
	}

	s.runCtx = context.WithoutCancel(ctx)
	cl := cronLogger{log: s.log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	s.entry = c.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(s.fire))
	c.Start()
	s.c = c

	s.log.Info("crawler service started",
		logx.Duration("interval", s.cfg.Interval),
		logx.Bool("run_on_start", s.cfg.RunOnStart),
		logx.Int("jobs", len(s.plan.Jobs)),
	)

	if s.cfg.RunOnStart {
		// Take the guard here so Wait observes the tick even before its
		// goroutine is scheduled.
		if id, ok := s.begin(); ok {
			runCtx := s.runCtx
			go func() {
				defer s.end()
				s.run(runCtx, id)
			}()
		}
	}
	return nil
}

// Stop disarms the timer. It does not wait for, or cancel, a running tick.
// Calling Stop on a disarmed scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.c == nil {
		return
	}
	s.drain = s.c.Stop()
	s.c = nil
	s.entry = 0
	s.log.Info("crawler service stopped")
}

// Close disarms the scheduler for good. It is safe to call repeatedly and
// before Start.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.closed = true
	return nil
}

// Wait blocks until no tick is running or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	drain := s.drain
	s.mu.Unlock()
	if drain != nil {
		select {
		case <-drain.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.tickMu.Lock()
	idle := s.idle
	running := s.running
	s.tickMu.Unlock()
	if !running {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reschedule changes the interval. An armed scheduler re-registers its
// recurring entry without an extra immediate tick.
func (s *Scheduler) Reschedule(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: invalid interval %s", interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Interval == interval {
		return nil
	}
	old := s.cfg.Interval
	s.cfg.Interval = interval
	if s.c != nil {
		s.c.Remove(s.entry)
		s.entry = s.c.Schedule(cron.Every(interval), cron.FuncJob(s.fire))
	}
	s.log.Info("scheduler interval changed", logx.Duration("from", old), logx.Duration("to", interval))
	return nil
}

// Next returns the next scheduled tick, zero when disarmed.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

// Tick runs one tick synchronously on the caller's goroutine. It reports
// false when another tick is already running.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, bool) {
	id, ok := s.begin()
	if !ok {
		return TickReport{}, false
	}
	defer s.end()
	return s.run(ctx, id), true
}

// Snapshot returns the most recent tick reports, oldest first.
func (s *Scheduler) Snapshot() []TickReport {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	out := make([]TickReport, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.Tick(ctx)
}

func (s *Scheduler) begin() (string, bool) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if s.running {
		s.skipped()
		return "", false
	}
	s.running = true
	s.idle = make(chan struct{})
	return uuid.NewString(), true
}

func (s *Scheduler) end() {
	s.tickMu.Lock()
	s.running = false
	close(s.idle)
	s.tickMu.Unlock()
}

func (s *Scheduler) skipped() {
	s.bus.Publish(eventbus.Event{Type: eventbus.TickSkipped})
	warned := false
	s.skipWarn.Do(func() {
		warned = true
		s.log.Warn("tick skipped", logx.String("reason", "previous tick still running"))
	})
	if !warned {
		s.log.Debug("tick skipped", logx.String("reason", "previous tick still running"))
	}
}

// run executes every job of the current plan in order. Nothing escapes it:
// per-job failures are results, panics are recovered.
func (s *Scheduler) run(ctx context.Context, id string) TickReport {
	s.mu.Lock()
	plan := s.plan
	s.mu.Unlock()

	log := s.log.With(logx.String("tick", id))
	report := TickReport{ID: id, Started: time.Now()}
	for _, job := range plan.Jobs {
		report.Results = append(report.Results, s.runJob(ctx, log, plan, job))
	}
	report.Duration = time.Since(report.Started)

	log.Debug("tick finished",
		logx.Int("jobs", len(report.Results)),
		logx.Int("failed", report.Failed()),
		logx.Duration("duration", report.Duration),
	)
	s.record(report)
	s.bus.Publish(eventbus.Event{Type: eventbus.TickFinished, Data: report})
	return report
}

func (s *Scheduler) runJob(ctx context.Context, log logx.Logger, plan Plan, job crawler.Job) (res crawler.Result) {
	log = log.With(logx.String("job", job.Name))
	defer func() {
		if r := recover(); r != nil {
			res = crawler.Result{Job: job, Status: crawler.StatusLaunchFailed, ExitCode: -1, Err: fmt.Errorf("panic: %v", r)}
			log.Error("crawler launch failed", logx.Err(res.Err), logx.String("stack", string(debug.Stack())))
			s.bus.Publish(eventbus.Event{Type: eventbus.CrawlerFailed, Data: res})
		}
	}()

	log.Info("crawler starting", logx.String("script", job.Script))
	resolved, err := plan.Resolver.Resolve(job)
	if err != nil {
		res = crawler.Unresolved(job, err)
		var fields []logx.Field
		var nf *crawler.NotFoundError
		if errors.As(err, &nf) {
			fields = append(fields, logx.String("path", nf.Primary), logx.String("fallback", nf.Fallback))
		} else {
			fields = append(fields, logx.Err(err))
		}
		log.Error("crawler script not found", fields...)
		s.bus.Publish(eventbus.Event{Type: eventbus.CrawlerFailed, Data: res})
		return res
	}

	log.Debug("crawler resolved",
		logx.String("script", resolved.Script),
		logx.String("workdir", resolved.WorkDir),
		logx.String("layout", resolved.Layout.String()),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.CrawlerStarted, Data: resolved})

	res = plan.Executor.Execute(ctx, resolved)
	dur := logx.Duration("duration", res.Duration)
	switch res.Status {
	case crawler.StatusSucceeded:
		log.Info("crawler succeeded", logx.String("stdout", res.Stdout), dur)
		s.bus.Publish(eventbus.Event{Type: eventbus.CrawlerFinished, Data: res})
		return res
	case crawler.StatusLaunchFailed:
		log.Error("crawler launch failed", logx.Err(res.Err), logx.String("script", resolved.Script))
	default:
		fields := []logx.Field{logx.Int("exit_code", res.ExitCode), logx.String("stderr", res.Stderr), dur}
		if res.Err != nil {
			fields = append(fields, logx.Err(res.Err))
		}
		log.Error("crawler failed", fields...)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.CrawlerFailed, Data: res})
	return res
}

func (s *Scheduler) record(r TickReport) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	if len(s.history) == historySize {
		copy(s.history, s.history[1:])
		s.history = s.history[:historySize-1]
	}
	s.history = append(s.history, r)
}
