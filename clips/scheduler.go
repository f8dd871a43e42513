package clips

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/onnwee/clip-tender/telemetry"
)

// Runner is the set of sync operations the scheduler drives.
type Runner interface {
	UpdateClips(ctx context.Context) (int, error)
	CheckRecentClips(ctx context.Context) (int, error)
	IsLive(ctx context.Context) (bool, error)
}

// ScheduleConfig selects cadences. Schedule strings use standard cron syntax or descriptors
// such as "@every 6h".
type ScheduleConfig struct {
	Backfill string
	Check    string
	// Adaptive replaces the fixed Check cadence with one picked by broadcaster liveness.
	Adaptive        bool
	Liveness        string
	LiveInterval    time.Duration
	OfflineInterval time.Duration
}

// DefaultScheduleConfig returns the documented defaults.
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Backfill:        "@every 6h",
		Check:           "@every 6h",
		Liveness:        "@every 5m",
		LiveInterval:    time.Minute,
		OfflineInterval: time.Hour,
	}
}

// ParseSchedule validates a cron expression with the parser the scheduler uses.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}

// Scheduler runs the backfill and incremental check on independent cadences.
// Overlapping ticks of the same job are skipped and panics are recovered.
type Scheduler struct {
	runner Runner
	cfg    ScheduleConfig
	cron   *cron.Cron

	backfillJob cron.Job
	checkJob    cron.Job
	probeJob    cron.Job

	mu         sync.Mutex
	ctx        context.Context
	checkEntry cron.EntryID
	live       bool

	wg sync.WaitGroup
}

// NewScheduler builds a scheduler for runner. Nothing runs until Start.
func NewScheduler(runner Runner, cfg ScheduleConfig) *Scheduler {
	logger := cronLogger{l: slog.Default().With(slog.String("component", "scheduler"))}
	chain := cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))
	s := &Scheduler{
		runner: runner,
		cfg:    cfg,
		cron:   cron.New(cron.WithLogger(logger)),
		ctx:    context.Background(),
	}
	s.backfillJob = chain.Then(cron.FuncJob(s.runBackfill))
	s.checkJob = chain.Then(cron.FuncJob(s.runCheck))
	s.probeJob = chain.Then(cron.FuncJob(s.probeLiveness))
	return s
}

// Start registers every entry, kicks an immediate backfill so the store is seeded, and
// starts the cron loop. Jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.register(ctx); err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.backfillJob.Run()
	}()
	s.cron.Start()
	return nil
}

func (s *Scheduler) register(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	backfill, err := ParseSchedule(s.cfg.Backfill)
	if err != nil {
		return fmt.Errorf("backfill schedule %q: %w", s.cfg.Backfill, err)
	}
	s.cron.Schedule(backfill, s.backfillJob)

	if !s.cfg.Adaptive {
		check, err := ParseSchedule(s.cfg.Check)
		if err != nil {
			return fmt.Errorf("check schedule %q: %w", s.cfg.Check, err)
		}
		s.mu.Lock()
		s.checkEntry = s.cron.Schedule(check, s.checkJob)
		s.mu.Unlock()
		slog.Info("scheduler configured", slog.String("component", "scheduler"), slog.String("backfill", s.cfg.Backfill), slog.String("check", s.cfg.Check))
		return nil
	}

	probe, err := ParseSchedule(s.cfg.Liveness)
	if err != nil {
		return fmt.Errorf("liveness schedule %q: %w", s.cfg.Liveness, err)
	}
	s.mu.Lock()
	s.live = false
	s.checkEntry = s.cron.Schedule(cron.Every(s.cfg.OfflineInterval), s.checkJob)
	s.mu.Unlock()
	s.cron.Schedule(probe, s.probeJob)
	slog.Info("scheduler configured", slog.String("component", "scheduler"), slog.String("backfill", s.cfg.Backfill),
		slog.String("liveness", s.cfg.Liveness), slog.Duration("live_interval", s.cfg.LiveInterval), slog.Duration("offline_interval", s.cfg.OfflineInterval))
	return nil
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CheckInterval returns the delay of the check entry when it runs at a constant
// interval, or 0 for calendar-style cron expressions.
func (s *Scheduler) CheckInterval() time.Duration {
	s.mu.Lock()
	id := s.checkEntry
	s.mu.Unlock()
	if d, ok := s.cron.Entry(id).Schedule.(cron.ConstantDelaySchedule); ok {
		return d.Delay
	}
	return 0
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return telemetry.WithCorrelation(s.ctx, uuid.NewString())
}

func (s *Scheduler) runBackfill() {
	ctx := s.jobContext()
	n, err := s.runner.UpdateClips(ctx)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("scheduled backfill failed", slog.String("component", "scheduler"), slog.Any("error", err))
		return
	}
	telemetry.LoggerWithCorr(ctx).Debug("scheduled backfill finished", slog.String("component", "scheduler"), slog.Int("inserted", n))
}

func (s *Scheduler) runCheck() {
	ctx := s.jobContext()
	if _, err := s.runner.CheckRecentClips(ctx); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("scheduled incremental check failed", slog.String("component", "scheduler"), slog.Any("error", err))
	}
}

// probeLiveness re-reads liveness, moves the check entry to the matching cadence on a
// transition, and always runs one incremental check.
func (s *Scheduler) probeLiveness() {
	ctx := s.jobContext()
	live, err := s.runner.IsLive(ctx)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("liveness probe failed", slog.String("component", "scheduler"), slog.Any("error", err))
	} else {
		telemetry.SetBroadcasterLive(live)
		s.mu.Lock()
		if live != s.live {
			interval := s.cfg.OfflineInterval
			if live {
				interval = s.cfg.LiveInterval
			}
			s.cron.Remove(s.checkEntry)
			s.checkEntry = s.cron.Schedule(cron.Every(interval), s.checkJob)
			s.live = live
			slog.Info("broadcaster liveness changed", slog.String("component", "scheduler"), slog.Bool("live", live), slog.Duration("check_interval", interval))
		}
		s.mu.Unlock()
	}
	s.checkJob.Run()
}

// cronLogger adapts slog to cron.Logger. Routine cron chatter goes to debug.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
