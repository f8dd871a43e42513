package clips

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeRunner struct {
	mu        sync.Mutex
	live      bool
	liveErr   error
	backfills int
	checks    int
	started   chan struct{}
}

func (r *fakeRunner) UpdateClips(ctx context.Context) (int, error) {
	r.mu.Lock()
	r.backfills++
	started := r.started
	r.mu.Unlock()
	if started != nil {
		close(started)
	}
	return 0, nil
}

func (r *fakeRunner) CheckRecentClips(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks++
	return 0, errors.New("check failures are logged, not propagated")
}

func (r *fakeRunner) IsLive(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live, r.liveErr
}

func (r *fakeRunner) setLive(live bool) {
	r.mu.Lock()
	r.live = live
	r.mu.Unlock()
}

func (r *fakeRunner) counts() (backfills, checks int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backfills, r.checks
}

func adaptiveConfig() ScheduleConfig {
	cfg := DefaultScheduleConfig()
	cfg.Adaptive = true
	return cfg
}

func TestLivenessTransitionChangesCheckCadence(t *testing.T) {
	runner := &fakeRunner{}
	s := NewScheduler(runner, adaptiveConfig())
	if err := s.register(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := s.CheckInterval(); got != time.Hour {
		t.Fatalf("initial check interval = %v, want 1h", got)
	}

	s.probeLiveness()
	if got := s.CheckInterval(); got != time.Hour {
		t.Errorf("offline probe changed interval to %v", got)
	}
	if _, checks := runner.counts(); checks != 1 {
		t.Errorf("checks after offline probe = %d, want 1", checks)
	}

	runner.setLive(true)
	s.probeLiveness()
	if got := s.CheckInterval(); got != time.Minute {
		t.Errorf("interval after going live = %v, want 1m", got)
	}
	if _, checks := runner.counts(); checks != 2 {
		t.Errorf("checks after transition = %d, want an immediate check", checks)
	}

	runner.setLive(false)
	s.probeLiveness()
	if got := s.CheckInterval(); got != time.Hour {
		t.Errorf("interval after going offline = %v, want 1h", got)
	}

	// one backfill, one liveness probe and one check entry
	if n := len(s.cron.Entries()); n != 3 {
		t.Errorf("cron entries = %d, want 3", n)
	}
}

func TestLivenessProbeErrorKeepsCadenceAndStillChecks(t *testing.T) {
	runner := &fakeRunner{live: true, liveErr: errors.New("helix down")}
	s := NewScheduler(runner, adaptiveConfig())
	if err := s.register(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.probeLiveness()
	if got := s.CheckInterval(); got != time.Hour {
		t.Errorf("interval = %v, want unchanged 1h", got)
	}
	if _, checks := runner.counts(); checks != 1 {
		t.Errorf("checks = %d, want 1", checks)
	}
}

func TestFixedScheduleRegistersCronEntries(t *testing.T) {
	cfg := DefaultScheduleConfig()
	cfg.Check = "*/10 * * * *"
	s := NewScheduler(&fakeRunner{}, cfg)
	if err := s.register(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(s.cron.Entries()); n != 2 {
		t.Errorf("cron entries = %d, want 2", n)
	}
	if got := s.CheckInterval(); got != 0 {
		t.Errorf("fixed schedule reported adaptive interval %v", got)
	}
}

func TestInvalidScheduleRejected(t *testing.T) {
	tests := []ScheduleConfig{
		{Backfill: "not a schedule", Check: "@every 1h"},
		{Backfill: "@every 1h", Check: "61 * * * *"},
		{Backfill: "@every 1h", Adaptive: true, Liveness: "@every nope"},
	}
	for _, cfg := range tests {
		s := NewScheduler(&fakeRunner{}, cfg)
		if err := s.register(context.Background()); err == nil {
			t.Errorf("register(%+v) succeeded, want error", cfg)
		}
	}
}

func TestStartRunsBackfillImmediately(t *testing.T) {
	runner := &fakeRunner{started: make(chan struct{})}
	s := NewScheduler(runner, DefaultScheduleConfig())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("backfill did not run on start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if backfills, checks := runner.counts(); backfills != 1 || checks != 0 {
		t.Errorf("backfills=%d checks=%d, want 1 and 0", backfills, checks)
	}
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"@every 6h", "@hourly", "0 */6 * * *"} {
		if _, err := ParseSchedule(expr); err != nil {
			t.Errorf("ParseSchedule(%q): %v", expr, err)
		}
	}
}
