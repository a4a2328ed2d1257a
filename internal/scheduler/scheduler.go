// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"covernexus/internal/billing"
)

// ReminderRunner triggers one reminder pass in the billing service.
type ReminderRunner interface {
	RunReminders(ctx context.Context) (*billing.ReminderRun, error)
}

// Config controls when the reminder job fires.
type Config struct {
	Schedule   string
	Location   *time.Location
	JobTimeout time.Duration
}

// Scheduler runs the daily reminder job on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	runner ReminderRunner
	logger *slog.Logger
	cfg    Config

	mu      sync.Mutex
	running bool
}

func New(runner ReminderRunner, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	return &Scheduler{cron: c, runner: runner, logger: logger, cfg: cfg}
}

// Start registers the reminder job and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.RunReminders); err != nil {
		return fmt.Errorf("schedule reminder job %q: %w", s.cfg.Schedule, err)
	}
	s.logger.Info("scheduled reminder job", "schedule", s.cfg.Schedule, "timezone", s.cfg.Location.String())
	s.cron.Start()
	return nil
}

// Stop stops the cron loop. The returned context is done once a running job
// has returned.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Next reports when the reminder job fires next.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunReminders is the job body. Errors are logged; the next tick retries.
func (s *Scheduler) RunReminders() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("reminder job already running, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()

	s.logger.Info("starting daily reminder job")
	run, err := s.runner.RunReminders(ctx)
	if err != nil {
		s.logger.Error("daily reminder job failed", "error", err)
		return
	}
	s.logger.Info("daily reminder job finished",
		"scanned", run.Scanned, "sent", run.Sent, "skipped", run.Skipped, "failed", run.Failed)
}
