// Package scheduler runs sync cycles on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/pipeline"
)

// Runner executes one sync cycle.
type Runner interface {
	RunCycle(ctx context.Context) (catalog.CycleReport, error)
}

// Config controls when cycles fire.
type Config struct {
	// Schedule is a standard five-field cron expression or descriptor
	// such as "@hourly" or "@every 30m".
	Schedule   string
	RunOnStart bool
}

// Scheduler fires cycles from a cron clock until its context ends.
type Scheduler struct {
	cfg    Config
	runner Runner
	logger *zap.Logger
	cron   *cron.Cron
	wg     sync.WaitGroup
}

// New validates the schedule and builds a Scheduler.
func New(cfg Config, runner Runner, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler: runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	s := &Scheduler{cfg: cfg, runner: runner, logger: logger}
	s.cron = cron.New(
		cron.WithLogger(cronLogger{logger: logger}),
		cron.WithChain(cron.Recover(cronLogger{logger: logger})),
	)
	return s, nil
}

// Run starts the cron clock (and the initial cycle when configured) and
// blocks until ctx is done. In-flight cycles see ctx canceled and Run waits
// for them before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.fire(ctx, "cron") }); err != nil {
		return fmt.Errorf("parse schedule %q: %w", s.cfg.Schedule, err)
	}
	if s.cfg.RunOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fire(ctx, "startup")
		}()
	}
	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("schedule", s.cfg.Schedule), zap.Bool("run_on_start", s.cfg.RunOnStart))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) fire(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	logger := s.logger.With(zap.String("trigger", reason))
	report, err := s.runner.RunCycle(ctx)
	switch {
	case errors.Is(err, pipeline.ErrCycleInFlight):
		logger.Info("cycle skipped, previous cycle still running")
	case err != nil:
		logger.Error("sync cycle failed", zap.Error(err))
	default:
		logger.Debug("sync cycle finished",
			zap.String("cycle_id", report.CycleID),
			zap.Int("new_records", report.NewRecords),
		)
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
