package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Maintainer is the queue housekeeping the scheduler runs. *store.JobStore satisfies it.
type Maintainer interface {
	CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SchedulerConfig holds the cron expressions and thresholds for housekeeping.
type SchedulerConfig struct {
	CleanupSchedule string
	CleanupAge      time.Duration
	StaleSchedule   string
	StaleAfter      time.Duration
}

// Scheduler runs periodic queue housekeeping on a cron.
type Scheduler struct {
	cron   *cron.Cron
	jobs   Maintainer
	config SchedulerConfig
	logger *zap.Logger
}

// NewScheduler registers the housekeeping tasks. An invalid cron expression is an error.
func NewScheduler(jobs Maintainer, cfg SchedulerConfig, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CleanupAge <= 0 {
		cfg.CleanupAge = 7 * 24 * time.Hour
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	s := &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger))),
		jobs:   jobs,
		config: cfg,
		logger: logger,
	}

	if cfg.CleanupSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.CleanupSchedule, s.cleanup); err != nil {
			return nil, fmt.Errorf("worker: cleanup schedule %q: %w", cfg.CleanupSchedule, err)
		}
		logger.Info("scheduled job cleanup", zap.String("schedule", cfg.CleanupSchedule))
	}
	if cfg.StaleSchedule != "" {
		if _, err := s.cron.AddFunc(cfg.StaleSchedule, s.requeueStale); err != nil {
			return nil, fmt.Errorf("worker: stale job schedule %q: %w", cfg.StaleSchedule, err)
		}
		logger.Info("scheduled stale job requeue", zap.String("schedule", cfg.StaleSchedule))
	}
	return s, nil
}

// Schedule adds an extra periodic task, such as pruning in-process caches.
func (s *Scheduler) Schedule(spec, name string, task func()) error {
	if _, err := s.cron.AddFunc(spec, task); err != nil {
		return fmt.Errorf("worker: %s schedule %q: %w", name, spec, err)
	}
	s.logger.Info("scheduled task", zap.String("task", name), zap.String("schedule", spec))
	return nil
}

// Start starts the cron in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron. The returned context is done once running tasks finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := s.jobs.CleanupOldJobs(ctx, s.config.CleanupAge)
	if err != nil {
		s.logger.Error("cleanup old jobs", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("cleaned up old jobs", zap.Int64("deleted", n))
	}
}

func (s *Scheduler) requeueStale() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := s.jobs.RequeueStale(ctx, s.config.StaleAfter)
	if err != nil {
		s.logger.Error("requeue stale jobs", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Warn("requeued stale jobs", zap.Int64("requeued", n))
	}
}
