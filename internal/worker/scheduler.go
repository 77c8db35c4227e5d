package worker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/sehee-xx/EatDa-sub001/internal/config"
)

// everySpec turns an interval into an asynq cron spec.
func everySpec(d time.Duration) string {
	return "@every " + d.String()
}

// StartScheduler creates and starts an Asynq Scheduler for the periodic
// sweep and backlog sample. Returns a stop function for graceful shutdown.
func StartScheduler(cfg *config.Config, logger *slog.Logger) (stop func(), err error) {
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	scheduler := asynq.NewScheduler(
		redisOpt,
		&asynq.SchedulerOpts{
			Location: time.UTC,
			LogLevel: asynq.InfoLevel,
			Logger:   &asynqLoggerAdapter{logger: logger},
		},
	)

	sweep, err := NewSweepTask("scheduler", cfg.SweepInterval)
	if err != nil {
		return nil, err
	}
	sweepEntry, err := scheduler.Register(everySpec(cfg.SweepInterval), sweep)
	if err != nil {
		return nil, fmt.Errorf("failed to register sweep schedule: %w", err)
	}

	backlogEntry, err := scheduler.Register(everySpec(cfg.BacklogInterval), NewSampleBacklogTask(cfg.BacklogInterval))
	if err != nil {
		return nil, fmt.Errorf("failed to register backlog schedule: %w", err)
	}

	// Start scheduler (non-blocking)
	if err := scheduler.Start(); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	logger.Info(
		"Scheduler started",
		"sweep_interval", cfg.SweepInterval,
		"sweep_entry_id", sweepEntry,
		"backlog_interval", cfg.BacklogInterval,
		"backlog_entry_id", backlogEntry,
	)

	return func() { scheduler.Shutdown() }, nil
}
