package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/sehee-xx/EatDa-sub001/internal/config"
	"github.com/sehee-xx/EatDa-sub001/internal/streams"
	"github.com/sehee-xx/EatDa-sub001/internal/sweeper"
)

// asynqLoggerAdapter wraps slog.Logger to implement asynq.Logger interface
type asynqLoggerAdapter struct {
	logger *slog.Logger
}

// Implement asynq.Logger interface methods
func (a *asynqLoggerAdapter) Debug(args ...interface{}) {
	a.logger.Debug(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Info(args ...interface{}) {
	a.logger.Info(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Warn(args ...interface{}) {
	a.logger.Warn(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Error(args ...interface{}) {
	a.logger.Error(fmt.Sprint(args...))
}

func (a *asynqLoggerAdapter) Fatal(args ...interface{}) {
	a.logger.Error(fmt.Sprint(args...))
	panic(fmt.Sprint(args...))
}

// Deps are the services the periodic tasks drive.
type Deps struct {
	Sweeper    *sweeper.Sweeper
	Publisher  *streams.Publisher
	StreamKeys []string
}

// Run starts the Asynq worker server and blocks until shutdown signal.
// Use this for standalone worker mode.
func Run(cfg *config.Config, deps Deps, logger *slog.Logger) error {
	srv, mux, err := newServer(cfg, deps, logger)
	if err != nil {
		return err
	}

	// Run blocks and handles its own signal interception
	return srv.Run(mux)
}

// Start starts the Asynq worker in non-blocking mode and returns a stop function.
// Use this for embedded mode so the caller can coordinate shutdown.
func Start(cfg *config.Config, deps Deps, logger *slog.Logger) (stop func(), err error) {
	srv, mux, err := newServer(cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	if err := srv.Start(mux); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	return func() { srv.Shutdown() }, nil
}

func newServer(cfg *config.Config, deps Deps, logger *slog.Logger) (*asynq.Server, *asynq.ServeMux, error) {
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Sweeps and samples are short; two slots let a sample run beside a sweep.
	const concurrency = 2
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency:     concurrency,
			ShutdownTimeout: 30 * time.Second,
			ErrorHandler:    asynq.ErrorHandlerFunc(makeErrorHandler(logger)),
			Logger:          &asynqLoggerAdapter{logger: logger},
		},
	)

	mux := newMux(deps, logger)

	logger.Info("Worker starting", "concurrency", concurrency)
	return srv, mux, nil
}

func newMux(deps Deps, logger *slog.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskSweep, handleSweep(logger, deps.Sweeper))
	mux.HandleFunc(TaskSampleBacklog, handleSampleBacklog(logger, deps.Publisher, deps.StreamKeys))
	return mux
}

// handleSweep runs one sweeper pass. Failures are not retried: the next
// scheduled sweep picks up where this one stopped.
func handleSweep(logger *slog.Logger, s *sweeper.Sweeper) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, task *asynq.Task) error {
		var payload sweepPayload
		if len(task.Payload()) > 0 {
			if err := json.Unmarshal(task.Payload(), &payload); err != nil {
				return fmt.Errorf("invalid payload: %w", asynq.SkipRetry)
			}
		}

		report, err := s.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("sweep failed: %w: %w", err, asynq.SkipRetry)
		}

		logger.Debug("Sweep finished",
			"trigger", payload.Trigger,
			"scanned", report.Scanned,
			"actions", report.Actions,
		)
		return nil
	}
}

func handleSampleBacklog(logger *slog.Logger, publisher *streams.Publisher, keys []string) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, _ *asynq.Task) error {
		if err := publisher.SampleBacklog(ctx, keys); err != nil {
			return fmt.Errorf("backlog sample failed: %w: %w", err, asynq.SkipRetry)
		}
		logger.Debug("Backlog sampled", "streams", len(keys))
		return nil
	}
}

// makeErrorHandler creates an error handler function with logger closure.
func makeErrorHandler(logger *slog.Logger) func(context.Context, *asynq.Task, error) {
	return func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)

		logger.Error(
			"Task execution failed",
			"task_type", task.Type(),
			"error", err.Error(),
			"retry_count", retried,
			"max_retry", maxRetry,
		)
	}
}
