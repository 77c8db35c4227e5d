// Command stubworker stands in for the external generation workers during
// local development.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sehee-xx/EatDa-sub001/internal/config"
	"github.com/sehee-xx/EatDa-sub001/internal/dispatch"
	"github.com/sehee-xx/EatDa-sub001/internal/streams"
	"github.com/sehee-xx/EatDa-sub001/internal/stubworker"
	"github.com/sehee-xx/EatDa-sub001/internal/webhook"
	"github.com/sehee-xx/EatDa-sub001/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := worker.NewLogger(cfg.LogLevel, cfg.LogFormat)

	routes, err := dispatch.LoadRegistry(cfg.RoutesFile)
	if err != nil {
		logger.Error("Failed to load routes", "error", err)
		os.Exit(1)
	}

	rdb, err := streams.NewRedisClient(cfg.RedisURL, 0)
	if err != nil {
		logger.Error("Failed to create Redis client", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Without a generator URL the client fabricates asset URLs.
	client := webhook.NewClient(cfg.GeneratorURL, cfg.CallbackURL, cfg.WebhookSecret, cfg.GeneratorURL == "")

	opts := stubworker.Options{
		Streams:  routes.StreamKeys(),
		Group:    cfg.WorkerGroup,
		FailRate: cfg.StubFailRate,
		Block:    2 * time.Second,
	}
	if cfg.StubResultsOnStream {
		opts.ResultStream = cfg.ResultStream
	}

	w, err := stubworker.New(ctx, rdb, client, opts, logger)
	if err != nil {
		logger.Error("Failed to start stub worker", "error", err)
		os.Exit(1)
	}
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Stub worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Stub worker stopped")
}
