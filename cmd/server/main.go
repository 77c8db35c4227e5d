package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/sehee-xx/EatDa-sub001/internal/api"
	"github.com/sehee-xx/EatDa-sub001/internal/assets"
	"github.com/sehee-xx/EatDa-sub001/internal/config"
	"github.com/sehee-xx/EatDa-sub001/internal/database"
	"github.com/sehee-xx/EatDa-sub001/internal/dispatch"
	"github.com/sehee-xx/EatDa-sub001/internal/envelope"
	"github.com/sehee-xx/EatDa-sub001/internal/finalize"
	"github.com/sehee-xx/EatDa-sub001/internal/health"
	"github.com/sehee-xx/EatDa-sub001/internal/metrics"
	"github.com/sehee-xx/EatDa-sub001/internal/reconcile"
	"github.com/sehee-xx/EatDa-sub001/internal/streams"
	"github.com/sehee-xx/EatDa-sub001/internal/sweeper"
	"github.com/sehee-xx/EatDa-sub001/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := worker.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	db, err := database.Init(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close(db)

	if cfg.RunMigrations {
		if err := database.RunMigrations(db, logger); err != nil {
			return err
		}
	}

	rdb, err := streams.NewRedisClient(cfg.RedisURL, 0)
	if err != nil {
		return err
	}
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	transport, err := newTransport(cfg, rdb)
	if err != nil {
		return err
	}
	publisher := streams.NewPublisher(transport, m, cfg.PublishTimeout, logger)
	defer publisher.Close()

	routes, err := dispatch.LoadRegistry(cfg.RoutesFile)
	if err != nil {
		return err
	}

	backoff := envelope.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax}
	store := assets.NewStore(db)
	reconciler := reconcile.New(store, m, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Mode == config.ModeWorker || cfg.Mode == config.ModeAll {
		stopWorker, err := startWorker(cfg, store, publisher, reconciler, routes, backoff, m, rdb, logger)
		if err != nil {
			return err
		}
		defer stopWorker()
	}

	if cfg.Mode == config.ModeWorker {
		logger.Info("Worker mode: waiting for shutdown signal")
		<-ctx.Done()
		return nil
	}

	if err := worker.InitClient(cfg.RedisURL); err != nil {
		return fmt.Errorf("failed to init task client: %w", err)
	}
	defer worker.CloseClient()

	schema, err := api.LoadCallbackSchema()
	if err != nil {
		return err
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Store:         store,
		Dispatcher:    dispatch.New(store, publisher, routes, backoff, logger),
		Reconciler:    reconciler,
		Finalizer:     finalize.New(store, routes.Targets(), logger),
		Schema:        schema,
		WebhookSecret: cfg.WebhookSecret,
		Gatherer:      reg,
		ReadyChecks:   readyChecks(db, rdb),
		TriggerSweep:  worker.EnqueueSweep,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr, "mode", cfg.Mode, "transport", cfg.Transport)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newTransport picks the request stream backend. The Redis client is shared
// with the result consumer and asynq, so the transport never closes it.
func newTransport(cfg *config.Config, rdb *redis.Client) (streams.Transport, error) {
	switch cfg.Transport {
	case config.TransportKafka:
		return streams.NewKafkaTransport(cfg.KafkaBrokers, cfg.WorkerGroup, cfg.PublishTimeout)
	default:
		return streams.NewRedisTransport(noCloseClient{rdb}, cfg.WorkerGroup, cfg.StreamMaxLen), nil
	}
}

// noCloseClient leaves closing the shared client to main.
type noCloseClient struct {
	*redis.Client
}

func (noCloseClient) Close() error { return nil }

// startWorker runs the asynq server and scheduler for the sweeper and the
// backlog sampler, plus the result stream consumer.
func startWorker(cfg *config.Config, store *assets.Store, publisher *streams.Publisher, reconciler *reconcile.Reconciler, routes *dispatch.Registry, backoff envelope.Backoff, m *metrics.Collectors, rdb *redis.Client, logger *slog.Logger) (func(), error) {
	sw := sweeper.New(store, publisher, reconciler, sweeper.Config{
		BatchSize:   cfg.SweepBatchSize,
		Concurrency: cfg.SweepConcurrency,
		MaxRetries:  cfg.MaxRetries,
		Backoff:     backoff,
	}, m, logger)

	stops := make([]func(), 0, 3)
	stopAll := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	stopServer, err := worker.Start(cfg, worker.Deps{
		Sweeper:    sw,
		Publisher:  publisher,
		StreamKeys: routes.StreamKeys(),
	}, logger)
	if err != nil {
		return nil, err
	}
	stops = append(stops, stopServer)

	stopScheduler, err := worker.StartScheduler(cfg, logger)
	if err != nil {
		stopAll()
		return nil, err
	}
	stops = append(stops, stopScheduler)

	if cfg.ConsumeResults {
		stopConsumer, err := streams.StartResultConsumer(rdb, cfg.ResultStream, cfg.ResultConsumer, reconciler, logger)
		if err != nil {
			stopAll()
			return nil, err
		}
		stops = append(stops, stopConsumer)
	}

	return stopAll, nil
}

func readyChecks(db *gorm.DB, rdb *redis.Client) map[string]health.Check {
	return map[string]health.Check{
		"database": func(ctx context.Context) error { return database.Ping(ctx, db) },
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
}
