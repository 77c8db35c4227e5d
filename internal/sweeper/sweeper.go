// Package sweeper re-publishes due envelopes and abandons the ones that ran
// out of time or attempts.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sehee-xx/EatDa-sub001/internal/assets"
	"github.com/sehee-xx/EatDa-sub001/internal/envelope"
	"github.com/sehee-xx/EatDa-sub001/internal/metrics"
	"github.com/sehee-xx/EatDa-sub001/internal/reconcile"
	"github.com/sehee-xx/EatDa-sub001/internal/streams"
)

// Action is what a sweep did with one envelope.
type Action string

// Sweep actions
const (
	ActionRepublished   Action = "republished"
	ActionExpired       Action = "expired"
	ActionTimedOut      Action = "timed_out"
	ActionWaiting       Action = "waiting"
	ActionLostRace      Action = "lost_race"
	ActionPublishFailed Action = "publish_failed"
	ActionError         Action = "error"
)

// Config tunes a Sweeper.
type Config struct {
	BatchSize   int
	Concurrency int
	// MaxRetries bounds re-publishes; zero means only expireAt bounds them.
	MaxRetries int
	Backoff    envelope.Backoff
}

// Report summarizes one sweep.
type Report struct {
	Scanned int
	Actions map[Action]int
}

// Sweeper enforces the retry and expiry policy over in-flight envelopes.
type Sweeper struct {
	store      *assets.Store
	publisher  *streams.Publisher
	reconciler *reconcile.Reconciler
	cfg        Config
	metrics    *metrics.Collectors
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Sweeper.
func New(store *assets.Store, publisher *streams.Publisher, reconciler *reconcile.Reconciler, cfg Config, collectors *metrics.Collectors, logger *slog.Logger) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Backoff == (envelope.Backoff{}) {
		cfg.Backoff = envelope.DefaultBackoff
	}
	if collectors == nil {
		collectors = metrics.New(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:      store,
		publisher:  publisher,
		reconciler: reconciler,
		cfg:        cfg,
		metrics:    collectors,
		logger:     logger,
		now:        time.Now,
	}
}

// RunOnce sweeps one batch of in-flight envelopes. Per-envelope failures are
// counted in the report; only a failure to list the batch is returned.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	batch, err := s.store.ListDue(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list in-flight envelopes: %w", err)
	}

	report := Report{Scanned: len(batch), Actions: make(map[Action]int)}
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(int64(s.cfg.Concurrency))
	)

	for _, item := range batch {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(item assets.InFlight) {
			defer wg.Done()
			defer sem.Release(1)

			action := s.sweepOne(ctx, item)
			s.metrics.SweepTotal.WithLabelValues(string(action)).Inc()

			mu.Lock()
			report.Actions[action]++
			mu.Unlock()
		}(item)
	}
	wg.Wait()

	if n := report.Scanned - report.Actions[ActionWaiting]; n > 0 {
		s.logger.Info("Sweep completed",
			"scanned", report.Scanned,
			"republished", report.Actions[ActionRepublished],
			"expired", report.Actions[ActionExpired],
			"timed_out", report.Actions[ActionTimedOut],
			"publish_failed", report.Actions[ActionPublishFailed],
			"lost_race", report.Actions[ActionLostRace],
		)
	}
	return report, ctx.Err()
}

func (s *Sweeper) sweepOne(ctx context.Context, item assets.InFlight) Action {
	env := item.Envelope
	now := s.now()

	switch {
	case env.IsExpired(now):
		return s.abandon(ctx, env, envelope.FailExpired, ActionExpired)
	case !env.IsRetryTime(now):
		return ActionWaiting
	case s.cfg.MaxRetries > 0 && env.RetryCount >= s.cfg.MaxRetries:
		return s.abandon(ctx, env, envelope.FailTimeout, ActionTimedOut)
	case !env.CanRetry(now):
		return ActionLostRace
	}

	next := env.Retried(now, s.cfg.Backoff)
	won, err := s.store.SwapRetry(ctx, env, next)
	if err != nil {
		s.logger.Error("Failed to claim retry", "asset_id", env.AssetID, "error", err)
		return ActionError
	}
	if !won {
		return ActionLostRace
	}

	msgID, err := s.publisher.Publish(ctx, item.StreamKey, next)
	if err != nil {
		// give the attempt back so the next cycle retries at no cost
		if _, relErr := s.store.SwapRetry(ctx, next, env); relErr != nil {
			s.logger.Error("Failed to release retry claim", "asset_id", env.AssetID, "error", relErr)
		}
		return ActionPublishFailed
	}

	if err := s.store.RecordPublished(ctx, env.AssetID, msgID); err != nil {
		s.logger.Warn("Failed to record message id", "asset_id", env.AssetID, "error", err)
	}
	s.logger.Info("Envelope republished",
		"asset_id", env.AssetID,
		"stream", item.StreamKey,
		"retry_count", next.RetryCount,
		"next_retry_at", next.NextRetryAt,
	)
	return ActionRepublished
}

// abandon fails the asset, which records reason on the envelope in the same
// transaction. When the asset is already settled or gone, the envelope is
// retired on its own so it drops out of later sweeps.
func (s *Sweeper) abandon(ctx context.Context, env envelope.Envelope[envelope.Raw], reason envelope.FailReason, action Action) Action {
	out, err := s.reconciler.FailAsset(ctx, env.AssetID, reason)
	if err != nil {
		s.logger.Error("Failed to fail asset", "asset_id", env.AssetID, "reason", reason, "error", err)
		return ActionError
	}
	if out == reconcile.OutcomeApplied {
		return action
	}

	if _, err := s.store.MarkFailed(ctx, env, env.Fail(reason)); err != nil {
		s.logger.Error("Failed to retire envelope", "asset_id", env.AssetID, "reason", reason, "error", err)
		return ActionError
	}
	return ActionLostRace
}
