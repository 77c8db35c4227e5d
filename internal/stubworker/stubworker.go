// Package stubworker is a development stand-in for the external generation
// workers. It reads request streams, asks the webhook generator for an asset
// and reports the result either by HTTP callback or on the result stream.
package stubworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sehee-xx/EatDa-sub001/internal/envelope"
	"github.com/sehee-xx/EatDa-sub001/internal/reconcile"
	"github.com/sehee-xx/EatDa-sub001/internal/streams"
	"github.com/sehee-xx/EatDa-sub001/internal/webhook"
)

// Options configure a Worker.
type Options struct {
	Streams []string
	Group   string
	// ResultStream, when set, receives results instead of the HTTP callback.
	ResultStream string
	FailRate     float64
	Block        time.Duration
}

// Worker consumes generation requests.
type Worker struct {
	rdb      redis.UniversalClient
	client   *webhook.Client
	opts     Options
	consumer string
	rand     *rand.Rand
	now      func() time.Time
	logger   *slog.Logger
}

// New creates the consumer group on every stream and returns a Worker.
func New(ctx context.Context, rdb redis.UniversalClient, client *webhook.Client, opts Options, logger *slog.Logger) (*Worker, error) {
	if opts.Group == "" {
		opts.Group = streams.GroupGenerationWorkers
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	for _, stream := range opts.Streams {
		err := rdb.XGroupCreateMkStream(ctx, stream, opts.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("failed to create consumer group on %s: %w", stream, err)
		}
	}

	return &Worker{
		rdb:      rdb,
		client:   client,
		opts:     opts,
		consumer: "stub-" + uuid.NewString(),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
		logger:   logger,
	}, nil
}

// Run processes requests until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Stub worker started", "streams", w.opts.Streams, "consumer", w.consumer)
	for {
		if _, err := w.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("Failed to read requests", "error", err)
			time.Sleep(time.Second)
		}
	}
}

func (w *Worker) poll(ctx context.Context) (int, error) {
	ids := make([]string, 0, len(w.opts.Streams)*2)
	ids = append(ids, w.opts.Streams...)
	for range w.opts.Streams {
		ids = append(ids, ">")
	}

	res, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.opts.Group,
		Consumer: w.consumer,
		Streams:  ids,
		Count:    10,
		Block:    w.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil
		}
		return 0, err
	}

	handled := 0
	for _, stream := range res {
		for _, msg := range stream.Messages {
			if w.handle(ctx, msg) {
				if err := w.rdb.XAck(ctx, stream.Stream, w.opts.Group, msg.ID).Err(); err != nil {
					w.logger.Error("Failed to ACK request", "message_id", msg.ID, "error", err)
					continue
				}
				handled++
			}
		}
	}
	return handled, nil
}

// handle reports whether the message is done with and can be acknowledged.
func (w *Worker) handle(ctx context.Context, msg redis.XMessage) bool {
	env, err := envelope.Decode(msg.Values, envelope.ParseRaw)
	if err != nil {
		w.logger.Error("Dropping unparseable request", "message_id", msg.ID, "error", err)
		return true
	}
	if env.IsExpired(w.now()) {
		w.logger.Warn("Skipping expired request", "asset_id", env.AssetID, "expire_at", env.ExpireAt)
		return true
	}

	req := webhook.GenerationRequest{
		AssetID: env.AssetID,
		Kind:    string(env.Kind),
		Type:    env.Type,
		Prompt:  env.Payload["prompt"],
	}
	if refs := env.Payload["reference_images"]; refs != "" {
		if err := json.Unmarshal([]byte(refs), &req.ReferenceImages); err != nil {
			w.logger.Warn("Ignoring malformed reference images", "asset_id", env.AssetID, "error", err)
		}
	}

	cb := reconcile.Callback{AssetID: env.AssetID, Type: env.Type, Result: "SUCCESS"}
	if w.opts.FailRate > 0 && w.rand.Float64() < w.opts.FailRate {
		cb.Result = "FAIL"
	} else if res, err := w.client.Generate(ctx, req); err != nil {
		w.logger.Warn("Generation failed", "asset_id", env.AssetID, "error", err)
		cb.Result = "FAIL"
	} else {
		cb.AssetURL = res.AssetURL
	}

	if err := w.report(ctx, cb); err != nil {
		if errors.Is(err, webhook.ErrRejected) {
			w.logger.Warn("Callback rejected", "asset_id", cb.AssetID, "error", err)
			return true
		}
		w.logger.Error("Failed to report result", "asset_id", cb.AssetID, "error", err)
		return false
	}
	w.logger.Info("Request processed", "asset_id", cb.AssetID, "result", cb.Result, "retry_count", env.RetryCount)
	return true
}

func (w *Worker) report(ctx context.Context, cb reconcile.Callback) error {
	if w.opts.ResultStream == "" {
		return w.client.SendCallback(ctx, cb)
	}
	return w.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: w.opts.ResultStream,
		Values: map[string]interface{}{
			streams.ResultFieldAssetID:  strconv.FormatUint(uint64(cb.AssetID), 10),
			streams.ResultFieldResult:   cb.Result,
			streams.ResultFieldAssetURL: cb.AssetURL,
			streams.ResultFieldType:     cb.Type,
		},
	}).Err()
}
