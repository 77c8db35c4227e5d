package streams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sehee-xx/EatDa-sub001/internal/reconcile"
)

// ResultConsumer consumes worker results from Redis Streams
type ResultConsumer struct {
	rdb          redis.UniversalClient
	stream       string
	deadLetter   string
	groupName    string
	consumerName string
	block        time.Duration
	// entries left unacknowledged for claimIdle are taken over by this
	// consumer, checked at most once per claimIdle
	claimIdle    time.Duration
	lastClaim    time.Time
	logger       *slog.Logger
}

// NewResultConsumer creates the consumer group on stream if needed. An empty
// consumerName gets a random one; a stable name lets a restarted process
// pick its own pending entries back up.
func NewResultConsumer(ctx context.Context, rdb redis.UniversalClient, stream, consumerName string, logger *slog.Logger) (*ResultConsumer, error) {
	if consumerName == "" {
		consumerName = "reconciler-" + uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Start ID "0" means read from beginning if group is new
	err := rdb.XGroupCreateMkStream(ctx, stream, GroupReconcilers, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &ResultConsumer{
		rdb:          rdb,
		stream:       stream,
		deadLetter:   stream + ":dead",
		groupName:    GroupReconcilers,
		consumerName: consumerName,
		block:        5 * time.Second,
		claimIdle:    time.Minute,
		logger:       logger,
	}, nil
}

// ConsumeResults runs a blocking loop consuming results from the stream
func (c *ResultConsumer) ConsumeResults(ctx context.Context, handler func(context.Context, reconcile.Callback) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := c.poll(ctx, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("Failed to read from stream", "stream", c.stream, "error", err)
			time.Sleep(time.Second)
		}
	}
}

// poll reclaims idle pending entries when a claim is due, then reads one
// batch of new entries. It returns the number of entries acknowledged.
func (c *ResultConsumer) poll(ctx context.Context, handler func(context.Context, reconcile.Callback) error) (int, error) {
	reclaimed := 0
	if c.claimIdle > 0 && time.Since(c.lastClaim) >= c.claimIdle {
		c.lastClaim = time.Now()
		n, err := c.reclaim(ctx, handler)
		if err != nil {
			c.logger.Warn("Failed to reclaim pending results", "stream", c.stream, "error", err)
		}
		reclaimed = n
	}

	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.groupName,
		Consumer: c.consumerName,
		Streams:  []string{c.stream, ">"},
		Count:    10,
		Block:    c.block,
	}).Result()

	if errors.Is(err, redis.Nil) {
		return reclaimed, nil
	}
	if err != nil {
		// Blocking reads return a timeout when no messages arrive
		// within the Block duration; that is not an error.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return reclaimed, nil
		}
		return reclaimed, err
	}

	acked := reclaimed
	for _, stream := range streams {
		for _, message := range stream.Messages {
			if c.process(ctx, message, handler) {
				acked++
			}
		}
	}
	return acked, nil
}

// reclaim takes over entries that were delivered but never acknowledged,
// whichever consumer read them, and runs them through handler again.
func (c *ResultConsumer) reclaim(ctx context.Context, handler func(context.Context, reconcile.Callback) error) (int, error) {
	acked := 0
	start := "0-0"
	for {
		messages, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.stream,
			Group:    c.groupName,
			Consumer: c.consumerName,
			MinIdle:  c.claimIdle,
			Start:    start,
			Count:    10,
		}).Result()
		if err != nil {
			return acked, err
		}
		for _, message := range messages {
			if c.process(ctx, message, handler) {
				acked++
			}
		}
		if len(messages) > 0 {
			c.logger.Info("Reclaimed pending results", "stream", c.stream, "count", len(messages))
		}
		if next == "" || next == "0-0" || len(messages) == 0 {
			return acked, nil
		}
		start = next
	}
}

func (c *ResultConsumer) process(ctx context.Context, message redis.XMessage, handler func(context.Context, reconcile.Callback) error) bool {
	cb, err := DecodeResult(message.Values)
	if err != nil {
		c.logger.Error("Unparseable result, dead-lettering", "message_id", message.ID, "error", err)
		if err := c.deadLetterMessage(ctx, message, err); err != nil {
			c.logger.Error("Failed to dead-letter message", "message_id", message.ID, "error", err)
			return false
		}
		return c.ack(ctx, message.ID)
	}

	if err := handler(ctx, cb); err != nil {
		c.logger.Error("Handler failed", "error", err, "asset_id", cb.AssetID)
		// stays pending until reclaim picks it up again
		return false
	}
	return c.ack(ctx, message.ID)
}

func (c *ResultConsumer) deadLetterMessage(ctx context.Context, message redis.XMessage, cause error) error {
	values := make(map[string]interface{}, len(message.Values)+2)
	for k, v := range message.Values {
		values[k] = v
	}
	values["dead_letter_source_id"] = message.ID
	values["dead_letter_error"] = cause.Error()

	return c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.deadLetter,
		ID:     "*",
		Values: values,
	}).Err()
}

func (c *ResultConsumer) ack(ctx context.Context, id string) bool {
	if err := c.rdb.XAck(ctx, c.stream, c.groupName, id).Err(); err != nil {
		c.logger.Error("Failed to ACK message", "error", err, "message_id", id)
		return false
	}
	return true
}

// StartResultConsumer starts the result consumer in a background goroutine
// and returns a stop function
func StartResultConsumer(rdb redis.UniversalClient, stream, consumerName string, r *reconcile.Reconciler, logger *slog.Logger) (stop func(), err error) {
	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := NewResultConsumer(ctx, rdb, stream, consumerName, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create result consumer: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.ConsumeResults(ctx, HandleResult(r)); err != nil && !errors.Is(err, context.Canceled) {
			consumer.logger.Error("Result consumer stopped with error", "error", err)
		}
	}()

	consumer.logger.Info("Result consumer started", "stream", stream, "consumer", consumer.consumerName)

	return func() {
		cancel()
		<-done
	}, nil
}
