package streams

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient parses redisURL and opens a client. readTimeout of zero keeps
// the go-redis default.
func NewRedisClient(redisURL string, readTimeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if readTimeout > 0 {
		opts.ReadTimeout = readTimeout
	}
	return redis.NewClient(opts), nil
}

// RedisTransport appends envelopes to Redis Streams.
type RedisTransport struct {
	rdb         redis.UniversalClient
	workerGroup string
	maxLen      int64
}

// NewRedisTransport wraps rdb. workerGroup is the consumer group the external
// workers read with; it is used to report backlog.
func NewRedisTransport(rdb redis.UniversalClient, workerGroup string, maxLen int64) *RedisTransport {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisTransport{rdb: rdb, workerGroup: workerGroup, maxLen: maxLen}
}

// Append adds one entry to stream.
func (t *RedisTransport) Append(ctx context.Context, stream string, values map[string]string) (string, error) {
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		fields[k] = v
	}

	result := t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: t.maxLen,
		Approx: true,
		ID:     "*", // auto-generate ID
		Values: fields,
	})
	if result.Err() != nil {
		return "", fmt.Errorf("failed to publish to stream: %w", result.Err())
	}
	return result.Val(), nil
}

// Backlog reports delivered-but-unacknowledged entries for the worker group.
// Before the workers have created their group every entry counts.
func (t *RedisTransport) Backlog(ctx context.Context, stream string) (int64, error) {
	pending, err := t.rdb.XPending(ctx, stream, t.workerGroup).Result()
	if err == nil {
		return pending.Count, nil
	}
	if !strings.Contains(err.Error(), "NOGROUP") {
		return 0, fmt.Errorf("failed to read pending entries: %w", err)
	}

	n, err := t.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read stream length: %w", err)
	}
	return n, nil
}

// Close closes the Redis client connection
func (t *RedisTransport) Close() error {
	return t.rdb.Close()
}
