package streams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sehee-xx/EatDa-sub001/internal/envelope"
	"github.com/sehee-xx/EatDa-sub001/internal/metrics"
)

// Message is anything that can be flattened to the stream wire format.
// Every envelope.Envelope satisfies it.
type Message interface {
	Wire() (map[string]string, error)
}

// Publisher publishes generation envelopes to a stream transport
type Publisher struct {
	transport Transport
	metrics   *metrics.Collectors
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewPublisher creates a new Publisher instance. timeout bounds every
// transport call.
func NewPublisher(transport Transport, collectors *metrics.Collectors, timeout time.Duration, logger *slog.Logger) *Publisher {
	if collectors == nil {
		collectors = metrics.New(nil)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		transport: transport,
		metrics:   collectors,
		timeout:   timeout,
		now:       time.Now,
		logger:    logger,
	}
}

// Publish appends msg to streamKey and blocks until the transport
// acknowledges or fails. Serialization errors wrap envelope.ErrSerialization
// and are never worth retrying.
func (p *Publisher) Publish(ctx context.Context, streamKey string, msg Message) (string, error) {
	fields, err := msg.Wire()
	if err != nil {
		p.metrics.PublishTotal.WithLabelValues(streamKey, metrics.OutcomeFailure, metrics.ReasonSerialization).Inc()
		if !errors.Is(err, envelope.ErrSerialization) {
			err = fmt.Errorf("%w: %v", envelope.ErrSerialization, err)
		}
		return "", err
	}
	fields[envelope.FieldPublishedAt] = strconv.FormatInt(p.now().Unix(), 10)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	id, err := p.transport.Append(ctx, streamKey, fields)
	if err != nil {
		p.metrics.PublishTotal.WithLabelValues(streamKey, metrics.OutcomeFailure, metrics.ReasonTransport).Inc()
		p.logger.Warn("Stream publish failed",
			"stream", streamKey,
			"asset_id", fields[envelope.FieldAssetID],
			"retry_count", fields[envelope.FieldRetryCount],
			"error", err,
		)
		return "", err
	}

	p.metrics.PublishTotal.WithLabelValues(streamKey, metrics.OutcomeSuccess, metrics.ReasonNone).Inc()
	p.logger.Debug("Envelope published",
		"stream", streamKey,
		"stream_msg_id", id,
		"asset_id", fields[envelope.FieldAssetID],
		"retry_count", fields[envelope.FieldRetryCount],
	)
	return id, nil
}

// SampleBacklog records the current backlog of each stream in the backlog
// gauge. Streams the transport cannot measure are skipped.
func (p *Publisher) SampleBacklog(ctx context.Context, streamKeys []string) error {
	var errs []error
	for _, key := range streamKeys {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		n, err := p.transport.Backlog(callCtx, key)
		cancel()
		if errors.Is(err, ErrBacklogUnsupported) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("stream %s: %w", key, err))
			continue
		}
		p.metrics.StreamBacklog.WithLabelValues(key).Set(float64(n))
	}
	return errors.Join(errs...)
}

// Close closes the underlying transport
func (p *Publisher) Close() error {
	return p.transport.Close()
}
