// Package dispatch creates generation requests: a PENDING asset, its
// envelope and the first publish.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sehee-xx/EatDa-sub001/internal/assets"
	"github.com/sehee-xx/EatDa-sub001/internal/envelope"
	"github.com/sehee-xx/EatDa-sub001/internal/models"
	"github.com/sehee-xx/EatDa-sub001/internal/streams"
)

var (
	ErrUnknownKind    = errors.New("unknown request kind")
	ErrTypeNotAllowed = errors.New("asset type not allowed for this kind")
)

// Payload is a domain payload that also names its generation prompt.
type Payload interface {
	envelope.Payload
	GenerationPrompt() string
}

// Request is one asset generation request.
type Request[P Payload] struct {
	Kind    envelope.Kind
	Type    models.Type
	Payload P
}

// RequestResponse is returned to the producing domain.
type RequestResponse struct {
	AssetID uint          `json:"assetId"`
	Status  models.Status `json:"status"`
}

// Dispatcher creates requests and hands them to the stream.
type Dispatcher struct {
	store     *assets.Store
	publisher *streams.Publisher
	routes    *Registry
	backoff   envelope.Backoff
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Dispatcher. The first retry of every request is scheduled
// one backoff step after it was created.
func New(store *assets.Store, publisher *streams.Publisher, routes *Registry, backoff envelope.Backoff, logger *slog.Logger) *Dispatcher {
	if backoff == (envelope.Backoff{}) {
		backoff = envelope.DefaultBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		routes:    routes,
		backoff:   backoff,
		now:       time.Now,
		logger:    logger,
	}
}

// Routes returns the routing table.
func (d *Dispatcher) Routes() *Registry {
	return d.routes
}

// Create persists a PENDING asset with its envelope and publishes it.
// Payloads that cannot be serialized are rejected before anything is
// stored. A failed publish is not an error: the asset stays PENDING and the
// sweeper takes over.
func Create[P Payload](ctx context.Context, d *Dispatcher, req Request[P]) (RequestResponse, error) {
	route, ok := d.routes.Get(req.Kind)
	if !ok {
		return RequestResponse{}, fmt.Errorf("%w: %s", ErrUnknownKind, req.Kind)
	}
	if !route.Allows(req.Type) {
		return RequestResponse{}, fmt.Errorf("%w: %s does not accept %s", ErrTypeNotAllowed, req.Kind, req.Type)
	}
	if _, err := envelope.Flatten(req.Payload); err != nil {
		return RequestResponse{}, err
	}

	requestedAt := d.now()
	asset := &models.Asset{
		Kind:   string(req.Kind),
		Type:   req.Type,
		Prompt: req.Payload.GenerationPrompt(),
	}

	var env envelope.Envelope[P]
	err := d.store.CreateRequest(ctx, asset, route.StreamKey, func(assetID uint) (envelope.Envelope[envelope.Raw], error) {
		e, err := envelope.New(assetID, req.Kind, string(req.Type), req.Payload, requestedAt, route.TTL)
		if err != nil {
			return envelope.Envelope[envelope.Raw]{}, err
		}
		env = e.ScheduleRetry(requestedAt.Add(d.backoff.Next(0)))
		return envelope.ToRaw(env)
	})
	if err != nil {
		return RequestResponse{}, fmt.Errorf("failed to create %s request: %w", req.Kind, err)
	}

	resp := RequestResponse{AssetID: asset.ID, Status: models.StatusPending}

	msgID, err := d.publisher.Publish(ctx, route.StreamKey, env)
	if err != nil {
		d.logger.Warn("Initial publish failed, leaving request to the sweeper",
			"asset_id", asset.ID,
			"stream", route.StreamKey,
			"next_retry_at", env.NextRetryAt,
			"error", err,
		)
		return resp, nil
	}
	if err := d.store.RecordPublished(ctx, asset.ID, msgID); err != nil {
		d.logger.Warn("Failed to record message id", "asset_id", asset.ID, "error", err)
	}

	d.logger.Info("Generation request published",
		"asset_id", asset.ID,
		"kind", req.Kind,
		"type", req.Type,
		"stream", route.StreamKey,
		"stream_msg_id", msgID,
	)
	return resp, nil
}
