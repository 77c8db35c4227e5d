// Package reconcile applies worker results to generation assets.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sehee-xx/EatDa-sub001/internal/assets"
	"github.com/sehee-xx/EatDa-sub001/internal/envelope"
	"github.com/sehee-xx/EatDa-sub001/internal/metrics"
	"github.com/sehee-xx/EatDa-sub001/internal/models"
)

// Callback is a worker result as received over HTTP or the result stream.
type Callback struct {
	AssetID  uint   `json:"assetId"`
	Result   string `json:"result"`
	AssetURL string `json:"assetUrl,omitempty"`
	Type     string `json:"type"`
}

// Outcome tells the caller what a reconcile did.
type Outcome string

// Reconcile outcomes
const (
	OutcomeApplied Outcome = "applied"
	OutcomeIgnored Outcome = "ignored" // asset was already terminal
)

// FieldError describes one invalid callback field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned for malformed callbacks. It never warrants a
// retry by the worker.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid callback: " + strings.Join(parts, "; ")
}

// IsPermanent reports whether err is a domain rejection rather than an
// infrastructure failure. Permanent errors must not be retried.
func IsPermanent(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, assets.ErrAssetNotFound) ||
		errors.Is(err, assets.ErrAssetTypeMismatch) ||
		errors.Is(err, assets.ErrAssetAlreadyFinalized)
}

// Reconciler is the only writer of asset status.
type Reconciler struct {
	store   *assets.Store
	metrics *metrics.Collectors
	logger  *slog.Logger
}

// New creates a Reconciler.
func New(store *assets.Store, collectors *metrics.Collectors, logger *slog.Logger) *Reconciler {
	if collectors == nil {
		collectors = metrics.New(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, metrics: collectors, logger: logger}
}

// Validate checks the callback shape without touching storage.
func Validate(cb Callback) (models.Status, models.Type, error) {
	var fields []FieldError
	if cb.AssetID == 0 {
		fields = append(fields, FieldError{Field: "assetId", Message: "is required"})
	}
	result, ok := models.ParseResult(cb.Result)
	if !ok {
		fields = append(fields, FieldError{Field: "result", Message: "must be SUCCESS or FAIL"})
	}
	typ, ok := models.ParseType(cb.Type)
	if !ok {
		fields = append(fields, FieldError{Field: "type", Message: "must be a known asset type"})
	}
	if len(fields) > 0 {
		return "", "", &ValidationError{Fields: fields}
	}
	return result, typ, nil
}

// Reconcile applies a worker callback. A callback for an asset that already
// reached SUCCESS or FAIL returns OutcomeIgnored together with
// assets.ErrAssetAlreadyFinalized and changes nothing.
func (r *Reconciler) Reconcile(ctx context.Context, cb Callback) (Outcome, error) {
	result, typ, err := Validate(cb)
	if err != nil {
		r.metrics.CallbackTotal.WithLabelValues("invalid").Inc()
		return "", err
	}

	t := assets.Transition{
		AssetID:    cb.AssetID,
		To:         result,
		Path:       strings.TrimSpace(cb.AssetURL),
		ExpectType: typ,
	}
	if result == models.StatusFail {
		reason := envelope.FailWorkerError
		t.FailReason = &reason
	}

	asset, err := r.store.Apply(ctx, t)
	switch {
	case errors.Is(err, assets.ErrAssetAlreadyFinalized):
		r.metrics.CallbackTotal.WithLabelValues(string(OutcomeIgnored)).Inc()
		r.logger.Info("Duplicate or late callback ignored",
			"asset_id", cb.AssetID,
			"result", cb.Result,
		)
		return OutcomeIgnored, err
	case errors.Is(err, assets.ErrAssetNotFound), errors.Is(err, assets.ErrAssetTypeMismatch):
		r.metrics.CallbackTotal.WithLabelValues("rejected").Inc()
		r.logger.Warn("Callback rejected", "asset_id", cb.AssetID, "type", cb.Type, "error", err)
		return "", err
	case err != nil:
		r.metrics.CallbackTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("failed to reconcile asset %d: %w", cb.AssetID, err)
	}

	r.metrics.CallbackTotal.WithLabelValues(string(OutcomeApplied)).Inc()
	if asset.Status == models.StatusSuccess {
		r.logger.Info("Asset generation completed", "asset_id", asset.ID, "type", asset.Type)
	} else {
		r.logger.Error("Asset generation failed", "asset_id", asset.ID, "type", asset.Type)
	}
	return OutcomeApplied, nil
}

// FailAsset moves a PENDING asset to FAIL on behalf of the sweeper. An asset
// that already finished is left alone and reported as ignored.
func (r *Reconciler) FailAsset(ctx context.Context, assetID uint, reason envelope.FailReason) (Outcome, error) {
	_, err := r.store.Apply(ctx, assets.Transition{
		AssetID:    assetID,
		To:         models.StatusFail,
		FailReason: &reason,
	})
	switch {
	case errors.Is(err, assets.ErrAssetAlreadyFinalized), errors.Is(err, assets.ErrAssetNotFound):
		r.logger.Debug("Asset already settled, skipping terminal failure",
			"asset_id", assetID,
			"reason", reason,
			"error", err,
		)
		return OutcomeIgnored, nil
	case err != nil:
		return "", fmt.Errorf("failed to fail asset %d: %w", assetID, err)
	}

	r.logger.Warn("Asset failed by sweeper", "asset_id", assetID, "reason", reason)
	return OutcomeApplied, nil
}
