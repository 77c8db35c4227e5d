package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sehee-xx/EatDa-sub001/internal/assets"
	"github.com/sehee-xx/EatDa-sub001/internal/dispatch"
	"github.com/sehee-xx/EatDa-sub001/internal/envelope"
	"github.com/sehee-xx/EatDa-sub001/internal/finalize"
	"github.com/sehee-xx/EatDa-sub001/internal/models"
	"github.com/sehee-xx/EatDa-sub001/internal/reconcile"
)

// CallbackHandler accepts worker results. Applied and ignored callbacks are
// both acknowledged with 200 so the worker stops retrying.
func CallbackHandler(r *reconcile.Reconciler, schema *CallbackSchema) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := c.GetRawData()
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid_body", "failed to read request body", nil)
			return
		}

		var body map[string]interface{}
		if err := json.Unmarshal(raw, &body); err != nil {
			writeError(c, http.StatusBadRequest, "invalid_body", "body must be a JSON object", nil)
			return
		}
		if fields := schema.Validate(body); len(fields) > 0 {
			writeError(c, http.StatusBadRequest, "invalid_callback", "callback failed validation", fields)
			return
		}

		var cb reconcile.Callback
		if err := json.Unmarshal(raw, &cb); err != nil {
			writeError(c, http.StatusBadRequest, "invalid_body", err.Error(), nil)
			return
		}

		outcome, err := r.Reconcile(c.Request.Context(), cb)
		if outcome == reconcile.OutcomeIgnored {
			c.JSON(http.StatusOK, gin.H{"status": outcome})
			return
		}
		if err != nil {
			writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": outcome})
	}
}

type createBody[P dispatch.Payload] struct {
	Type    string `json:"type" binding:"required"`
	Payload P      `json:"payload"`
}

// CreateRequestHandler registers a generation request of one kind. The
// response is 202: generation happens asynchronously.
func CreateRequestHandler[P dispatch.Payload](d *dispatch.Dispatcher, kind envelope.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body createBody[P]
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, http.StatusBadRequest, "invalid_request", err.Error(), nil)
			return
		}
		typ, ok := models.ParseType(body.Type)
		if !ok {
			writeError(c, http.StatusBadRequest, "invalid_request", "type must be IMAGE or SHORTS", nil)
			return
		}

		resp, err := dispatch.Create(c.Request.Context(), d, dispatch.Request[P]{
			Kind:    kind,
			Type:    typ,
			Payload: body.Payload,
		})
		if err != nil {
			writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, resp)
	}
}

// AssetView is the externally visible state of one asset.
type AssetView struct {
	AssetID     uint                 `json:"assetId"`
	Kind        string               `json:"kind"`
	Type        models.Type          `json:"type"`
	Status      models.Status        `json:"status"`
	Path        *string              `json:"path,omitempty"`
	Finalized   bool                 `json:"finalized"`
	RetryCount  int                  `json:"retryCount"`
	NextRetryAt *time.Time           `json:"nextRetryAt,omitempty"`
	ExpireAt    time.Time            `json:"expireAt"`
	FailReason  *envelope.FailReason `json:"failReason,omitempty"`
}

// GetAssetHandler returns an asset's status and retry state.
func GetAssetHandler(store *assets.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := assetID(c)
		if !ok {
			return
		}
		asset, err := store.FindAsset(c.Request.Context(), id)
		if err != nil {
			writeDomainError(c, err)
			return
		}

		view := AssetView{
			AssetID:   asset.ID,
			Kind:      asset.Kind,
			Type:      asset.Type,
			Status:    asset.Status,
			Path:      asset.Path,
			Finalized: asset.FinalizedAt != nil,
		}
		env, err := store.FindEnvelope(c.Request.Context(), id)
		switch {
		case err == nil:
			view.RetryCount = env.RetryCount
			view.NextRetryAt = env.NextRetryAt
			view.ExpireAt = env.ExpireAt
			view.FailReason = env.RetryFailReason
		case !errors.Is(err, assets.ErrAssetNotFound):
			writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// DeleteAssetHandler soft-deletes an asset. Late callbacks for it are
// rejected as not found.
func DeleteAssetHandler(store *assets.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := assetID(c)
		if !ok {
			return
		}
		if err := store.SoftDelete(c.Request.Context(), id); err != nil {
			writeDomainError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// FinalizeEventHandler publishes a successful event asset.
func FinalizeEventHandler(f *finalize.Finalizer) gin.HandlerFunc {
	return finalizeHandler(f.FinalizeEvent)
}

// FinalizeMenuPosterHandler publishes a successful menu poster asset.
func FinalizeMenuPosterHandler(f *finalize.Finalizer) gin.HandlerFunc {
	return finalizeHandler(f.FinalizeMenuPoster)
}

// FinalizeReviewHandler publishes a successful review asset.
func FinalizeReviewHandler(f *finalize.Finalizer) gin.HandlerFunc {
	return finalizeHandler(f.FinalizeReview)
}

func finalizeHandler[F any, R any](fn func(ctx context.Context, assetID uint, fields F) (*R, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := assetID(c)
		if !ok {
			return
		}
		var fields F
		if err := c.ShouldBindJSON(&fields); err != nil {
			writeError(c, http.StatusBadRequest, "invalid_request", err.Error(), nil)
			return
		}
		record, err := fn(c.Request.Context(), id, fields)
		if err != nil {
			writeDomainError(c, err)
			return
		}
		c.JSON(http.StatusCreated, record)
	}
}

func assetID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(c, http.StatusBadRequest, "invalid_asset_id", "asset id must be a positive integer", nil)
		return 0, false
	}
	return uint(id), true
}

// TriggerSweepHandler queues an immediate sweep.
func TriggerSweepHandler(trigger func(string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := trigger("api:" + c.GetString("request_id")); err != nil {
			writeError(c, http.StatusServiceUnavailable, "sweep_not_queued", err.Error(), nil)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	}
}
