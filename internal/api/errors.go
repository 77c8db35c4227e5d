package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sehee-xx/EatDa-sub001/internal/assets"
	"github.com/sehee-xx/EatDa-sub001/internal/dispatch"
	"github.com/sehee-xx/EatDa-sub001/internal/envelope"
	"github.com/sehee-xx/EatDa-sub001/internal/finalize"
	"github.com/sehee-xx/EatDa-sub001/internal/reconcile"
)

// ErrorBody is the shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failed request.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Fields  []reconcile.FieldError `json:"fields,omitempty"`
}

func writeError(c *gin.Context, status int, code, message string, fields []reconcile.FieldError) {
	c.JSON(status, ErrorBody{Error: ErrorDetail{Code: code, Message: message, Fields: fields}})
}

// writeDomainError maps a domain error to its HTTP status. Anything it does
// not recognize is a 500.
func writeDomainError(c *gin.Context, err error) {
	var ve *reconcile.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(c, http.StatusBadRequest, "invalid_callback", "callback failed validation", ve.Fields)
	case errors.Is(err, assets.ErrAssetNotFound):
		writeError(c, http.StatusNotFound, "asset_not_found", err.Error(), nil)
	case errors.Is(err, assets.ErrAssetTypeMismatch):
		writeError(c, http.StatusUnprocessableEntity, "asset_type_mismatch", err.Error(), nil)
	case errors.Is(err, assets.ErrAssetAlreadyFinalized):
		writeError(c, http.StatusConflict, "asset_already_finalized", err.Error(), nil)
	case errors.Is(err, assets.ErrAssetNotSuccess):
		writeError(c, http.StatusConflict, "asset_not_success", err.Error(), nil)
	case errors.Is(err, finalize.ErrMissingPath):
		writeError(c, http.StatusConflict, "asset_missing_path", err.Error(), nil)
	case errors.Is(err, finalize.ErrInvalidFields):
		writeError(c, http.StatusBadRequest, "invalid_fields", err.Error(), nil)
	case errors.Is(err, dispatch.ErrUnknownKind):
		writeError(c, http.StatusNotFound, "unknown_kind", err.Error(), nil)
	case errors.Is(err, dispatch.ErrTypeNotAllowed):
		writeError(c, http.StatusUnprocessableEntity, "type_not_allowed", err.Error(), nil)
	case errors.Is(err, envelope.ErrSerialization):
		writeError(c, http.StatusUnprocessableEntity, "unserializable_payload", err.Error(), nil)
	default:
		writeError(c, http.StatusInternalServerError, "internal", "internal server error", nil)
	}
}
