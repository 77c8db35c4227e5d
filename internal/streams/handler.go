package streams

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/sehee-xx/EatDa-sub001/internal/reconcile"
)

// errPoison marks a message that can never be processed.
var errPoison = errors.New("poison message")

// DecodeResult converts a result stream entry into a callback.
func DecodeResult(values map[string]interface{}) (reconcile.Callback, error) {
	get := func(k string) (string, error) {
		switch v := values[k].(type) {
		case string:
			return v, nil
		case nil:
			return "", nil
		default:
			return "", fmt.Errorf("%w: field %q has type %T", errPoison, k, v)
		}
	}

	var cb reconcile.Callback
	raw, err := get(ResultFieldAssetID)
	if err != nil {
		return cb, err
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return cb, fmt.Errorf("%w: invalid %s %q", errPoison, ResultFieldAssetID, raw)
	}
	cb.AssetID = uint(id)

	if cb.Result, err = get(ResultFieldResult); err != nil {
		return cb, err
	}
	if cb.AssetURL, err = get(ResultFieldAssetURL); err != nil {
		return cb, err
	}
	if cb.Type, err = get(ResultFieldType); err != nil {
		return cb, err
	}
	return cb, nil
}

// HandleResult returns a handler that feeds stream results to the reconciler.
// Domain rejections are swallowed so the entry gets acknowledged; only
// infrastructure errors leave it pending until the consumer reclaims it.
func HandleResult(r *reconcile.Reconciler) func(context.Context, reconcile.Callback) error {
	return func(ctx context.Context, cb reconcile.Callback) error {
		_, err := r.Reconcile(ctx, cb)
		if err != nil && !reconcile.IsPermanent(err) {
			return err
		}
		return nil
	}
}
