// Package assets owns every status write to generation assets and their
// in-flight envelopes. All transitions are conditional updates so the first
// terminal writer wins.
package assets

import "errors"

var (
	ErrAssetNotFound         = errors.New("asset not found")
	ErrAssetAlreadyFinalized = errors.New("asset already finalized")
	ErrAssetNotSuccess       = errors.New("asset is not in SUCCESS state")
	ErrAssetTypeMismatch     = errors.New("asset type mismatch")
)
