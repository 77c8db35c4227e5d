// Package finalize turns successfully generated assets into published records.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/sehee-xx/EatDa-sub001/internal/assets"
	"github.com/sehee-xx/EatDa-sub001/internal/envelope"
	"github.com/sehee-xx/EatDa-sub001/internal/models"
)

var (
	ErrInvalidFields = errors.New("invalid finalize fields")
	ErrMissingPath   = errors.New("asset has no generated path")
)

// Target is what an asset must look like to become a given record.
type Target struct {
	Kind  envelope.Kind
	Types []models.Type
}

// Accepts reports whether asset matches the target.
func (t Target) Accepts(asset *models.Asset) bool {
	return asset.Kind == string(t.Kind) && slices.Contains(t.Types, asset.Type)
}

// DefaultTargets are the asset shapes each record accepts unless configured
// otherwise.
var DefaultTargets = map[envelope.Kind]Target{
	envelope.KindEvent:      {Kind: envelope.KindEvent, Types: []models.Type{models.TypeImage, models.TypeShorts}},
	envelope.KindMenuPoster: {Kind: envelope.KindMenuPoster, Types: []models.Type{models.TypeImage}},
	envelope.KindReview:     {Kind: envelope.KindReview, Types: []models.Type{models.TypeShorts}},
}

// EventFields describe an event at publish time.
type EventFields struct {
	StoreID     int64     `json:"storeId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	StartDate   time.Time `json:"startDate"`
	EndDate     time.Time `json:"endDate"`
}

// PostFields describe a menu poster or review at publish time.
type PostFields struct {
	StoreID     int64   `json:"storeId"`
	UserID      int64   `json:"userId"`
	Description string  `json:"description"`
	MenuIDs     []int64 `json:"menuIds"`
}

// Finalizer creates at most one published record per asset.
type Finalizer struct {
	store   *assets.Store
	targets map[envelope.Kind]Target
	logger  *slog.Logger
}

// New creates a Finalizer. Kinds missing from targets use DefaultTargets.
func New(store *assets.Store, targets map[envelope.Kind]Target, logger *slog.Logger) *Finalizer {
	merged := make(map[envelope.Kind]Target, len(DefaultTargets))
	for k, t := range DefaultTargets {
		merged[k] = t
	}
	for k, t := range targets {
		merged[k] = t
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{store: store, targets: merged, logger: logger}
}

// FinalizeEvent publishes the event generated by asset assetID.
func (f *Finalizer) FinalizeEvent(ctx context.Context, assetID uint, fields EventFields) (*models.Event, error) {
	if strings.TrimSpace(fields.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidFields)
	}
	if !fields.EndDate.IsZero() && fields.EndDate.Before(fields.StartDate) {
		return nil, fmt.Errorf("%w: end date is before start date", ErrInvalidFields)
	}

	var event models.Event
	err := f.finalize(ctx, assetID, envelope.KindEvent, func(tx *gorm.DB, asset *models.Asset) error {
		event = models.Event{
			AssetID:     asset.ID,
			StoreID:     fields.StoreID,
			Title:       fields.Title,
			Description: fields.Description,
			StartDate:   fields.StartDate,
			EndDate:     fields.EndDate,
			Path:        *asset.Path,
		}
		return tx.Create(&event).Error
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// FinalizeMenuPoster publishes the poster generated by asset assetID.
func (f *Finalizer) FinalizeMenuPoster(ctx context.Context, assetID uint, fields PostFields) (*models.MenuPoster, error) {
	var poster models.MenuPoster
	err := f.finalize(ctx, assetID, envelope.KindMenuPoster, func(tx *gorm.DB, asset *models.Asset) error {
		poster = models.MenuPoster{
			AssetID:     asset.ID,
			StoreID:     fields.StoreID,
			UserID:      fields.UserID,
			Description: fields.Description,
			MenuIDs:     fields.MenuIDs,
			Path:        *asset.Path,
		}
		return tx.Create(&poster).Error
	})
	if err != nil {
		return nil, err
	}
	return &poster, nil
}

// FinalizeReview publishes the review generated by asset assetID.
func (f *Finalizer) FinalizeReview(ctx context.Context, assetID uint, fields PostFields) (*models.Review, error) {
	var review models.Review
	err := f.finalize(ctx, assetID, envelope.KindReview, func(tx *gorm.DB, asset *models.Asset) error {
		review = models.Review{
			AssetID:     asset.ID,
			StoreID:     fields.StoreID,
			UserID:      fields.UserID,
			Description: fields.Description,
			MenuIDs:     fields.MenuIDs,
			Path:        *asset.Path,
		}
		return tx.Create(&review).Error
	})
	if err != nil {
		return nil, err
	}
	return &review, nil
}

func (f *Finalizer) finalize(ctx context.Context, assetID uint, kind envelope.Kind, create func(*gorm.DB, *models.Asset) error) error {
	target := f.targets[kind]
	check := func(asset *models.Asset) error {
		if !target.Accepts(asset) {
			return fmt.Errorf("%w: %s %s asset cannot be published as %s", assets.ErrAssetTypeMismatch, asset.Kind, asset.Type, kind)
		}
		if asset.Path == nil || *asset.Path == "" {
			return fmt.Errorf("%w: asset %d", ErrMissingPath, asset.ID)
		}
		return nil
	}

	asset, err := f.store.Finalize(ctx, assetID, check, create)
	if err != nil {
		return err
	}
	f.logger.Info("Asset finalized", "asset_id", asset.ID, "kind", kind, "path", *asset.Path)
	return nil
}
