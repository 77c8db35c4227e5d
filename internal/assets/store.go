package assets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/sehee-xx/EatDa-sub001/internal/envelope"
	"github.com/sehee-xx/EatDa-sub001/internal/models"
)

// Store persists assets and their envelopes with gorm.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a Store on db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// InFlight is an envelope still owned by the sweeper, with the stream it is
// published to.
type InFlight struct {
	StreamKey string
	Envelope  envelope.Envelope[envelope.Raw]
}

// Transition describes one status write.
type Transition struct {
	AssetID uint
	To      models.Status
	// Path is stored when To is SUCCESS and Path is non-empty.
	Path string
	// ExpectType rejects the write when set and different from the asset's type.
	ExpectType models.Type
	// FailReason is recorded on the envelope unless it already has one.
	FailReason *envelope.FailReason
}

// CreateRequest inserts a PENDING asset and, in the same transaction, the
// envelope build returns for the new asset id.
func (s *Store) CreateRequest(ctx context.Context, asset *models.Asset, streamKey string, build func(assetID uint) (envelope.Envelope[envelope.Raw], error)) error {
	asset.Status = models.StatusPending
	asset.Path = nil
	asset.FinalizedAt = nil

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(asset).Error; err != nil {
			return fmt.Errorf("failed to create asset: %w", err)
		}

		env, err := build(asset.ID)
		if err != nil {
			return err
		}
		rec, err := models.NewEnvelopeRecord(streamKey, env)
		if err != nil {
			return err
		}
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to create envelope record: %w", err)
		}
		return nil
	})
}

// FindAsset loads a live asset. Soft-deleted assets are reported as missing.
func (s *Store) FindAsset(ctx context.Context, id uint) (*models.Asset, error) {
	var asset models.Asset
	if err := s.db.WithContext(ctx).First(&asset, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAssetNotFound
		}
		return nil, fmt.Errorf("failed to find asset: %w", err)
	}
	return &asset, nil
}

// SoftDelete hides an asset from every further operation. Its envelope row
// goes with it so the sweeper stops republishing.
func (s *Store) SoftDelete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&models.Asset{}, id)
		if result.Error != nil {
			return fmt.Errorf("failed to delete asset: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrAssetNotFound
		}
		if err := tx.Where("asset_id = ?", id).Delete(&models.EnvelopeRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete envelope: %w", err)
		}
		return nil
	})
}

// Apply performs a PENDING -> terminal transition and acknowledges the
// asset's envelope in one transaction. Losing writers get
// ErrAssetAlreadyFinalized.
func (s *Store) Apply(ctx context.Context, t Transition) (*models.Asset, error) {
	if !models.StatusPending.CanTransitionTo(t.To) {
		return nil, fmt.Errorf("invalid target status %q", t.To)
	}

	var asset models.Asset
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&asset, t.AssetID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAssetNotFound
			}
			return fmt.Errorf("failed to find asset: %w", err)
		}
		if t.ExpectType != "" && asset.Type != t.ExpectType {
			return fmt.Errorf("%w: asset is %s, callback declared %s", ErrAssetTypeMismatch, asset.Type, t.ExpectType)
		}
		if !asset.Status.CanTransitionTo(t.To) {
			return ErrAssetAlreadyFinalized
		}

		updates := map[string]interface{}{"status": string(t.To)}
		if t.To == models.StatusSuccess && t.Path != "" {
			updates["path"] = t.Path
		}
		result := tx.Model(&models.Asset{}).
			Where("id = ? AND status = ?", t.AssetID, string(models.StatusPending)).
			Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("failed to update asset status: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrAssetAlreadyFinalized
		}

		ack := map[string]interface{}{
			"acked_at":      s.now().UTC(),
			"next_retry_at": nil,
		}
		if t.FailReason != nil {
			ack["retry_fail_reason"] = gorm.Expr("COALESCE(retry_fail_reason, ?)", string(*t.FailReason))
		}
		if err := tx.Model(&models.EnvelopeRecord{}).
			Where("asset_id = ? AND acked_at IS NULL", t.AssetID).
			Updates(ack).Error; err != nil {
			return fmt.Errorf("failed to acknowledge envelope: %w", err)
		}

		asset.Status = t.To
		if path, ok := updates["path"].(string); ok {
			asset.Path = &path
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

// Finalize marks a SUCCESS asset as consumed and calls create inside the same
// transaction. check may reject the asset with ErrAssetTypeMismatch.
func (s *Store) Finalize(ctx context.Context, id uint, check func(*models.Asset) error, create func(tx *gorm.DB, asset *models.Asset) error) (*models.Asset, error) {
	var asset models.Asset
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&asset, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAssetNotFound
			}
			return fmt.Errorf("failed to find asset: %w", err)
		}
		if asset.FinalizedAt != nil {
			return ErrAssetAlreadyFinalized
		}
		if asset.Status != models.StatusSuccess {
			return ErrAssetNotSuccess
		}
		if err := check(&asset); err != nil {
			return err
		}

		now := s.now().UTC()
		result := tx.Model(&models.Asset{}).
			Where("id = ? AND status = ? AND finalized_at IS NULL", id, string(models.StatusSuccess)).
			Update("finalized_at", now)
		if result.Error != nil {
			return fmt.Errorf("failed to mark asset finalized: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrAssetAlreadyFinalized
		}
		asset.FinalizedAt = &now

		if err := create(tx, &asset); err != nil {
			if isUniqueViolation(err) {
				return ErrAssetAlreadyFinalized
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

// ListDue returns up to limit in-flight envelopes whose retry has come due or
// whose deadline has passed at now, most urgent first.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]InFlight, error) {
	if limit <= 0 {
		limit = 100
	}
	now = now.UTC()

	var rows []models.EnvelopeRecord
	if err := s.db.WithContext(ctx).
		Where("retry_fail_reason IS NULL AND acked_at IS NULL").
		Where("((next_retry_at IS NOT NULL AND next_retry_at < ?) OR expire_at < ?)", now, now).
		Order("CASE WHEN next_retry_at IS NOT NULL AND next_retry_at < expire_at THEN next_retry_at ELSE expire_at END ASC, id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list due envelopes: %w", err)
	}
	return toInFlight(rows)
}

func toInFlight(rows []models.EnvelopeRecord) ([]InFlight, error) {
	out := make([]InFlight, 0, len(rows))
	for i := range rows {
		env, err := rows[i].Envelope()
		if err != nil {
			return nil, fmt.Errorf("envelope for asset %d: %w", rows[i].AssetID, err)
		}
		out = append(out, InFlight{StreamKey: rows[i].StreamKey, Envelope: env})
	}
	return out, nil
}

// FindEnvelope loads the envelope of an asset.
func (s *Store) FindEnvelope(ctx context.Context, assetID uint) (envelope.Envelope[envelope.Raw], error) {
	var rec models.EnvelopeRecord
	if err := s.db.WithContext(ctx).Where("asset_id = ?", assetID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return envelope.Envelope[envelope.Raw]{}, ErrAssetNotFound
		}
		return envelope.Envelope[envelope.Raw]{}, fmt.Errorf("failed to find envelope: %w", err)
	}
	return rec.Envelope()
}

// SwapRetry replaces the retry metadata of an in-flight envelope, but only if
// it still carries from's retry count. It reports whether the swap happened;
// false means another writer got there first.
func (s *Store) SwapRetry(ctx context.Context, from, to envelope.Envelope[envelope.Raw]) (bool, error) {
	result := s.inFlight(ctx, from).Updates(map[string]interface{}{
		"retry_count":   to.RetryCount,
		"next_retry_at": nullableTime(to.NextRetryAt),
	})
	if result.Error != nil {
		return false, fmt.Errorf("failed to update envelope retry state: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// MarkFailed records the terminal reason of failed, provided the stored row
// still matches from. It reports whether this writer won.
func (s *Store) MarkFailed(ctx context.Context, from, failed envelope.Envelope[envelope.Raw]) (bool, error) {
	if failed.RetryFailReason == nil {
		return false, fmt.Errorf("envelope for asset %d has no fail reason", failed.AssetID)
	}
	result := s.inFlight(ctx, from).Updates(map[string]interface{}{
		"retry_fail_reason": string(*failed.RetryFailReason),
		"next_retry_at":     nil,
	})
	if result.Error != nil {
		return false, fmt.Errorf("failed to mark envelope failed: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// RecordPublished remembers the transport id of the latest publish.
func (s *Store) RecordPublished(ctx context.Context, assetID uint, messageID string) error {
	return s.db.WithContext(ctx).
		Model(&models.EnvelopeRecord{}).
		Where("asset_id = ?", assetID).
		Update("last_message_id", messageID).Error
}

func (s *Store) inFlight(ctx context.Context, from envelope.Envelope[envelope.Raw]) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&models.EnvelopeRecord{}).
		Where("asset_id = ? AND retry_count = ? AND retry_fail_reason IS NULL AND acked_at IS NULL",
			from.AssetID, from.RetryCount)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
