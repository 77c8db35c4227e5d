package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/sehee-xx/EatDa-sub001/internal/envelope"
)

// EnvelopeRecord persists the retry state of an in-flight envelope so the
// sweeper can find it. One row per asset.
type EnvelopeRecord struct {
	gorm.Model
	AssetID         uint           `gorm:"not null;uniqueIndex"`
	Kind            string         `gorm:"not null"`
	Type            string         `gorm:"not null"`
	StreamKey       string         `gorm:"column:stream_key;not null"`
	Payload         datatypes.JSON `gorm:"type:jsonb"`
	RequestedAt     time.Time      `gorm:"not null"`
	ExpireAt        time.Time      `gorm:"not null"`
	RetryCount      int            `gorm:"not null;default:0"`
	NextRetryAt     *time.Time
	RetryFailReason *string    `gorm:"column:retry_fail_reason;index"`
	AckedAt         *time.Time `gorm:"column:acked_at;index"`
	LastMessageID   string     `gorm:"column:last_message_id"`
}

// TableName keeps envelope rows next to the assets they belong to.
func (EnvelopeRecord) TableName() string {
	return "asset_envelopes"
}

// NewEnvelopeRecord captures env for persistence.
func NewEnvelopeRecord(streamKey string, env envelope.Envelope[envelope.Raw]) (*EnvelopeRecord, error) {
	payload, err := json.Marshal(map[string]string(env.Payload))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope payload: %w", err)
	}

	rec := &EnvelopeRecord{
		AssetID:     env.AssetID,
		Kind:        string(env.Kind),
		Type:        env.Type,
		StreamKey:   streamKey,
		Payload:     datatypes.JSON(payload),
		RequestedAt: env.RequestedAt.UTC(),
		ExpireAt:    env.ExpireAt.UTC(),
		RetryCount:  env.RetryCount,
	}
	if env.NextRetryAt != nil {
		next := env.NextRetryAt.UTC()
		rec.NextRetryAt = &next
	}
	if env.RetryFailReason != nil {
		reason := string(*env.RetryFailReason)
		rec.RetryFailReason = &reason
	}
	return rec, nil
}

// Envelope rebuilds the envelope value from the stored row.
func (r *EnvelopeRecord) Envelope() (envelope.Envelope[envelope.Raw], error) {
	payload := envelope.Raw{}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			return envelope.Envelope[envelope.Raw]{}, fmt.Errorf("failed to unmarshal envelope payload: %w", err)
		}
	}

	env := envelope.Envelope[envelope.Raw]{
		AssetID:     r.AssetID,
		Kind:        envelope.Kind(r.Kind),
		Type:        r.Type,
		Payload:     payload,
		RequestedAt: r.RequestedAt.UTC(),
		ExpireAt:    r.ExpireAt.UTC(),
		RetryCount:  r.RetryCount,
	}
	if r.NextRetryAt != nil {
		next := r.NextRetryAt.UTC()
		env.NextRetryAt = &next
	}
	if r.RetryFailReason != nil {
		reason, err := envelope.ParseFailReason(*r.RetryFailReason)
		if err != nil {
			return env, err
		}
		env.RetryFailReason = &reason
	}
	return env, nil
}
