package models

import (
	"time"

	"gorm.io/gorm"
)

// Event is a published store event built from a generated asset.
type Event struct {
	gorm.Model
	AssetID     uint   `gorm:"not null;uniqueIndex"`
	StoreID     int64  `gorm:"not null;index"`
	Title       string `gorm:"not null"`
	Description string `gorm:"type:text"`
	StartDate   time.Time
	EndDate     time.Time
	Path        string `gorm:"type:text;not null"`
}

// MenuPoster is a published poster for a set of menu items.
type MenuPoster struct {
	gorm.Model
	AssetID     uint    `gorm:"not null;uniqueIndex"`
	StoreID     int64   `gorm:"not null;index"`
	UserID      int64   `gorm:"not null;index"`
	Description string  `gorm:"type:text"`
	MenuIDs     []int64 `gorm:"serializer:json;type:jsonb"`
	Path        string  `gorm:"type:text;not null"`
}

// Review is a published review backed by a generated short.
type Review struct {
	gorm.Model
	AssetID     uint    `gorm:"not null;uniqueIndex"`
	StoreID     int64   `gorm:"not null;index"`
	UserID      int64   `gorm:"not null;index"`
	Description string  `gorm:"type:text"`
	MenuIDs     []int64 `gorm:"serializer:json;type:jsonb"`
	Path        string  `gorm:"type:text;not null"`
}

// All lists every persisted model, in dependency order.
func All() []interface{} {
	return []interface{}{&Asset{}, &EnvelopeRecord{}, &Event{}, &MenuPoster{}, &Review{}}
}
