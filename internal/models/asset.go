package models

import (
	"time"

	"gorm.io/gorm"
)

// Status is the lifecycle state of a generation request.
type Status string

// Asset status constants
const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFail    Status = "FAIL"
)

// ParseResult accepts only the two terminal results a worker may report.
func ParseResult(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusSuccess, StatusFail:
		return st, true
	}
	return "", false
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFail
}

// CanTransitionTo encodes PENDING -> {SUCCESS, FAIL}; terminal states are final.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusPending && next.Terminal()
}

// Type is the kind of media a request produces.
type Type string

// Asset type constants
const (
	TypeImage  Type = "IMAGE"
	TypeShorts Type = "SHORTS"
)

// ParseType validates a declared asset type.
func ParseType(s string) (Type, bool) {
	switch t := Type(s); t {
	case TypeImage, TypeShorts:
		return t, true
	}
	return "", false
}

// Asset tracks one generation request. Soft deletion comes from gorm.Model;
// FinalizedAt marks an asset already turned into a published record.
type Asset struct {
	gorm.Model
	Kind        string     `gorm:"not null;index"`
	Type        Type       `gorm:"not null"`
	Prompt      string     `gorm:"type:text"`
	Path        *string    `gorm:"type:text"`
	Status      Status     `gorm:"not null;default:'PENDING';index"`
	FinalizedAt *time.Time `gorm:"column:finalized_at"`
}

// Deleted reports whether the asset has been soft-deleted.
func (a *Asset) Deleted() bool {
	return a.DeletedAt.Valid
}
