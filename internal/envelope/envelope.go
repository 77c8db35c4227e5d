// Package envelope defines the retryable message unit handed to the
// generation workers: a domain payload plus the retry metadata the sweeper
// acts on.
package envelope

import (
	"fmt"
	"time"
)

// Kind identifies the originating domain of a generation request.
// Each kind maps to its own stream and TTL.
type Kind string

// Stream kinds
const (
	KindEvent      Kind = "event"
	KindMenuPoster Kind = "menu_poster"
	KindReview     Kind = "review"
)

// Valid reports whether k is one of the known stream kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindEvent, KindMenuPoster, KindReview:
		return true
	}
	return false
}

// FailReason records why an envelope was terminally abandoned.
type FailReason string

// Terminal failure reasons
const (
	FailTimeout     FailReason = "TIMEOUT"
	FailWorkerError FailReason = "WORKER_ERROR"
	FailExpired     FailReason = "EXPIRED"
)

// ParseFailReason converts a wire value into a FailReason.
func ParseFailReason(s string) (FailReason, error) {
	switch r := FailReason(s); r {
	case FailTimeout, FailWorkerError, FailExpired:
		return r, nil
	}
	return "", fmt.Errorf("unknown retry fail reason %q", s)
}

// Payload is the domain-specific part of an envelope. WireFields must return
// a flat map of string-encoded values; an error means the payload cannot be
// represented on the wire.
type Payload interface {
	WireFields() (map[string]string, error)
}

// Retryable is the retry policy surface. Nothing else decides whether an
// envelope may be published again.
type Retryable interface {
	IsExpired(now time.Time) bool
	CanRetry(now time.Time) bool
	IsRetryTime(now time.Time) bool
}

// Envelope is an immutable generation request. Transition methods return a
// modified copy and leave the receiver untouched.
type Envelope[P Payload] struct {
	AssetID         uint
	Kind            Kind
	Type            string
	Payload         P
	RequestedAt     time.Time
	ExpireAt        time.Time
	RetryCount      int
	NextRetryAt     *time.Time
	RetryFailReason *FailReason
}

var _ Retryable = Envelope[Raw]{}

// New builds a fresh envelope whose deadline is requestedAt plus the TTL
// configured for its kind.
func New[P Payload](assetID uint, kind Kind, assetType string, payload P, requestedAt time.Time, ttl time.Duration) (Envelope[P], error) {
	if assetID == 0 {
		return Envelope[P]{}, fmt.Errorf("envelope: asset id is required")
	}
	if !kind.Valid() {
		return Envelope[P]{}, fmt.Errorf("envelope: unknown kind %q", kind)
	}
	if ttl <= 0 {
		return Envelope[P]{}, fmt.Errorf("envelope: ttl must be positive, got %s", ttl)
	}

	requestedAt = requestedAt.UTC()
	return Envelope[P]{
		AssetID:     assetID,
		Kind:        kind,
		Type:        assetType,
		Payload:     payload,
		RequestedAt: requestedAt,
		ExpireAt:    requestedAt.Add(ttl),
	}, nil
}

// IsExpired reports whether the hard deadline has passed.
func (e Envelope[P]) IsExpired(now time.Time) bool {
	return now.After(e.ExpireAt)
}

// CanRetry reports whether the envelope may still be published.
func (e Envelope[P]) CanRetry(now time.Time) bool {
	return !e.IsExpired(now) && e.RetryFailReason == nil
}

// IsRetryTime reports whether a scheduled retry has come due.
func (e Envelope[P]) IsRetryTime(now time.Time) bool {
	return e.NextRetryAt != nil && now.After(*e.NextRetryAt)
}

// Terminal reports whether a fail reason has been recorded.
func (e Envelope[P]) Terminal() bool {
	return e.RetryFailReason != nil
}

// ScheduleRetry sets the next retry time, clamped to the deadline.
func (e Envelope[P]) ScheduleRetry(at time.Time) Envelope[P] {
	if e.Terminal() {
		return e
	}
	next := e.clamp(at)
	e.NextRetryAt = &next
	return e
}

// Retried records one more publish attempt made at now and schedules the
// following one according to b.
func (e Envelope[P]) Retried(now time.Time, b Backoff) Envelope[P] {
	if e.Terminal() {
		return e
	}
	e.RetryCount++
	return e.ScheduleRetry(now.Add(b.Next(e.RetryCount)))
}

// Fail marks the envelope terminal. A terminal envelope keeps its original
// reason.
func (e Envelope[P]) Fail(reason FailReason) Envelope[P] {
	if e.Terminal() {
		return e
	}
	e.RetryFailReason = &reason
	e.NextRetryAt = nil
	return e
}

func (e Envelope[P]) clamp(t time.Time) time.Time {
	t = t.UTC()
	if t.After(e.ExpireAt) {
		return e.ExpireAt
	}
	return t
}
