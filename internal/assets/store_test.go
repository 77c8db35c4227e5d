package assets

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/sehee-xx/EatDa-sub001/internal/database/dbtest"
	"github.com/sehee-xx/EatDa-sub001/internal/envelope"
	"github.com/sehee-xx/EatDa-sub001/internal/models"
)

var requestedAt = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newPendingAsset(t *testing.T, s *Store, typ models.Type) uint {
	t.Helper()
	asset := &models.Asset{Kind: string(envelope.KindEvent), Type: typ, Prompt: "grand opening"}
	err := s.CreateRequest(context.Background(), asset, "ai:event:requests", func(id uint) (envelope.Envelope[envelope.Raw], error) {
		env, err := envelope.New(id, envelope.KindEvent, string(typ), envelope.Raw{"prompt": "grand opening"}, requestedAt, 10*time.Minute)
		if err != nil {
			return env, err
		}
		return env.ScheduleRetry(requestedAt.Add(30 * time.Second)), nil
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	return asset.ID
}

func TestCreateRequestPersistsAssetAndEnvelope(t *testing.T) {
	s := NewStore(dbtest.Open(t))
	ctx := context.Background()
	id := newPendingAsset(t, s, models.TypeImage)

	asset, err := s.FindAsset(ctx, id)
	if err != nil {
		t.Fatalf("FindAsset: %v", err)
	}
	if asset.Status != models.StatusPending || asset.Path != nil {
		t.Errorf("expected fresh PENDING asset, got %+v", asset)
	}

	inflight, err := s.ListDue(ctx, requestedAt.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(inflight) != 1 {
		t.Fatalf("expected 1 in-flight envelope, got %d", len(inflight))
	}
	env := inflight[0].Envelope
	if env.AssetID != id || inflight[0].StreamKey != "ai:event:requests" {
		t.Errorf("unexpected in-flight entry %+v", inflight[0])
	}
	if env.Payload["prompt"] != "grand opening" {
		t.Errorf("payload not persisted: %v", env.Payload)
	}
	if env.NextRetryAt == nil || !env.NextRetryAt.Equal(requestedAt.Add(30*time.Second)) {
		t.Errorf("unexpected nextRetryAt %v", env.NextRetryAt)
	}
}

func TestCreateRequestRollsBackWhenEnvelopeFails(t *testing.T) {
	db := dbtest.Open(t)
	s := NewStore(db)

	boom := errors.New("boom")
	err := s.CreateRequest(context.Background(), &models.Asset{Kind: "event", Type: models.TypeImage}, "s",
		func(uint) (envelope.Envelope[envelope.Raw], error) {
			return envelope.Envelope[envelope.Raw]{}, boom
		})
	if !errors.Is(err, boom) {
		t.Fatalf("expected build error, got %v", err)
	}

	var count int64
	db.Model(&models.Asset{}).Count(&count)
	if count != 0 {
		t.Errorf("expected asset insert to be rolled back, found %d", count)
	}
}

func TestApplyFirstWriterWins(t *testing.T) {
	s := NewStore(dbtest.Open(t))
	ctx := context.Background()
	id := newPendingAsset(t, s, models.TypeImage)

	asset, err := s.Apply(ctx, Transition{AssetID: id, To: models.StatusSuccess, Path: "https://cdn/a.png", ExpectType: models.TypeImage})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if asset.Status != models.StatusSuccess || asset.Path == nil || *asset.Path != "https://cdn/a.png" {
		t.Fatalf("unexpected asset after apply: %+v", asset)
	}

	_, err = s.Apply(ctx, Transition{AssetID: id, To: models.StatusFail})
	if !errors.Is(err, ErrAssetAlreadyFinalized) {
		t.Fatalf("expected ErrAssetAlreadyFinalized, got %v", err)
	}

	stored, _ := s.FindAsset(ctx, id)
	if stored.Status != models.StatusSuccess || *stored.Path != "https://cdn/a.png" {
		t.Errorf("second transition must not change the asset: %+v", stored)
	}

	inflight, _ := s.ListDue(ctx, requestedAt.Add(time.Hour), 10)
	if len(inflight) != 0 {
		t.Errorf("expected envelope to be acknowledged, still in flight: %+v", inflight)
	}
}

func TestApplyRejectsMismatchedType(t *testing.T) {
	s := NewStore(dbtest.Open(t))
	id := newPendingAsset(t, s, models.TypeShorts)

	_, err := s.Apply(context.Background(), Transition{AssetID: id, To: models.StatusSuccess, ExpectType: models.TypeImage})
	if !errors.Is(err, ErrAssetTypeMismatch) {
		t.Fatalf("expected ErrAssetTypeMismatch, got %v", err)
	}
	asset, _ := s.FindAsset(context.Background(), id)
	if asset.Status != models.StatusPending {
		t.Errorf("mismatched callback must not change status, got %s", asset.Status)
	}
}

func TestApplyIgnoresSoftDeletedAssets(t *testing.T) {
	s := NewStore(dbtest.Open(t))
	ctx := context.Background()
	id := newPendingAsset(t, s, models.TypeImage)

	if err := s.SoftDelete(ctx, id); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if _, err := s.Apply(ctx, Transition{AssetID: id, To: models.StatusSuccess}); !errors.Is(err, ErrAssetNotFound) {
		t.Fatalf("expected ErrAssetNotFound, got %v", err)
	}
	if _, err := s.Apply(ctx, Transition{AssetID: 9999, To: models.StatusSuccess}); !errors.Is(err, ErrAssetNotFound) {
		t.Fatalf("expected ErrAssetNotFound for unknown id, got %v", err)
	}

	inflight, err := s.ListDue(ctx, requestedAt.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(inflight) != 0 {
		t.Errorf("deleted asset's envelope still in flight: %+v", inflight)
	}
}

func TestApplyKeepsExistingFailReason(t *testing.T) {
	s := NewStore(dbtest.Open(t))
	ctx := context.Background()
	id := newPendingAsset(t, s, models.TypeImage)

	env, err := s.FindEnvelope(ctx, id)
	if err != nil {
		t.Fatalf("FindEnvelope: %v", err)
	}
	won, err := s.MarkFailed(ctx, env, env.Fail(envelope.FailExpired))
	if err != nil || !won {
		t.Fatalf("MarkFailed: won=%v err=%v", won, err)
	}

	reason := envelope.FailWorkerError
	if _, err := s.Apply(ctx, Transition{AssetID: id, To: models.StatusFail, FailReason: &reason}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	env, _ = s.FindEnvelope(ctx, id)
	if env.RetryFailReason == nil || *env.RetryFailReason != envelope.FailExpired {
		t.Errorf("expected EXPIRED to be kept, got %v", env.RetryFailReason)
	}
}

func TestSwapRetryIsOptimistic(t *testing.T) {
	s := NewStore(dbtest.Open(t))
	ctx := context.Background()
	id := newPendingAsset(t, s, models.TypeImage)

	prev, _ := s.FindEnvelope(ctx, id)
	next := prev.Retried(requestedAt.Add(time.Minute), envelope.DefaultBackoff)

	won, err := s.SwapRetry(ctx, prev, next)
	if err != nil || !won {
		t.Fatalf("first swap: won=%v err=%v", won, err)
	}
	won, err = s.SwapRetry(ctx, prev, next)
	if err != nil || won {
		t.Fatalf("stale swap must lose: won=%v err=%v", won, err)
	}

	// release restores the previous attempt
	won, err = s.SwapRetry(ctx, next, prev)
	if err != nil || !won {
		t.Fatalf("release: won=%v err=%v", won, err)
	}
	got, _ := s.FindEnvelope(ctx, id)
	if got.RetryCount != prev.RetryCount || !got.NextRetryAt.Equal(*prev.NextRetryAt) {
		t.Errorf("expected previous retry state, got count=%d next=%v", got.RetryCount, got.NextRetryAt)
	}
}

func TestMarkFailedLosesAgainstAcknowledgement(t *testing.T) {
	s := NewStore(dbtest.Open(t))
	ctx := context.Background()
	id := newPendingAsset(t, s, models.TypeImage)
	env, _ := s.FindEnvelope(ctx, id)

	if _, err := s.Apply(ctx, Transition{AssetID: id, To: models.StatusSuccess}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	won, err := s.MarkFailed(ctx, env, env.Fail(envelope.FailExpired))
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if won {
		t.Error("expected acknowledged envelope to reject a late failure")
	}
}

func TestFinalizeOnce(t *testing.T) {
	db := dbtest.Open(t)
	s := NewStore(db)
	ctx := context.Background()
	id := newPendingAsset(t, s, models.TypeImage)

	create := func(tx *gorm.DB, a *models.Asset) error {
		return tx.Create(&models.Event{AssetID: a.ID, StoreID: 1, Title: "opening", Path: *a.Path}).Error
	}
	accept := func(*models.Asset) error { return nil }

	if _, err := s.Finalize(ctx, id, accept, create); !errors.Is(err, ErrAssetNotSuccess) {
		t.Fatalf("expected ErrAssetNotSuccess for PENDING asset, got %v", err)
	}

	if _, err := s.Apply(ctx, Transition{AssetID: id, To: models.StatusSuccess, Path: "https://cdn/e.png"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	asset, err := s.Finalize(ctx, id, accept, create)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if asset.FinalizedAt == nil {
		t.Error("expected finalizedAt to be set")
	}

	if _, err := s.Finalize(ctx, id, accept, create); !errors.Is(err, ErrAssetAlreadyFinalized) {
		t.Fatalf("expected ErrAssetAlreadyFinalized, got %v", err)
	}

	var events int64
	db.Model(&models.Event{}).Count(&events)
	if events != 1 {
		t.Errorf("expected exactly one event record, got %d", events)
	}
}

func TestFinalizeRollsBackOnCheckFailure(t *testing.T) {
	s := NewStore(dbtest.Open(t))
	ctx := context.Background()
	id := newPendingAsset(t, s, models.TypeShorts)
	if _, err := s.Apply(ctx, Transition{AssetID: id, To: models.StatusSuccess, Path: "https://cdn/s.mp4"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	reject := func(*models.Asset) error { return ErrAssetTypeMismatch }
	if _, err := s.Finalize(ctx, id, reject, nil); !errors.Is(err, ErrAssetTypeMismatch) {
		t.Fatalf("expected ErrAssetTypeMismatch, got %v", err)
	}
	asset, _ := s.FindAsset(ctx, id)
	if asset.FinalizedAt != nil {
		t.Error("rejected finalize must not consume the asset")
	}
}

func TestListDueSkipsWaitingEnvelopes(t *testing.T) {
	s := NewStore(dbtest.Open(t))
	ctx := context.Background()
	first := newPendingAsset(t, s, models.TypeImage)
	second := newPendingAsset(t, s, models.TypeImage)

	// push the first request's retry out past the second one's
	env, _ := s.FindEnvelope(ctx, first)
	if won, err := s.SwapRetry(ctx, env, env.Retried(requestedAt.Add(40*time.Second), envelope.DefaultBackoff)); err != nil || !won {
		t.Fatalf("SwapRetry: won=%v err=%v", won, err)
	}

	due, err := s.ListDue(ctx, requestedAt.Add(10*time.Second), 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("nothing is due yet, got %d", len(due))
	}

	due, _ = s.ListDue(ctx, requestedAt.Add(45*time.Second), 10)
	if len(due) != 1 || due[0].Envelope.AssetID != second {
		t.Fatalf("expected only asset %d due, got %+v", second, due)
	}

	// past the deadline both are listed, earliest retry first
	due, _ = s.ListDue(ctx, requestedAt.Add(11*time.Minute), 1)
	if len(due) != 1 || due[0].Envelope.AssetID != second {
		t.Fatalf("expected asset %d first, got %+v", second, due)
	}
	due, _ = s.ListDue(ctx, requestedAt.Add(11*time.Minute), 10)
	if len(due) != 2 {
		t.Errorf("expected both envelopes past the deadline, got %d", len(due))
	}
}
