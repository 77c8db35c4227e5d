package stubworker

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sehee-xx/EatDa-sub001/internal/envelope"
	"github.com/sehee-xx/EatDa-sub001/internal/reconcile"
	"github.com/sehee-xx/EatDa-sub001/internal/streams"
	"github.com/sehee-xx/EatDa-sub001/internal/webhook"
)

func publishRequest(t *testing.T, rdb *redis.Client, stream string, id uint, expireIn time.Duration) {
	t.Helper()
	env, err := envelope.New(id, envelope.KindEvent, "IMAGE", envelope.Raw{"prompt": "opening"}, time.Now().Add(-time.Minute), time.Minute+expireIn)
	if err != nil {
		t.Fatal(err)
	}
	p := streams.NewPublisher(streams.NewRedisTransport(rdb, streams.GroupGenerationWorkers, 0), nil, time.Second, nil)
	if _, err := p.Publish(context.Background(), stream, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestWorkerReportsOnResultStream(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	client := webhook.NewClient("", "", "", false)
	w, err := New(ctx, rdb, client, Options{
		Streams:      []string{streams.StreamEventRequests},
		ResultStream: streams.StreamResults,
		FailRate:     1,
		Block:        10 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	publishRequest(t, rdb, streams.StreamEventRequests, 7, time.Minute)
	publishRequest(t, rdb, streams.StreamEventRequests, 8, -time.Second) // already expired

	handled, err := w.poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if handled != 2 {
		t.Errorf("expected both requests acknowledged, got %d", handled)
	}

	results, err := rdb.XRange(ctx, streams.StreamResults, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	cb, err := streams.DecodeResult(results[0].Values)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if cb.AssetID != 7 || cb.Result != "FAIL" || cb.Type != "IMAGE" {
		t.Errorf("unexpected result %+v", cb)
	}
}

func TestWorkerPostsCallback(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	received := make(chan reconcile.Callback, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/generate":
			json.NewEncoder(w).Encode(webhook.GenerationResult{AssetURL: "https://cdn/generated.png"})
		case "/callback":
			var cb reconcile.Callback
			json.NewDecoder(r.Body).Decode(&cb)
			received <- cb
		}
	}))
	defer srv.Close()

	w, err := New(ctx, rdb, webhook.NewClient(srv.URL, srv.URL+"/callback", "", false), Options{
		Streams: []string{streams.StreamEventRequests},
		Block:   10 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	publishRequest(t, rdb, streams.StreamEventRequests, 11, time.Minute)
	if _, err := w.poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}

	select {
	case cb := <-received:
		if cb.AssetID != 11 || cb.Result != "SUCCESS" || cb.AssetURL != "https://cdn/generated.png" {
			t.Errorf("unexpected callback %+v", cb)
		}
	default:
		t.Fatal("callback was not posted")
	}

	pending, err := rdb.XPending(ctx, streams.StreamEventRequests, streams.GroupGenerationWorkers).Result()
	if err != nil {
		t.Fatalf("XPending: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("expected request to be acknowledged, %d pending", pending.Count)
	}
}

func TestWorkerLogsMalformedReferenceImages(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))

	w, err := New(ctx, rdb, webhook.NewClient("", "", "", true), Options{
		Streams:      []string{streams.StreamEventRequests},
		ResultStream: streams.StreamResults,
		Block:        10 * time.Millisecond,
	}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	env, err := envelope.New(11, envelope.KindEvent, "IMAGE", envelope.Raw{"prompt": "opening", "reference_images": "not-json"}, time.Now(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	p := streams.NewPublisher(streams.NewRedisTransport(rdb, streams.GroupGenerationWorkers, 0), nil, time.Second, nil)
	if _, err := p.Publish(ctx, streams.StreamEventRequests, env); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if handled, err := w.poll(ctx); err != nil || handled != 1 {
		t.Fatalf("poll: handled=%d err=%v", handled, err)
	}
	if !strings.Contains(logs.String(), "Ignoring malformed reference images") || !strings.Contains(logs.String(), "asset_id=11") {
		t.Errorf("expected a warning for the bad reference images, got %q", logs.String())
	}

	results, _ := rdb.XRange(ctx, streams.StreamResults, "-", "+").Result()
	if len(results) != 1 {
		t.Fatalf("expected the request to still be processed, got %d results", len(results))
	}
	if cb, err := streams.DecodeResult(results[0].Values); err != nil || cb.Result != "SUCCESS" {
		t.Errorf("expected SUCCESS, got %+v err=%v", cb, err)
	}
}
