package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sehee-xx/EatDa-sub001/internal/reconcile"
)

func TestGenerateStubMode(t *testing.T) {
	c := NewClient("", "", "", true)
	c.stubDelay = time.Millisecond

	res, err := c.Generate(context.Background(), GenerationRequest{AssetID: 5, Kind: "review", Type: "SHORTS"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.HasSuffix(res.AssetURL, "/review/5.mp4") {
		t.Errorf("unexpected stub url %s", res.AssetURL)
	}
}

func TestGenerateCallsGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate" || r.Header.Get("X-Webhook-Secret") != "s3cret" {
			t.Errorf("unexpected request %s %v", r.URL.Path, r.Header)
		}
		var req GenerationRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(GenerationResult{AssetURL: "https://cdn/" + req.Kind})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "", "s3cret", false)
	res, err := c.Generate(context.Background(), GenerationRequest{AssetID: 1, Kind: "event"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.AssetURL != "https://cdn/event" {
		t.Errorf("unexpected url %s", res.AssetURL)
	}
}

func TestSendCallback(t *testing.T) {
	var got reconcile.Callback
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewClient("", srv.URL, "", false)
	cb := reconcile.Callback{AssetID: 9, Result: "SUCCESS", AssetURL: "https://cdn/9.png", Type: "IMAGE"}
	if err := c.SendCallback(context.Background(), cb); err != nil {
		t.Fatalf("SendCallback: %v", err)
	}
	if got != cb {
		t.Errorf("server received %+v", got)
	}

	status = http.StatusBadRequest
	if err := c.SendCallback(context.Background(), cb); !errors.Is(err, ErrRejected) {
		t.Errorf("expected ErrRejected on 400, got %v", err)
	}

	status = http.StatusBadGateway
	err := c.SendCallback(context.Background(), cb)
	if err == nil || errors.Is(err, ErrRejected) {
		t.Errorf("expected retryable error on 502, got %v", err)
	}
}
