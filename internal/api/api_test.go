package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/sehee-xx/EatDa-sub001/internal/assets"
	"github.com/sehee-xx/EatDa-sub001/internal/database/dbtest"
	"github.com/sehee-xx/EatDa-sub001/internal/dispatch"
	"github.com/sehee-xx/EatDa-sub001/internal/envelope"
	"github.com/sehee-xx/EatDa-sub001/internal/finalize"
	"github.com/sehee-xx/EatDa-sub001/internal/metrics"
	"github.com/sehee-xx/EatDa-sub001/internal/reconcile"
	"github.com/sehee-xx/EatDa-sub001/internal/streams"
)

const testSecret = "s3cret"

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	router *gin.Engine
	store  *assets.Store
	redis  *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { rdb.Close() })

	reg := prometheus.NewRegistry()
	collectors := metrics.New(reg)

	store := assets.NewStore(dbtest.Open(t))
	routes, err := dispatch.LoadRegistry("")
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	publisher := streams.NewPublisher(streams.NewRedisTransport(rdb, streams.GroupGenerationWorkers, 0), collectors, time.Second, nil)
	schema, err := LoadCallbackSchema()
	if err != nil {
		t.Fatalf("LoadCallbackSchema: %v", err)
	}

	router := NewRouter(Deps{
		Store:         store,
		Dispatcher:    dispatch.New(store, publisher, routes, envelope.DefaultBackoff, nil),
		Reconciler:    reconcile.New(store, collectors, nil),
		Finalizer:     finalize.New(store, nil, nil),
		Schema:        schema,
		WebhookSecret: testSecret,
		Gatherer:      reg,
	})
	return &fixture{router: router, store: store, redis: mr}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if path == "/callback" {
		req.Header.Set("X-Webhook-Secret", testSecret)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) createEvent(t *testing.T) uint {
	t.Helper()
	w := f.do(t, http.MethodPost, "/requests/events", gin.H{
		"type": "IMAGE",
		"payload": gin.H{
			"storeId": 3,
			"userId":  9,
			"title":   "Grand opening",
			"prompt":  "bright storefront, confetti",
		},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp dispatch.RequestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AssetID == 0 || resp.Status != "PENDING" {
		t.Fatalf("unexpected response %+v", resp)
	}
	return resp.AssetID
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var body ErrorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, w.Body.String())
	}
	return body.Error
}

func TestRequestCallbackFinalizeFlow(t *testing.T) {
	f := newFixture(t)
	id := f.createEvent(t)

	entries, err := f.redis.Stream(streams.StreamEventRequests)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one published request, got %d (%v)", len(entries), err)
	}

	cb := gin.H{"assetId": id, "result": "SUCCESS", "assetUrl": "https://cdn/event.png", "type": "IMAGE"}
	w := f.do(t, http.MethodPost, "/callback", cb)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"applied"`) {
		t.Fatalf("expected applied, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodPost, "/callback", cb)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ignored"`) {
		t.Fatalf("expected duplicate to be ignored, got %d: %s", w.Code, w.Body.String())
	}

	path := fmt.Sprintf("/assets/%d/event", id)
	fields := gin.H{"storeId": 3, "title": "Grand opening", "description": "Free coffee"}
	w = f.do(t, http.MethodPost, path, fields)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodPost, path, fields)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second finalize, got %d", w.Code)
	}
	if got := decodeError(t, w).Code; got != "asset_already_finalized" {
		t.Errorf("expected asset_already_finalized, got %s", got)
	}

	w = f.do(t, http.MethodGet, fmt.Sprintf("/assets/%d", id), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var view AssetView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.Status != "SUCCESS" || !view.Finalized || view.Path == nil || *view.Path != "https://cdn/event.png" {
		t.Errorf("unexpected view %+v", view)
	}
}

func TestCallbackRejections(t *testing.T) {
	f := newFixture(t)
	id := f.createEvent(t)

	tests := []struct {
		name   string
		body   interface{}
		status int
		code   string
	}{
		{
			name:   "not json",
			body:   "{",
			status: http.StatusBadRequest,
			code:   "invalid_body",
		},
		{
			name:   "unknown result",
			body:   gin.H{"assetId": id, "result": "MAYBE", "type": "IMAGE"},
			status: http.StatusBadRequest,
			code:   "invalid_callback",
		},
		{
			name:   "missing type",
			body:   gin.H{"assetId": id, "result": "SUCCESS"},
			status: http.StatusBadRequest,
			code:   "invalid_callback",
		},
		{
			name:   "unknown asset",
			body:   gin.H{"assetId": id + 100, "result": "SUCCESS", "type": "IMAGE"},
			status: http.StatusNotFound,
			code:   "asset_not_found",
		},
		{
			name:   "type mismatch",
			body:   gin.H{"assetId": id, "result": "SUCCESS", "type": "SHORTS"},
			status: http.StatusUnprocessableEntity,
			code:   "asset_type_mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/callback", tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			detail := decodeError(t, w)
			if detail.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, detail.Code)
			}
			if tt.code == "invalid_callback" && len(detail.Fields) == 0 {
				t.Error("expected field errors")
			}
		})
	}

	asset, err := f.store.FindAsset(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if asset.Status != "PENDING" {
		t.Errorf("rejected callbacks must not change state, got %s", asset.Status)
	}
}

func TestCallbackRequiresSecret(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader(`{"assetId":1,"result":"SUCCESS","type":"IMAGE"}`))
	req.Header.Set("X-Webhook-Secret", "wrong")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/requests/menu-posters", gin.H{
		"type":    "SHORTS",
		"payload": gin.H{"storeId": 3, "userId": 9, "prompt": "poster", "menuIds": []int{1}},
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for disallowed type, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodPost, "/requests/menu-posters", gin.H{
		"type":    "IMAGE",
		"payload": gin.H{"storeId": 3, "userId": 9, "prompt": "poster"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without menu ids, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodPost, "/requests/reviews", gin.H{
		"type":    "GIF",
		"payload": gin.H{"storeId": 3, "userId": 9, "prompt": "review"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", w.Code)
	}

	if f.redis.Exists(streams.StreamMenuPosterRequests) {
		t.Error("rejected requests must not be published")
	}
}

func TestFinalizeBeforeSuccess(t *testing.T) {
	f := newFixture(t)
	id := f.createEvent(t)

	w := f.do(t, http.MethodPost, fmt.Sprintf("/assets/%d/event", id), gin.H{"title": "Grand opening"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if got := decodeError(t, w).Code; got != "asset_not_success" {
		t.Errorf("expected asset_not_success, got %s", got)
	}

	w = f.do(t, http.MethodPost, fmt.Sprintf("/assets/%d/review", id), gin.H{"storeId": 3})
	if w.Code != http.StatusConflict && w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected review finalize of an event to be refused, got %d", w.Code)
	}
}

func TestDeleteAsset(t *testing.T) {
	f := newFixture(t)
	id := f.createEvent(t)
	path := fmt.Sprintf("/assets/%d", id)

	if w := f.do(t, http.MethodDelete, path, nil); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, path, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
	if w := f.do(t, http.MethodDelete, path, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", w.Code)
	}

	w := f.do(t, http.MethodPost, "/callback", gin.H{"assetId": id, "result": "SUCCESS", "type": "IMAGE"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected late callback for deleted asset to be 404, got %d", w.Code)
	}
}

func TestInvalidAssetID(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, http.MethodGet, "/assets/abc", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.createEvent(t)

	w := f.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "assetpipe_stream_publish_total") {
		t.Error("expected publish counter in metrics output")
	}
}

func TestRequestIDEchoed(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if got := w.Header().Get(requestIDHeader); got != "abc-123" {
		t.Errorf("expected request id to be echoed, got %q", got)
	}

	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Header().Get(requestIDHeader) == "" {
		t.Error("expected a generated request id")
	}
}

func TestTriggerSweep(t *testing.T) {
	var triggers []string
	router := NewRouter(Deps{
		TriggerSweep: func(trigger string) error {
			triggers = append(triggers, trigger)
			return nil
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/admin/sweep", nil)
	req.Header.Set(requestIDHeader, "req-1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if len(triggers) != 1 || triggers[0] != "api:req-1" {
		t.Errorf("unexpected triggers %v", triggers)
	}
}
