package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ferrumgw/ferrum-gateway/internal/configstore"
)

type stubSource struct {
	healthy bool
}

func (s stubSource) Health(_ context.Context) map[string]interface{} {
	if s.healthy {
		return map[string]interface{}{"status": "healthy"}
	}
	return map[string]interface{}{"status": "unhealthy", "error": "connection refused"}
}

func TestHealth_HealthySourceAndLoadedStore(t *testing.T) {
	store := configstore.NewStore()
	if err := store.ApplyFull(nil, nil, nil, 1, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h := NewHandler(stubSource{healthy: true}, store)
	rr := httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("expected healthy status, got %q", resp.Status)
	}
	if resp.Checks["source"].Status != "pass" {
		t.Errorf("expected source check to pass, got %+v", resp.Checks["source"])
	}
}

func TestHealth_UnhealthySourceDegradesStatus(t *testing.T) {
	store := configstore.NewStore()
	h := NewHandler(stubSource{healthy: false}, store)
	rr := httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("expected degraded status, got %q", resp.Status)
	}
	if resp.Checks["source"].Status != "fail" {
		t.Errorf("expected source check to fail, got %+v", resp.Checks["source"])
	}
}

func TestHealth_NilSourceOmitsCheck(t *testing.T) {
	store := configstore.NewStore()
	h := NewHandler(nil, store)
	rr := httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp HealthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("expected healthy status with no source, got %q", resp.Status)
	}
	if _, ok := resp.Checks["source"]; ok {
		t.Error("expected no source check when source is nil")
	}
}

func TestReady_NotReadyBeforeFirstLoad(t *testing.T) {
	store := configstore.NewStore()
	h := NewHandler(nil, store)
	rr := httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before first load, got %d", rr.Code)
	}
}

func TestReady_ReadyOnceSnapshotLoadedEvenIfSourceDown(t *testing.T) {
	store := configstore.NewStore()
	if err := store.ApplyFull(nil, nil, nil, 1, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h := NewHandler(stubSource{healthy: false}, store)
	rr := httptest.NewRecorder()
	h.Ready(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 once a snapshot has loaded regardless of source health, got %d", rr.Code)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{90 * time.Second, "1m 30s"},
		{2 * time.Hour, "2h 0m 0s"},
		{49 * time.Hour, "2d 1h 0m 0s"},
	}
	for _, tc := range cases {
		if got := formatDuration(tc.d); got != tc.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}
