package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

// pingStorage implements Storage with only Ping doing anything.
type pingStorage struct {
	Storage
	err error
}

func (p *pingStorage) Ping(context.Context) error { return p.err }

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil, nil, nil, nil, slog.Default())
	w := httptest.NewRecorder()
	h.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status=ok, got %s", resp["status"])
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}
}

func TestHandleReady(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		storage    Storage
		wantStatus int
		wantDB     string
	}{
		{"storage connected", &pingStorage{}, http.StatusOK, "connected"},
		{"storage down", &pingStorage{err: errors.New("connection refused")}, http.StatusServiceUnavailable, "unavailable"},
		{"storage nil", nil, http.StatusServiceUnavailable, "not configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := NewHandler(tt.storage, nil, nil, nil, slog.Default())
			w := httptest.NewRecorder()
			h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			var resp map[string]any
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp["database"] != tt.wantDB {
				t.Errorf("expected database=%s, got %v", tt.wantDB, resp["database"])
			}
		})
	}
}
