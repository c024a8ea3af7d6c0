package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/empathy-ledger/syndication-gateway/internal/storage"
)

func newTestResolver() (*Resolver, *mockStorage) {
	store := &mockStorage{principals: map[string]*storage.Principal{
		HashKey("elk_storyteller"): {ID: "p1", Kind: storage.PrincipalStoryteller, SubjectID: "st-1"},
		HashKey("elk_admin"):       {ID: "p2", Kind: storage.PrincipalAdmin},
	}, hasAdmin: true}
	return NewResolver(store, NewBootstrapService(store, "boot-key")), store
}

func echoPrincipal() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(PrincipalFromContext(r.Context()))
	})
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	resolver, _ := newTestResolver()
	handler := Middleware(resolver, nil)(echoPrincipal())

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantError  string
		wantID     string
	}{
		{"valid key", "Bearer elk_storyteller", http.StatusOK, "", "p1"},
		{"case-insensitive scheme", "bearer elk_admin", http.StatusOK, "", "p2"},
		{"missing header", "", http.StatusUnauthorized, "invalid_credentials", ""},
		{"wrong scheme", "Basic elk_admin", http.StatusUnauthorized, "invalid_credentials", ""},
		{"unknown key", "Bearer elk_nope", http.StatusUnauthorized, "invalid_credentials", ""},
		{"locked bootstrap key", "Bearer boot-key", http.StatusForbidden, "bootstrap_locked", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/v1/stories/s1/audit", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantError != "" {
				var body map[string]string
				_ = json.Unmarshal(rec.Body.Bytes(), &body)
				if body["error"] != tt.wantError {
					t.Errorf("error = %q, want %q", body["error"], tt.wantError)
				}
				return
			}
			var p Principal
			_ = json.Unmarshal(rec.Body.Bytes(), &p)
			if p.ID != tt.wantID {
				t.Errorf("principal ID = %q, want %q", p.ID, tt.wantID)
			}
		})
	}
}

func TestMiddlewareStorageError(t *testing.T) {
	t.Parallel()

	resolver, store := newTestResolver()
	store.err = errors.New("db down")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer elk_admin")
	rec := httptest.NewRecorder()
	Middleware(resolver, nil)(echoPrincipal()).ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestRequireKind(t *testing.T) {
	t.Parallel()

	guard := RequireKind(storage.PrincipalSite)(echoPrincipal())
	tests := []struct {
		name string
		p    Principal
		want int
	}{
		{"site", Principal{ID: "a", Kind: storage.PrincipalSite, SubjectID: "site-a"}, http.StatusOK},
		{"admin", Principal{ID: "b", Kind: storage.PrincipalAdmin}, http.StatusOK},
		{"storyteller", Principal{ID: "c", Kind: storage.PrincipalStoryteller, SubjectID: "st"}, http.StatusForbidden},
		{"anonymous", Principal{}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/v1/webhooks", nil)
			req = req.WithContext(WithPrincipal(req.Context(), tt.p))
			rec := httptest.NewRecorder()
			guard.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer  elk_x ")
	if got := BearerToken(req); got != "elk_x" {
		t.Errorf("BearerToken() = %q", got)
	}
}
