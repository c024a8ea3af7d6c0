package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/empathy-ledger/syndication-gateway/internal/metrics"
	"github.com/empathy-ledger/syndication-gateway/internal/storage"
)

// Middleware returns chi-compatible middleware that resolves the
// "Authorization: Bearer <key>" header to a Principal in the request context.
func Middleware(r *Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			p, err := r.Resolve(req.Context(), BearerToken(req))
			switch {
			case err == nil:
			case errors.Is(err, ErrMissingKey):
				metrics.RecordAuthFailure("missing_key")
				writeJSONError(w, http.StatusUnauthorized, "invalid_credentials", "missing API key")
				return
			case errors.Is(err, ErrInvalidKey):
				metrics.RecordAuthFailure("invalid_key")
				logger.Warn("invalid API key attempt", "remote_addr", req.RemoteAddr)
				writeJSONError(w, http.StatusUnauthorized, "invalid_credentials", "invalid API key")
				return
			case errors.Is(err, ErrBootstrapLocked):
				metrics.RecordAuthFailure("bootstrap_locked")
				writeJSONError(w, http.StatusForbidden, "bootstrap_locked",
					"bootstrap key is locked; use an admin API key instead")
				return
			default:
				logger.Error("failed to resolve API key", "error", err)
				writeJSONError(w, http.StatusInternalServerError, "internal_error", "internal error")
				return
			}
			next.ServeHTTP(w, req.WithContext(WithPrincipal(req.Context(), p)))
		})
	}
}

// RequireKind rejects principals that are neither admins nor one of kinds.
func RequireKind(kinds ...storage.PrincipalKind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			p := PrincipalFromContext(req.Context())
			if p.IsZero() {
				writeJSONError(w, http.StatusUnauthorized, "invalid_credentials", "authentication required")
				return
			}
			if !p.IsAdmin() && !slices.Contains(kinds, p.Kind) {
				metrics.RecordAuthFailure("forbidden")
				writeJSONError(w, http.StatusForbidden, "forbidden", "this key may not perform this operation")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

// BearerToken gets the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
