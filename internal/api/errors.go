package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/empathy-ledger/syndication-gateway/internal/auth"
	"github.com/empathy-ledger/syndication-gateway/internal/distribution"
	"github.com/empathy-ledger/syndication-gateway/internal/embed"
	"github.com/empathy-ledger/syndication-gateway/internal/middleware"
	"github.com/empathy-ledger/syndication-gateway/internal/revocation"
	"github.com/empathy-ledger/syndication-gateway/internal/storage"
	"github.com/empathy-ledger/syndication-gateway/internal/webhook"
)

// Standard error codes for API responses.
const (
	// ErrCodeInvalidRequest indicates a malformed request body or parameter.
	ErrCodeInvalidRequest = "invalid_request"

	// ErrCodeInvalidCredentials indicates a missing or unknown API key.
	ErrCodeInvalidCredentials = "invalid_credentials"

	// ErrCodeForbidden indicates the key may not act on this resource.
	ErrCodeForbidden = "forbidden"

	// ErrCodeNotFound indicates a resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeConflict indicates a duplicate or a concurrent change.
	ErrCodeConflict = "conflict"

	// ErrCodeInvalidToken indicates an embed token failed validation; see reason.
	ErrCodeInvalidToken = "invalid_token"

	// ErrCodeConsentDenied indicates the consent ladder denied access; see reason.
	ErrCodeConsentDenied = "consent_denied"

	// ErrCodeInvalidSignature indicates a callback signature did not verify.
	ErrCodeInvalidSignature = "invalid_signature"

	// ErrCodeRevocationIncomplete indicates some site still has access after a
	// revocation; repeating the request retries those sites.
	ErrCodeRevocationIncomplete = "revocation_incomplete"

	// ErrCodeInternalError indicates a server error.
	ErrCodeInternalError = "internal_error"
)

// APIError is the standard error response format.
type APIError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// WriteError writes a JSON error response with the given status code, error code, and message.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeAPIError(w, status, APIError{Error: code, Message: message})
}

// WriteErrorWithHint writes a JSON error response with a hint for resolving the error.
func WriteErrorWithHint(w http.ResponseWriter, status int, code, message, hint string) {
	writeAPIError(w, status, APIError{Error: code, Message: message, Hint: hint})
}

// WriteDenial writes a token or consent denial carrying its machine-readable reason.
func WriteDenial(w http.ResponseWriter, status int, code, reason string) {
	writeAPIError(w, status, APIError{Error: code, Message: "access denied: " + reason, Reason: reason})
}

func writeAPIError(w http.ResponseWriter, status int, e APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; an encoding failure cannot be reported.
	_ = json.NewEncoder(w).Encode(e)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError maps a service error onto the HTTP error envelope.
// Anything unrecognised is logged and reported as a generic 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var consentErr *embed.ConsentError
	switch {
	case errors.As(err, &consentErr):
		WriteDenial(w, http.StatusForbidden, ErrCodeConsentDenied, string(consentErr.Reason))
	case errors.Is(err, storage.ErrNotFound):
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "resource not found")
	case errors.Is(err, storage.ErrDuplicate):
		WriteError(w, http.StatusConflict, ErrCodeConflict, "resource already exists")
	case errors.Is(err, storage.ErrStatusConflict):
		WriteError(w, http.StatusConflict, ErrCodeConflict, "resource changed concurrently; retry")
	case errors.Is(err, revocation.ErrUnauthorized), errors.Is(err, auth.ErrForbidden):
		WriteError(w, http.StatusForbidden, ErrCodeForbidden, "this key may not act on this story")
	case errors.Is(err, webhook.ErrInvalidURL), errors.Is(err, webhook.ErrInvalidEvent),
		errors.Is(err, storage.ErrScopeConflict), errors.Is(err, distribution.ErrInvalidPayload),
		errors.Is(err, errSiteRequired):
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
	case errors.Is(err, revocation.ErrInvalidationIncomplete):
		middleware.Logger(r.Context(), h.logger).Error("revocation left access live", "error", err)
		WriteErrorWithHint(w, http.StatusServiceUnavailable, ErrCodeRevocationIncomplete, err.Error(),
			"Repeat the request; sites already removed are skipped.")
	case errors.Is(err, distribution.ErrInvalidSignature):
		WriteError(w, http.StatusUnauthorized, ErrCodeInvalidSignature, "callback signature did not verify")
	default:
		middleware.Logger(r.Context(), h.logger).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
	}
}
