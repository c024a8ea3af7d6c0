package admin

import (
	"net/http"

	"github.com/empathy-ledger/syndication-gateway/internal/auth"
)

// RequireAdmin is middleware that requires an admin principal.
// It must be used after auth.Middleware.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.PrincipalFromContext(r.Context()).IsAdmin() {
			WriteErrorWithHint(w, http.StatusForbidden, ErrCodeAdminRequired,
				"This endpoint requires an admin key",
				"Use a key created with kind \"admin\" to access admin endpoints")
			return
		}
		next.ServeHTTP(w, r)
	})
}
