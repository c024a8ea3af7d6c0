package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/empathy-ledger/syndication-gateway/internal/auth"
	"github.com/empathy-ledger/syndication-gateway/internal/metrics"
	"github.com/empathy-ledger/syndication-gateway/internal/middleware"
	"github.com/empathy-ledger/syndication-gateway/internal/ratelimit"
	"github.com/empathy-ledger/syndication-gateway/internal/storage"
)

// Routes builds the service router. limiter may be nil to disable rate
// limiting on the public endpoints.
func (h *Handler) Routes(limiter ratelimit.Limiter) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(h.logger))
	r.Use(middleware.HTTPLogging(h.logger, nil))
	r.Use(metrics.Middleware)
	r.Use(chimw.Recoverer)
	r.Use(middleware.MaxBodySize(h.opts.MaxBodyBytes))

	// Public endpoints, reached by external sites.
	r.With(h.limit(limiter, "embed")).Get("/v1/embed/stories/{storyID}", h.HandleEmbedStory)
	r.With(h.limit(limiter, "callback")).Post("/v1/distributions/callback", h.HandleCallback)

	// Management API (API key).
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.svc.Resolver, h.logger))

		r.Route("/v1/stories/{storyID}", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireKind(storage.PrincipalSite))
				r.Post("/tokens", h.HandleIssueToken)
				r.Get("/consent-check", h.HandleConsentCheck)
			})

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireKind(storage.PrincipalStoryteller))
				r.Get("/consents", h.HandleListConsents)
				r.Put("/consents/{siteID}", h.HandlePutConsent)
				r.Delete("/consents/{siteID}", h.HandleDeleteConsent)
				r.Post("/revoke", h.HandleRevoke)
				r.Get("/revocation-preview", h.HandleRevocationPreview)
				r.Get("/distributions", h.HandleListDistributions)
				r.Get("/analytics", h.HandleAnalytics)
				r.Get("/audit", h.HandleStoryAudit)
			})

			r.With(auth.RequireKind(storage.PrincipalReviewer)).
				Post("/consents/{siteID}/cultural-review", h.HandleCulturalReview)
		})

		r.Route("/v1/webhooks", func(r chi.Router) {
			r.Use(auth.RequireKind(storage.PrincipalSite))
			r.Post("/", h.HandleRegisterWebhook)
			r.Get("/", h.HandleListWebhooks)
			r.Delete("/{id}", h.HandleDeleteWebhook)
		})
	})

	return r
}

func (h *Handler) limit(l ratelimit.Limiter, route string) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return ratelimit.Middleware(l, ratelimit.ClientIP, route, h.logger)
}
