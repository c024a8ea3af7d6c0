package admin

import (
	"github.com/go-chi/chi/v5"

	"github.com/empathy-ledger/syndication-gateway/internal/auth"
)

// NewRouter creates the admin router. Mount it under /admin.
func (h *Handler) NewRouter() chi.Router {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(h.resolver, h.logger))

		// Available to any authenticated key
		r.Get("/whoami", h.HandleWhoami)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAdmin)

			r.Post("/loglevel", h.HandleSetLogLevel)

			r.Get("/principals", h.HandleListPrincipals)
			r.Post("/principals", h.HandleCreatePrincipal)
			r.Delete("/principals/{id}", h.HandleDeletePrincipal)

			r.Put("/stories/{storyID}", h.HandleUpsertStory)

			r.Post("/subscriptions/{id}/reactivate", h.HandleReactivateSubscription)
			r.Post("/sweep", h.HandleSweep)
		})
	})

	return r
}
