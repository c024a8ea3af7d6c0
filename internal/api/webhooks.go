package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/empathy-ledger/syndication-gateway/internal/auth"
	"github.com/empathy-ledger/syndication-gateway/internal/storage"
	"github.com/empathy-ledger/syndication-gateway/internal/webhook"
)

// RegisterWebhookRequest is the body of POST /v1/webhooks.
type RegisterWebhookRequest struct {
	AppID       string   `json:"appId,omitempty"`
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	Description string   `json:"description,omitempty"`
}

// Subscription is the JSON view of a webhook subscription. Secret is only
// set in the registration response.
type Subscription struct {
	ID                  string                    `json:"id"`
	AppID               string                    `json:"appId"`
	URL                 string                    `json:"url"`
	Events              []string                  `json:"events"`
	Description         string                    `json:"description,omitempty"`
	Secret              string                    `json:"secret,omitempty"`
	State               storage.SubscriptionState `json:"state"`
	NextAttemptAt       *time.Time                `json:"nextAttemptAt,omitempty"`
	FailureCount        int                       `json:"failureCount"`
	ConsecutiveFailures int                       `json:"consecutiveFailures"`
	LastSuccessAt       *time.Time                `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time                `json:"lastFailureAt,omitempty"`
	CreatedAt           time.Time                 `json:"createdAt"`
}

func subscriptionView(sub *storage.WebhookSubscription) Subscription {
	st := webhook.StateOf(sub)
	return Subscription{
		ID:                  sub.ID,
		AppID:               sub.AppID,
		URL:                 sub.URL,
		Events:              sub.Events,
		Description:         sub.Description,
		State:               st.Kind,
		NextAttemptAt:       st.NextAttemptAt,
		FailureCount:        sub.FailureCount,
		ConsecutiveFailures: sub.ConsecutiveFailures,
		LastSuccessAt:       sub.LastSuccessAt,
		LastFailureAt:       sub.LastFailureAt,
		CreatedAt:           sub.CreatedAt,
	}
}

// HandleRegisterWebhook subscribes a site app to events.
// POST /v1/webhooks
func (h *Handler) HandleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req RegisterWebhookRequest
	if err := decode(r, &req, false); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	appID, err := siteFor(auth.PrincipalFromContext(r.Context()), req.AppID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if len(req.Events) == 0 {
		WriteErrorWithHint(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			"at least one event is required", "Subscribe to content_revoked to receive removal requests")
		return
	}

	reg, err := h.svc.Webhooks.Register(r.Context(), appID, req.URL, req.Events, req.Description)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	view := subscriptionView(reg.Subscription)
	view.Secret = reg.Secret
	writeJSON(w, http.StatusCreated, view)
}

// HandleListWebhooks lists the caller's subscriptions.
// GET /v1/webhooks
func (h *Handler) HandleListWebhooks(w http.ResponseWriter, r *http.Request) {
	appID, err := siteFor(auth.PrincipalFromContext(r.Context()), r.URL.Query().Get("appId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	subs, err := h.svc.Webhooks.Subscriptions(r.Context(), appID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, subscriptionView(sub))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleDeleteWebhook removes one of the caller's subscriptions.
// DELETE /v1/webhooks/{id}
func (h *Handler) HandleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	appID, err := siteFor(auth.PrincipalFromContext(r.Context()), r.URL.Query().Get("appId"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if err := h.svc.Webhooks.Unregister(r.Context(), chi.URLParam(r, "id"), appID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
