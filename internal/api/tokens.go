package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/empathy-ledger/syndication-gateway/internal/audit"
	"github.com/empathy-ledger/syndication-gateway/internal/auth"
	"github.com/empathy-ledger/syndication-gateway/internal/consent"
	"github.com/empathy-ledger/syndication-gateway/internal/embed"
	"github.com/empathy-ledger/syndication-gateway/internal/metrics"
	"github.com/empathy-ledger/syndication-gateway/internal/middleware"
	"github.com/empathy-ledger/syndication-gateway/internal/storage"
	"github.com/empathy-ledger/syndication-gateway/internal/webhook"
)

// IssueTokenRequest is the body of POST /v1/stories/{storyID}/tokens.
type IssueTokenRequest struct {
	SiteID     string `json:"siteId,omitempty"`
	Domain     string `json:"domain,omitempty"`
	WebhookURL string `json:"webhookUrl,omitempty"`
}

// IssueTokenResponse carries the token and the distribution it belongs to.
// CallbackSecret is only present the first time a site syndicates a story.
type IssueTokenResponse struct {
	Token          string             `json:"token"`
	TokenID        string             `json:"tokenId"`
	ExpiresAt      time.Time          `json:"expiresAt"`
	Scope          storage.TokenScope `json:"scope"`
	Reused         bool               `json:"reused"`
	DistributionID string             `json:"distributionId"`
	CallbackSecret string             `json:"callbackSecret,omitempty"`
}

// HandleIssueToken issues an embed token, or returns the active one.
// POST /v1/stories/{storyID}/tokens
func (h *Handler) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := auth.PrincipalFromContext(ctx)

	var req IssueTokenRequest
	if err := decode(r, &req, true); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	siteID, err := siteFor(p, req.SiteID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	webhookURL := strings.TrimSpace(req.WebhookURL)
	if webhookURL != "" {
		if err := webhook.ValidateURL(webhookURL); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
	}

	storyID := chi.URLParam(r, "storyID")
	story, err := h.svc.Store.GetStory(ctx, storyID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	grant, err := h.svc.Store.GetConsentGrant(ctx, storyID, siteID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.writeServiceError(w, r, err)
		return
	}

	issued, err := h.svc.Tokens.Issue(ctx, story, siteID, grant, h.opts.TokenTTL, req.Domain)
	if err != nil {
		var denied *embed.ConsentError
		if errors.As(err, &denied) {
			metrics.RecordConsentDecision(string(denied.Reason))
		}
		h.writeServiceError(w, r, err)
		return
	}
	metrics.RecordTokenIssued(issued.Reused)

	d, created, err := h.svc.Distribution.UpsertOnFirstSyndication(ctx, storyID, siteID, webhookURL)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !created && d.WebhookURL == "" && webhookURL != "" {
		if err := h.svc.Store.SetDistributionWebhookURL(ctx, d.ID, webhookURL); err != nil {
			middleware.Logger(ctx, h.logger).Warn("failed to store webhook url", "distribution_id", d.ID, "error", err)
		}
	}

	if !issued.Reused {
		actorType, actorID := actor(p)
		h.record(ctx, &storage.AuditEntry{
			StoryID:    storyID,
			EntityType: audit.EntityEmbedToken,
			EntityID:   issued.Record.ID,
			Action:     audit.ActionTokenIssued,
			ActorType:  actorType,
			ActorID:    actorID,
			NewState:   "active",
			Summary:    fmt.Sprintf("embed token issued to site %s", siteID),
		})
	}

	resp := IssueTokenResponse{
		Token:          issued.Token,
		TokenID:        issued.Record.ID,
		ExpiresAt:      issued.Record.ExpiresAt,
		Scope:          issued.Record.Scope,
		Reused:         issued.Reused,
		DistributionID: d.ID,
	}
	if created {
		resp.CallbackSecret = d.WebhookSecret
	}
	status := http.StatusCreated
	if issued.Reused {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// ConsentCheckResponse is the preflight answer for a site.
type ConsentCheckResponse struct {
	Allowed        bool   `json:"allowed"`
	Reason         string `json:"reason,omitempty"`
	ShareLevel     string `json:"shareLevel"`
	Attribution    string `json:"attribution"`
	MediaAllowed   bool   `json:"mediaAllowed"`
	ConsentVersion string `json:"consentVersion,omitempty"`
}

// HandleConsentCheck evaluates consent without issuing anything.
// GET /v1/stories/{storyID}/consent-check?site=<siteID>
func (h *Handler) HandleConsentCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID, err := siteFor(auth.PrincipalFromContext(ctx), r.URL.Query().Get("site"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	ev, err := h.svc.Consent.Check(ctx, chi.URLParam(r, "storyID"), siteID, consent.RequestContext{
		RequestType: "preflight",
		Domain:      embed.NormalizeDomain(r.URL.Query().Get("domain")),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	d := ev.Decision
	outcome := "allowed"
	if !d.Allowed {
		outcome = string(d.Reason)
	}
	metrics.RecordConsentDecision(outcome)
	writeJSON(w, http.StatusOK, ConsentCheckResponse{
		Allowed:        d.Allowed,
		Reason:         string(d.Reason),
		ShareLevel:     d.ShareLevel(),
		Attribution:    d.Attribution(),
		MediaAllowed:   d.MediaAllowed,
		ConsentVersion: d.ConsentVersion,
	})
}
