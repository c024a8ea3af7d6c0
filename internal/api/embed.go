package api

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/empathy-ledger/syndication-gateway/internal/auth"
	"github.com/empathy-ledger/syndication-gateway/internal/consent"
	"github.com/empathy-ledger/syndication-gateway/internal/embed"
	"github.com/empathy-ledger/syndication-gateway/internal/metrics"
	"github.com/empathy-ledger/syndication-gateway/internal/middleware"
	"github.com/empathy-ledger/syndication-gateway/internal/storage"
)

// Consent headers on served content.
const (
	HeaderConsentVersion = "X-Empathy-Consent-Version"
	HeaderShareLevel     = "X-Empathy-Share-Level"
	HeaderAttribution    = "X-Empathy-Attribution"
	HeaderStoryStatus    = "X-Empathy-Story-Status"
)

// Inbound callback headers.
const (
	HeaderDistributionID   = "X-Distribution-ID"
	HeaderWebhookSignature = "X-Webhook-Signature"
)

// requestDomain is the host the embed is being shown on: the Origin or
// Referer host, else the domain query parameter.
func requestDomain(r *http.Request) string {
	for _, h := range []string{r.Header.Get("Origin"), r.Header.Get("Referer")} {
		if h == "" || h == "null" {
			continue
		}
		if u, err := url.Parse(h); err == nil && u.Host != "" {
			return embed.NormalizeDomain(u.Host)
		}
	}
	return embed.NormalizeDomain(r.URL.Query().Get("domain"))
}

// HandleEmbedStory serves a story to an external site.
// GET /v1/embed/stories/{storyID}
// Authorization: Bearer <embed token>
func (h *Handler) HandleEmbedStory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storyID := chi.URLParam(r, "storyID")
	domain := requestDomain(r)
	w.Header().Set("Cache-Control", "no-store")

	token := auth.BearerToken(r)
	if token == "" {
		metrics.RecordTokenValidation(string(embed.ReasonMalformed))
		WriteDenial(w, http.StatusUnauthorized, ErrCodeInvalidToken, string(embed.ReasonMalformed))
		return
	}
	v, err := h.svc.Tokens.Validate(ctx, token, embed.ValidateContext{RequestDomain: domain, StoryID: storyID})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !v.Valid {
		metrics.RecordTokenValidation(string(v.Reason))
		status := http.StatusUnauthorized
		if v.Reason == embed.ReasonDomainMismatch {
			status = http.StatusForbidden
		}
		WriteDenial(w, status, ErrCodeInvalidToken, string(v.Reason))
		return
	}
	metrics.RecordTokenValidation("valid")

	// The token proves what was granted at issue time; the live grant may
	// since have narrowed or been withdrawn.
	ev, err := h.svc.Consent.Check(ctx, storyID, v.Token.SiteID, consent.RequestContext{RequestType: "embed", Domain: domain})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !ev.Decision.Allowed {
		metrics.RecordConsentDecision(string(ev.Decision.Reason))
		WriteDenial(w, http.StatusForbidden, ErrCodeConsentDenied, string(ev.Decision.Reason))
		return
	}
	metrics.RecordConsentDecision("allowed")

	decision := consent.FromTokenScope(v.Token.Scope).Narrow(ev.Decision)
	content := consent.Render(ev.Story, ev.Grant, decision, h.opts.SummaryLength)

	status := string(storage.DistributionActive)
	if d, err := h.svc.Distribution.GetForSite(ctx, storyID, v.Token.SiteID); err == nil {
		status = string(d.Status)
		h.recordView(ctx, d.ID)
	}
	h.recordAccess(ctx, &storage.StoryAccess{StoryID: storyID, SiteID: v.Token.SiteID, TokenID: v.Token.ID, Domain: domain})

	w.Header().Set(HeaderConsentVersion, decision.ConsentVersion)
	w.Header().Set(HeaderShareLevel, decision.ShareLevel())
	w.Header().Set(HeaderAttribution, decision.Attribution())
	w.Header().Set(HeaderStoryStatus, status)
	writeJSON(w, http.StatusOK, content)
}

func (h *Handler) recordView(ctx context.Context, distributionID string) {
	if err := h.svc.Distribution.RecordView(context.WithoutCancel(ctx), distributionID); err != nil {
		middleware.Logger(ctx, h.logger).Warn("failed to record view", "distribution_id", distributionID, "error", err)
	}
}

func (h *Handler) recordAccess(ctx context.Context, a *storage.StoryAccess) {
	if err := h.svc.Store.RecordStoryAccess(context.WithoutCancel(ctx), a); err != nil {
		middleware.Logger(ctx, h.logger).Warn("failed to record access", "story_id", a.StoryID, "error", err)
	}
}

// HandleCallback accepts a signed status report from an external site.
// POST /v1/distributions/callback
// Headers: X-Distribution-ID, X-Webhook-Signature
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.Header.Get(HeaderDistributionID))
	if id == "" {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, HeaderDistributionID+" header is required")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusRequestEntityTooLarge, ErrCodeInvalidRequest, "request body too large")
		return
	}

	res, err := h.svc.Distribution.HandleCallback(r.Context(), id, r.Header.Get(HeaderWebhookSignature), body)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Recognised {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}
