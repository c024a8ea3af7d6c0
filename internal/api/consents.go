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
	"github.com/empathy-ledger/syndication-gateway/internal/storage"
	"github.com/empathy-ledger/syndication-gateway/internal/webhook"
)

// GrantRequest is the body of PUT /v1/stories/{storyID}/consents/{siteID}.
type GrantRequest struct {
	ConsentGranted           *bool                         `json:"consentGranted"`
	ShareFullContent         bool                          `json:"shareFullContent"`
	ShareSummaryOnly         bool                          `json:"shareSummaryOnly"`
	ShareMedia               bool                          `json:"shareMedia"`
	ShareAttribution         bool                          `json:"shareAttribution"`
	AnonymousSharing         bool                          `json:"anonymousSharing"`
	CulturalRestrictions     []storage.CulturalRestriction `json:"culturalRestrictions,omitempty"`
	RequiresCulturalApproval bool                          `json:"requiresCulturalApproval"`
}

// Grant is the JSON view of a consent grant.
type Grant struct {
	StoryID                  string                        `json:"storyId"`
	SiteID                   string                        `json:"siteId"`
	ConsentGranted           bool                          `json:"consentGranted"`
	GrantedAt                *time.Time                    `json:"grantedAt,omitempty"`
	RevokedAt                *time.Time                    `json:"revokedAt,omitempty"`
	ShareFullContent         bool                          `json:"shareFullContent"`
	ShareSummaryOnly         bool                          `json:"shareSummaryOnly"`
	ShareMedia               bool                          `json:"shareMedia"`
	ShareAttribution         bool                          `json:"shareAttribution"`
	AnonymousSharing         bool                          `json:"anonymousSharing"`
	CulturalRestrictions     []storage.CulturalRestriction `json:"culturalRestrictions"`
	RequiresCulturalApproval bool                          `json:"requiresCulturalApproval"`
	CulturalApprovalStatus   storage.ApprovalStatus        `json:"culturalApprovalStatus"`
	UpdatedAt                time.Time                     `json:"updatedAt"`
}

func grantView(g *storage.ConsentGrant) Grant {
	restrictions := g.CulturalRestrictions
	if restrictions == nil {
		restrictions = []storage.CulturalRestriction{}
	}
	return Grant{
		StoryID:                  g.StoryID,
		SiteID:                   g.SiteID,
		ConsentGranted:           g.ConsentGranted,
		GrantedAt:                g.GrantedAt,
		RevokedAt:                g.RevokedAt,
		ShareFullContent:         g.ShareFullContent,
		ShareSummaryOnly:         g.ShareSummaryOnly,
		ShareMedia:               g.ShareMedia,
		ShareAttribution:         g.ShareAttribution,
		AnonymousSharing:         g.AnonymousSharing,
		CulturalRestrictions:     restrictions,
		RequiresCulturalApproval: g.RequiresCulturalApproval,
		CulturalApprovalStatus:   g.CulturalApprovalStatus,
		UpdatedAt:                g.UpdatedAt,
	}
}

// HandleListConsents returns every grant recorded for a story.
// GET /v1/stories/{storyID}/consents
func (h *Handler) HandleListConsents(w http.ResponseWriter, r *http.Request) {
	story, _, ok := h.ownedStory(w, r)
	if !ok {
		return
	}
	grants, err := h.svc.Store.ListConsentGrantsForStory(r.Context(), story.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]Grant, 0, len(grants))
	for _, g := range grants {
		out = append(out, grantView(g))
	}
	writeJSON(w, http.StatusOK, out)
}

// HandlePutConsent writes the storyteller's grant for one site.
// PUT /v1/stories/{storyID}/consents/{siteID}
func (h *Handler) HandlePutConsent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	story, p, ok := h.ownedStory(w, r)
	if !ok {
		return
	}
	siteID := strings.TrimSpace(chi.URLParam(r, "siteID"))

	var req GrantRequest
	if err := decode(r, &req, false); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	if req.ConsentGranted != nil && !*req.ConsentGranted {
		WriteErrorWithHint(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			"consentGranted=false is not a grant",
			"Use DELETE on this resource to withdraw consent")
		return
	}

	prev, err := h.svc.Store.GetConsentGrant(ctx, story.ID, siteID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		h.writeServiceError(w, r, err)
		return
	}

	g := &storage.ConsentGrant{
		StoryID:                  story.ID,
		SiteID:                   siteID,
		ConsentGranted:           true,
		ShareFullContent:         req.ShareFullContent,
		ShareSummaryOnly:         req.ShareSummaryOnly,
		ShareMedia:               req.ShareMedia,
		ShareAttribution:         req.ShareAttribution,
		AnonymousSharing:         req.AnonymousSharing,
		CulturalRestrictions:     req.CulturalRestrictions,
		RequiresCulturalApproval: req.RequiresCulturalApproval,
		CulturalApprovalStatus:   storage.ApprovalPending,
	}
	action, event, prevState := audit.ActionConsentGranted, webhook.EventConsentGranted, ""
	if prev != nil {
		g.CreatedAt = prev.CreatedAt
		if prev.Active() {
			g.GrantedAt = prev.GrantedAt
			action, event, prevState = audit.ActionConsentUpdated, webhook.EventConsentUpdated, "granted"
		} else {
			prevState = "revoked"
		}
		// A review already given stands while the grant still asks for it.
		if prev.RequiresCulturalApproval && g.RequiresCulturalApproval {
			g.CulturalApprovalStatus = prev.CulturalApprovalStatus
		}
	}

	if err := h.svc.Store.UpsertConsentGrant(ctx, g); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	actorType, actorID := actor(p)
	h.record(ctx, &storage.AuditEntry{
		StoryID:       story.ID,
		EntityType:    audit.EntityConsent,
		EntityID:      audit.SiteKey(story.ID, siteID),
		Action:        action,
		ActorType:     actorType,
		ActorID:       actorID,
		PreviousState: prevState,
		NewState:      "granted",
		Summary:       fmt.Sprintf("consent for site %s", siteID),
	})
	h.notifyAsync(ctx, webhook.Notification{
		AppID:   siteID,
		StoryID: story.ID,
		Event:   event,
		Metadata: map[string]any{
			"siteId":                   siteID,
			"shareFullContent":         g.ShareFullContent,
			"shareMedia":               g.ShareMedia,
			"requiresCulturalApproval": g.RequiresCulturalApproval,
		},
	})

	status := http.StatusOK
	if action == audit.ActionConsentGranted {
		status = http.StatusCreated
	}
	writeJSON(w, status, grantView(g))
}

// WithdrawRequest optionally carries the storyteller's reason.
type WithdrawRequest struct {
	Reason string `json:"reason,omitempty"`
}

// HandleDeleteConsent withdraws a grant and removes the story from that site.
// DELETE /v1/stories/{storyID}/consents/{siteID}
func (h *Handler) HandleDeleteConsent(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := decode(r, &req, true); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	p := auth.PrincipalFromContext(r.Context())
	res, err := h.svc.Revocation.WithdrawConsent(r.Context(), p,
		chi.URLParam(r, "storyID"), chi.URLParam(r, "siteID"), req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CulturalReviewRequest is a reviewer's decision.
type CulturalReviewRequest struct {
	Decision storage.ApprovalStatus `json:"decision"`
	Notes    string                 `json:"notes,omitempty"`
}

// HandleCulturalReview records a cultural reviewer's decision on a grant.
// POST /v1/stories/{storyID}/consents/{siteID}/cultural-review
func (h *Handler) HandleCulturalReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storyID, siteID := chi.URLParam(r, "storyID"), chi.URLParam(r, "siteID")

	var req CulturalReviewRequest
	if err := decode(r, &req, false); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	event := ""
	switch req.Decision {
	case storage.ApprovalApproved:
		event = webhook.EventCulturalApproved
	case storage.ApprovalDenied:
		event = webhook.EventCulturalDenied
	default:
		WriteErrorWithHint(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			"unknown review decision", `decision must be "approved" or "denied"`)
		return
	}

	prev, err := h.svc.Store.GetConsentGrant(ctx, storyID, siteID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if err := h.svc.Store.SetCulturalApproval(ctx, storyID, siteID, req.Decision); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	summary := "cultural review for site " + siteID
	if req.Notes != "" {
		summary += ": " + req.Notes
	}
	actorType, actorID := actor(auth.PrincipalFromContext(ctx))
	h.record(ctx, &storage.AuditEntry{
		StoryID:       storyID,
		EntityType:    audit.EntityConsent,
		EntityID:      audit.SiteKey(storyID, siteID),
		Action:        audit.ActionCulturalReview,
		ActorType:     actorType,
		ActorID:       actorID,
		PreviousState: string(prev.CulturalApprovalStatus),
		NewState:      string(req.Decision),
		Summary:       summary,
	})
	h.notifyAsync(ctx, webhook.Notification{
		AppID:    siteID,
		StoryID:  storyID,
		Event:    event,
		Metadata: map[string]any{"siteId": siteID},
	})

	prev.CulturalApprovalStatus = req.Decision
	writeJSON(w, http.StatusOK, grantView(prev))
}
