package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/empathy-ledger/syndication-gateway/internal/revocation"
	"github.com/empathy-ledger/syndication-gateway/internal/storage"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// RevokeRequest is the body of POST /v1/stories/{storyID}/revoke.
type RevokeRequest struct {
	SiteIDs []string `json:"siteIds,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// HandleRevoke removes a story from every site holding it, or from the
// listed sites.
// POST /v1/stories/{storyID}/revoke
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	story, p, ok := h.ownedStory(w, r)
	if !ok {
		return
	}
	var req RevokeRequest
	if err := decode(r, &req, true); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	res, err := h.svc.Revocation.Revoke(r.Context(), p, revocation.Request{
		StoryID: story.ID,
		SiteIDs: req.SiteIDs,
		Reason:  req.Reason,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleRevocationPreview reports what a revocation would touch.
// GET /v1/stories/{storyID}/revocation-preview
func (h *Handler) HandleRevocationPreview(w http.ResponseWriter, r *http.Request) {
	story, p, ok := h.ownedStory(w, r)
	if !ok {
		return
	}
	preview, err := h.svc.Revocation.Preview(r.Context(), p, story.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// Distribution is the storyteller's view of a distribution. Callback
// secrets are never returned here.
type Distribution struct {
	ID               string                     `json:"id"`
	SiteID           string                     `json:"siteId"`
	Status           storage.DistributionStatus `json:"status"`
	WebhookURL       string                     `json:"webhookUrl,omitempty"`
	Platform         string                     `json:"platform,omitempty"`
	PlatformPostID   string                     `json:"platformPostId,omitempty"`
	ViewCount        int64                      `json:"viewCount"`
	ClickCount       int64                      `json:"clickCount"`
	LastViewedAt     *time.Time                 `json:"lastViewedAt,omitempty"`
	RevokedAt        *time.Time                 `json:"revokedAt,omitempty"`
	RevocationReason string                     `json:"revocationReason,omitempty"`
	CreatedAt        time.Time                  `json:"createdAt"`
	UpdatedAt        time.Time                  `json:"updatedAt"`
}

// HandleListDistributions lists every site that holds or held the story.
// GET /v1/stories/{storyID}/distributions
func (h *Handler) HandleListDistributions(w http.ResponseWriter, r *http.Request) {
	story, _, ok := h.ownedStory(w, r)
	if !ok {
		return
	}
	all, err := h.svc.Distribution.ListForStory(r.Context(), story.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]Distribution, 0, len(all))
	for _, d := range all {
		out = append(out, Distribution{
			ID:               d.ID,
			SiteID:           d.SiteID,
			Status:           d.Status,
			WebhookURL:       d.WebhookURL,
			Platform:         d.Platform,
			PlatformPostID:   d.PlatformPostID,
			ViewCount:        d.ViewCount,
			ClickCount:       d.ClickCount,
			LastViewedAt:     d.LastViewedAt,
			RevokedAt:        d.RevokedAt,
			RevocationReason: d.RevocationReason,
			CreatedAt:        d.CreatedAt,
			UpdatedAt:        d.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleAnalytics returns engagement totals for a story.
// GET /v1/stories/{storyID}/analytics
func (h *Handler) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	story, _, ok := h.ownedStory(w, r)
	if !ok {
		return
	}
	a, err := h.svc.Distribution.Analytics(r.Context(), story.ID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// AuditEntry is the JSON view of an audit record.
type AuditEntry struct {
	ID            string            `json:"id"`
	EntityType    string            `json:"entityType"`
	EntityID      string            `json:"entityId"`
	Action        string            `json:"action"`
	ActorType     storage.ActorType `json:"actorType"`
	ActorID       string            `json:"actorId,omitempty"`
	PreviousState string            `json:"previousState,omitempty"`
	NewState      string            `json:"newState,omitempty"`
	Summary       string            `json:"summary,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// HandleStoryAudit returns the story's audit trail, oldest first.
// GET /v1/stories/{storyID}/audit?limit=N
func (h *Handler) HandleStoryAudit(w http.ResponseWriter, r *http.Request) {
	story, _, ok := h.ownedStory(w, r)
	if !ok {
		return
	}
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxAuditLimit)
	}
	entries, err := h.svc.Audit.ListForStory(r.Context(), story.ID, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]AuditEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntry{
			ID:            e.ID,
			EntityType:    e.EntityType,
			EntityID:      e.EntityID,
			Action:        e.Action,
			ActorType:     e.ActorType,
			ActorID:       e.ActorID,
			PreviousState: e.PreviousState,
			NewState:      e.NewState,
			Summary:       e.Summary,
			CreatedAt:     e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
