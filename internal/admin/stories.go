package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/empathy-ledger/syndication-gateway/internal/storage"
	"github.com/empathy-ledger/syndication-gateway/internal/webhook"
)

// StoryRequest is a story as pushed by the storytelling platform.
// PUT /api/stories/{storyID}
type StoryRequest struct {
	TenantID                string                `json:"tenantId,omitempty"`
	StorytellerID           string                `json:"storytellerId"`
	StorytellerDisplayName  string                `json:"storytellerDisplayName,omitempty"`
	Title                   string                `json:"title"`
	Content                 string                `json:"content"`
	Excerpt                 string                `json:"excerpt,omitempty"`
	Themes                  []string              `json:"themes,omitempty"`
	MediaURLs               []string              `json:"mediaUrls,omitempty"`
	CulturalPermissionLevel storage.CulturalLevel `json:"culturalPermissionLevel,omitempty"`
	IsPublic                bool                  `json:"isPublic"`
}

// StoryResponse reports the upsert and how many sites were told.
type StoryResponse struct {
	ID            string `json:"id"`
	Created       bool   `json:"created"`
	SitesNotified int    `json:"sitesNotified"`
}

// HandleUpsertStory creates or replaces a story. Sites holding an active
// grant for an existing story are sent story.updated.
func (h *Handler) HandleUpsertStory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	storyID := strings.TrimSpace(chi.URLParam(r, "storyID"))

	var req StoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.StorytellerID) == "" {
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "storytellerId is required")
		return
	}
	switch req.CulturalPermissionLevel {
	case "":
		req.CulturalPermissionLevel = storage.CulturalPublic
	case storage.CulturalPublic, storage.CulturalCommunity, storage.CulturalRestricted, storage.CulturalSacred:
	default:
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest,
			"invalid culturalPermissionLevel (must be: public, community, restricted, sacred)")
		return
	}

	_, err := h.storage.GetStory(ctx, storyID)
	created := errors.Is(err, storage.ErrNotFound)
	if err != nil && !created {
		h.logger.Error("failed to load story", "story_id", storyID, "error", err)
		WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
		return
	}

	story := &storage.Story{
		ID:                      storyID,
		TenantID:                req.TenantID,
		StorytellerID:           req.StorytellerID,
		StorytellerDisplayName:  req.StorytellerDisplayName,
		Title:                   req.Title,
		Content:                 req.Content,
		Excerpt:                 req.Excerpt,
		Themes:                  req.Themes,
		MediaURLs:               req.MediaURLs,
		CulturalPermissionLevel: req.CulturalPermissionLevel,
		IsPublic:                req.IsPublic,
	}
	if err := h.storage.UpsertStory(ctx, story); err != nil {
		h.logger.Error("failed to upsert story", "story_id", storyID, "error", err)
		WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
		return
	}

	resp := StoryResponse{ID: storyID, Created: created}
	if !created {
		resp.SitesNotified = h.notifyStoryUpdated(ctx, story)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (h *Handler) notifyStoryUpdated(ctx context.Context, story *storage.Story) int {
	ctx = context.WithoutCancel(ctx)
	grants, err := h.storage.ListConsentGrantsForStory(ctx, story.ID)
	if err != nil {
		h.logger.Warn("failed to list grants for story.updated", "story_id", story.ID, "error", err)
		return 0
	}
	notified := 0
	for _, g := range grants {
		if !g.Active() {
			continue
		}
		results, err := h.webhooks.Notify(ctx, webhook.Notification{
			AppID:   g.SiteID,
			StoryID: story.ID,
			Event:   webhook.EventStoryUpdated,
			Metadata: map[string]any{
				"siteId":                  g.SiteID,
				"culturalPermissionLevel": story.CulturalPermissionLevel,
			},
		})
		if err != nil {
			h.logger.Warn("story.updated notification failed", "story_id", story.ID, "site_id", g.SiteID, "error", err)
		}
		if len(results) > 0 {
			notified++
		}
	}
	return notified
}
