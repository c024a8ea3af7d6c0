package revocation

import (
	"context"
	"fmt"
	"strings"

	"github.com/empathy-ledger/syndication-gateway/internal/auth"
	"github.com/empathy-ledger/syndication-gateway/internal/webhook"
)

// WithdrawnReason is recorded when a storyteller withdraws a single grant.
const WithdrawnReason = "Consent withdrawn"

// Preview describes what a full revocation would do.
type Preview struct {
	StoryID             string   `json:"storyId"`
	StoryTitle          string   `json:"storyTitle"`
	ActiveEmbeds        int      `json:"activeEmbeds"`
	ActiveDistributions int      `json:"activeDistributions"`
	TotalViews          int64    `json:"totalViews"`
	WebhooksConfigured  int      `json:"webhooksConfigured"`
	Sites               []string `json:"sites"`
	EstimatedActions    []string `json:"estimatedActions"`
}

// Preview reports the embeds, distributions and webhooks a revocation of
// storyID would touch. It changes nothing.
func (o *Orchestrator) Preview(ctx context.Context, caller auth.Principal, storyID string) (*Preview, error) {
	story, err := o.authorize(ctx, caller, storyID)
	if err != nil {
		return nil, err
	}
	embeds, err := o.store.CountActiveEmbedTokens(ctx, story.ID, o.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to count embed tokens: %w", err)
	}
	all, err := o.registry.ListForStory(ctx, story.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list distributions: %w", err)
	}
	active, err := o.registry.ListActiveSitesForStory(ctx, story.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list distributions: %w", err)
	}

	p := &Preview{
		StoryID:             story.ID,
		StoryTitle:          story.Title,
		ActiveEmbeds:        embeds,
		ActiveDistributions: len(active),
		Sites:               make([]string, 0, len(active)),
	}
	if strings.TrimSpace(p.StoryTitle) == "" {
		p.StoryTitle = "Untitled"
	}
	for _, d := range all {
		p.TotalViews += d.ViewCount
	}
	for _, d := range active {
		p.Sites = append(p.Sites, d.SiteID)
		ok, err := o.reachable(ctx, d.SiteID, d.WebhookURL)
		if err != nil {
			return nil, err
		}
		if ok {
			p.WebhooksConfigured++
		}
	}

	p.EstimatedActions = []string{
		fmt.Sprintf("Revoke %d embed token(s)", p.ActiveEmbeds),
		fmt.Sprintf("Revoke %d distribution(s)", p.ActiveDistributions),
	}
	if p.WebhooksConfigured > 0 {
		p.EstimatedActions = append(p.EstimatedActions,
			fmt.Sprintf("Send %d removal webhook(s)", p.WebhooksConfigured))
	}
	return p, nil
}

// reachable reports whether a removal request could be sent to siteID.
func (o *Orchestrator) reachable(ctx context.Context, siteID, fallbackURL string) (bool, error) {
	if fallbackURL != "" {
		return true, nil
	}
	subs, err := o.store.ListSubscriptionsForApp(ctx, siteID)
	if err != nil {
		return false, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	for _, sub := range subs {
		if sub.Subscribes(webhook.EventContentRevoked) && !webhook.StateOf(sub).Disabled() {
			return true, nil
		}
	}
	return false, nil
}

// WithdrawConsent revokes the grant for one (story, site) pair. When the site
// holds a copy it is revoked like any other revocation; subscribed apps of the
// site are also told that consent was revoked.
func (o *Orchestrator) WithdrawConsent(ctx context.Context, caller auth.Principal, storyID, siteID, reason string) (*Result, error) {
	if strings.TrimSpace(siteID) == "" {
		return nil, fmt.Errorf("site id is required")
	}
	if strings.TrimSpace(reason) == "" {
		reason = WithdrawnReason
	}
	res, err := o.Revoke(ctx, caller, Request{StoryID: storyID, SiteIDs: []string{siteID}, Reason: reason})
	if err != nil {
		return nil, err
	}

	_, err = o.webhooks.Notify(context.WithoutCancel(ctx), webhook.Notification{
		AppID:    siteID,
		StoryID:  storyID,
		Event:    webhook.EventConsentRevoked,
		Metadata: map[string]any{"siteId": siteID, "reason": reason},
	})
	if err != nil {
		o.logger.Warn("consent.revoked notification failed", "story_id", storyID, "site_id", siteID, "error", err)
	}
	return res, nil
}
