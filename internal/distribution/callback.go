package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/empathy-ledger/syndication-gateway/internal/storage"
	"github.com/empathy-ledger/syndication-gateway/internal/webhook"
)

// Callback errors.
var (
	ErrInvalidSignature = errors.New("invalid callback signature")
	ErrInvalidPayload   = errors.New("invalid callback payload")
)

// CallbackPayload is the body an external site posts back to us.
type CallbackPayload struct {
	Event          string         `json:"event"`
	Platform       string         `json:"platform,omitempty"`
	PlatformPostID string         `json:"platformPostId,omitempty"`
	Timestamp      string         `json:"timestamp,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CallbackResult reports what a callback did.
type CallbackResult struct {
	Event string `json:"event"`
	// Recognised is false for event types this version does not know; the
	// body is stored verbatim and the request still succeeds.
	Recognised bool   `json:"recognised"`
	Changed    bool   `json:"changed"`
	Status     string `json:"status"`
}

// HandleCallback verifies signature against the distribution's own secret
// before touching anything, then applies the event.
func (r *Registry) HandleCallback(ctx context.Context, distributionID, signature string, body []byte) (*CallbackResult, error) {
	d, err := r.store.GetDistribution(ctx, distributionID)
	if err != nil {
		return nil, err
	}
	if !webhook.Verify(d.WebhookSecret, body, signature) {
		return nil, ErrInvalidSignature
	}

	var p CallbackPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	event := normalizeEvent(p.Event)
	res := &CallbackResult{Event: event, Recognised: true, Status: string(d.Status)}
	raw := string(body)

	switch event {
	case "removed", "deleted", "takedown":
		return r.applyCallbackTransition(ctx, d, res, Change{
			From: []storage.DistributionStatus{
				storage.DistributionActive, storage.DistributionFlagged,
				storage.DistributionPendingRemoval, storage.DistributionFailed,
			},
			To:      storage.DistributionRemovedExternally,
			Update:  storage.DistributionUpdate{WebhookResponse: &raw, Platform: optional(p.Platform), PlatformPostID: optional(p.PlatformPostID)},
			Summary: fmt.Sprintf("site %s reported the story %s", d.SiteID, event),
		})
	case "flagged", "reported":
		return r.applyCallbackTransition(ctx, d, res, Change{
			From:    []storage.DistributionStatus{storage.DistributionActive},
			To:      storage.DistributionFlagged,
			Update:  storage.DistributionUpdate{WebhookResponse: &raw},
			Summary: fmt.Sprintf("site %s flagged the story", d.SiteID),
		})
	case "expired":
		return r.applyCallbackTransition(ctx, d, res, Change{
			From:    []storage.DistributionStatus{storage.DistributionActive, storage.DistributionFlagged},
			To:      storage.DistributionExpired,
			Update:  storage.DistributionUpdate{WebhookResponse: &raw},
			Summary: fmt.Sprintf("site %s reported the embed expired", d.SiteID),
		})
	case "view", "click":
		views, clicks := int64(0), int64(0)
		n := countFrom(p.Metadata)
		if event == "view" {
			views = n
		} else {
			clicks = n
		}
		if err := r.store.RecordDistributionEngagement(ctx, d.ID, views, clicks, r.now()); err != nil {
			return nil, err
		}
		res.Changed = true
		return res, nil
	default:
		res.Recognised = false
		if err := r.store.SetDistributionWebhookResponse(ctx, d.ID, raw); err != nil {
			return nil, err
		}
		r.logger.Info("unrecognised distribution callback stored", "distribution_id", d.ID, "event", p.Event)
		return res, nil
	}
}

// applyCallbackTransition treats a status that already moved on as a no-op so
// repeated callbacks are harmless.
func (r *Registry) applyCallbackTransition(ctx context.Context, d *storage.Distribution, res *CallbackResult, c Change) (*CallbackResult, error) {
	c.ActorType = storage.ActorSystem
	c.ActorID = "site:" + d.SiteID
	prev, err := r.Transition(ctx, d.ID, c)
	switch {
	case err == nil:
		res.Changed = true
		res.Status = string(c.To)
	case errors.Is(err, storage.ErrStatusConflict):
		res.Status = string(prev)
		if raw := c.Update.WebhookResponse; raw != nil {
			if err := r.store.SetDistributionWebhookResponse(ctx, d.ID, *raw); err != nil {
				return nil, err
			}
		}
	default:
		return nil, err
	}
	return res, nil
}

// countFrom reads an optional positive "count" from callback metadata.
func countFrom(meta map[string]any) int64 {
	if v, ok := meta["count"].(float64); ok && v >= 1 && v <= 1e6 {
		return int64(v)
	}
	return 1
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
