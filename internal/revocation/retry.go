package revocation

import (
	"context"
	"errors"

	"github.com/empathy-ledger/syndication-gateway/internal/audit"
	"github.com/empathy-ledger/syndication-gateway/internal/distribution"
	"github.com/empathy-ledger/syndication-gateway/internal/storage"
	"github.com/empathy-ledger/syndication-gateway/internal/webhook"
)

// RetryFilter is a webhook.FilterFunc. A queued removal request is kept only
// while its distribution is still waiting for removal.
func (o *Orchestrator) RetryFilter(ctx context.Context, del *storage.WebhookDelivery) bool {
	if del.EventType != webhook.EventContentRevoked || del.DistributionID == "" {
		return true
	}
	d, err := o.registry.Get(ctx, del.DistributionID)
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	if err != nil {
		o.logger.Warn("failed to load distribution for retry", "distribution_id", del.DistributionID, "error", err)
		return true
	}
	return d.Status == storage.DistributionPendingRemoval || d.Status == storage.DistributionFailed
}

// HandleRetryOutcome is a webhook.OutcomeFunc. It moves the distribution
// behind a retried removal request to its final status.
func (o *Orchestrator) HandleRetryOutcome(ctx context.Context, del *storage.WebhookDelivery, res *webhook.Result) {
	if del.EventType != webhook.EventContentRevoked || del.DistributionID == "" {
		return
	}
	switch {
	case res.Delivered && Acknowledged(res.Response):
		upd := storage.DistributionUpdate{}
		if res.Response != "" {
			upd.WebhookResponse = &res.Response
		}
		o.transition(ctx, del.DistributionID, distribution.Change{
			From:      []storage.DistributionStatus{storage.DistributionPendingRemoval, storage.DistributionFailed},
			To:        storage.DistributionVerified,
			Update:    upd,
			ActorType: storage.ActorSystem,
			Summary:   "site confirmed removal on retry",
		})
	case res.Delivered:
		// From failed the status change is the record; from pending_removal
		// nothing moves, so the acknowledgement gets its own entry.
		if o.transition(ctx, del.DistributionID, distribution.Change{
			From:      []storage.DistributionStatus{storage.DistributionFailed},
			To:        storage.DistributionPendingRemoval,
			ActorType: storage.ActorSystem,
			Summary:   "site acknowledged the request on retry without confirming removal",
		}) {
			return
		}
		o.record(ctx, &storage.AuditEntry{
			StoryID:       del.StoryID,
			EntityType:    audit.EntityDistribution,
			EntityID:      del.DistributionID,
			Action:        audit.ActionRevocationNotified,
			ActorType:     storage.ActorSystem,
			PreviousState: string(storage.DistributionPendingRemoval),
			NewState:      string(storage.DistributionPendingRemoval),
			Summary:       "site acknowledged the request without confirming removal",
		})
	default:
		o.transition(ctx, del.DistributionID, distribution.Change{
			From:      []storage.DistributionStatus{storage.DistributionPendingRemoval},
			To:        storage.DistributionFailed,
			ActorType: storage.ActorSystem,
			Summary:   "removal request retries exhausted: " + res.LastError,
		})
	}
}
