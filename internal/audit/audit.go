// Package audit is the append-only ledger of consent, distribution and
// revocation transitions, readable by the storyteller.
package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/empathy-ledger/syndication-gateway/internal/storage"
)

// Entity types.
const (
	EntityStory        = "story"
	EntityConsent      = "consent_grant"
	EntityEmbedToken   = "embed_token"
	EntityDistribution = "distribution"
	EntitySubscription = "webhook_subscription"
)

// Actions.
const (
	ActionConsentGranted      = "consent_granted"
	ActionConsentUpdated      = "consent_updated"
	ActionConsentRevoked      = "consent_revoked"
	ActionCulturalReview      = "cultural_review"
	ActionTokenIssued         = "token_issued"
	ActionTokensRevoked       = "tokens_revoked"
	ActionDistributionCreated = "distribution_created"
	ActionDistributionResumed = "distribution_resumed"
	ActionStatusChanged       = "status_changed"
	ActionRevocationNotified  = "revocation_notified"
	ActionRevocationCompleted = "revocation_completed"
	ActionSubscriptionState   = "subscription_state"
)

// SiteKey is the entity id under which per-(story, site) records such as
// consent grants and token batches are audited.
func SiteKey(storyID, siteID string) string {
	return storyID + ":" + siteID
}

// Store is the audit persistence. It has no update or delete operations.
type Store interface {
	AppendAudit(ctx context.Context, e *storage.AuditEntry) error
	ListAuditForStory(ctx context.Context, storyID string, limit int) ([]*storage.AuditEntry, error)
	ListAuditForEntity(ctx context.Context, entityType, entityID string, limit int) ([]*storage.AuditEntry, error)
}

// Log appends audit entries and mirrors each one to the structured log.
type Log struct {
	store  Store
	logger *slog.Logger
}

// New creates an audit Log.
func New(store Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: store, logger: logger}
}

// Record appends e.
func (l *Log) Record(ctx context.Context, e *storage.AuditEntry) error {
	if e.EntityType == "" || e.EntityID == "" || e.Action == "" {
		return fmt.Errorf("audit entry requires entity type, entity id and action")
	}
	if err := l.store.AppendAudit(ctx, e); err != nil {
		return err
	}
	l.logger.Info("audit",
		"audit_id", e.ID,
		"story_id", e.StoryID,
		"entity_type", e.EntityType,
		"entity_id", e.EntityID,
		"action", e.Action,
		"actor_type", string(e.ActorType),
		"actor_id", e.ActorID,
		"previous_state", e.PreviousState,
		"new_state", e.NewState,
	)
	return nil
}

// RecordBestEffort appends e and logs instead of returning a failure. Used
// where the surrounding operation has already taken effect.
func (l *Log) RecordBestEffort(ctx context.Context, e *storage.AuditEntry) {
	if err := l.Record(ctx, e); err != nil {
		l.logger.Error("failed to write audit entry", "action", e.Action, "entity_id", e.EntityID, "error", err)
	}
}

// ListForStory returns every entry touching a story, oldest first.
func (l *Log) ListForStory(ctx context.Context, storyID string, limit int) ([]*storage.AuditEntry, error) {
	return l.store.ListAuditForStory(ctx, storyID, limit)
}

// ListForEntity returns the entries for one entity, oldest first.
func (l *Log) ListForEntity(ctx context.Context, entityType, entityID string, limit int) ([]*storage.AuditEntry, error) {
	return l.store.ListAuditForEntity(ctx, entityType, entityID, limit)
}
