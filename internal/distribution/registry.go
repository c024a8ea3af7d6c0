// Package distribution tracks which external sites hold a copy of a story and
// where each copy is in its lifecycle.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/empathy-ledger/syndication-gateway/internal/audit"
	"github.com/empathy-ledger/syndication-gateway/internal/metrics"
	"github.com/empathy-ledger/syndication-gateway/internal/storage"
	"github.com/empathy-ledger/syndication-gateway/internal/webhook"
)

// ErrTransitionNotAllowed is returned for an edge outside the state machine.
var ErrTransitionNotAllowed = errors.New("distribution transition not allowed")

var edges = map[storage.DistributionStatus][]storage.DistributionStatus{
	storage.DistributionActive: {
		storage.DistributionPendingRemoval, storage.DistributionFlagged,
		storage.DistributionExpired, storage.DistributionRemovedExternally,
	},
	storage.DistributionFlagged: {
		storage.DistributionPendingRemoval, storage.DistributionActive, storage.DistributionRemovedExternally,
	},
	storage.DistributionPendingRemoval: {
		storage.DistributionRemovedExternally, storage.DistributionVerified, storage.DistributionFailed,
	},
	storage.DistributionFailed: {
		storage.DistributionPendingRemoval, storage.DistributionVerified, storage.DistributionRemovedExternally,
	},
	storage.DistributionExpired: {
		storage.DistributionPendingRemoval,
	},
}

// resumable are the statuses a distribution leaves when the site is granted a
// new token after the story was withdrawn or its tokens lapsed. These edges
// are taken only by Resume, never by callbacks or revocation.
var resumable = []storage.DistributionStatus{
	storage.DistributionPendingRemoval,
	storage.DistributionRemovedExternally,
	storage.DistributionVerified,
	storage.DistributionFailed,
	storage.DistributionExpired,
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to storage.DistributionStatus) bool {
	return slices.Contains(edges[from], to)
}

// holding are the statuses in which a site may still be showing the story.
var holding = []storage.DistributionStatus{
	storage.DistributionActive,
	storage.DistributionFlagged,
	storage.DistributionExpired,
	storage.DistributionFailed,
}

// Store is the persistence the registry needs.
type Store interface {
	CreateDistributionIfAbsent(ctx context.Context, d *storage.Distribution) (*storage.Distribution, bool, error)
	GetDistribution(ctx context.Context, id string) (*storage.Distribution, error)
	GetDistributionForSite(ctx context.Context, storyID, siteID string) (*storage.Distribution, error)
	ListDistributionsForStory(ctx context.Context, storyID string) ([]*storage.Distribution, error)
	ListDistributionsByStatus(ctx context.Context, statuses ...storage.DistributionStatus) ([]*storage.Distribution, error)
	TransitionDistribution(ctx context.Context, id string, from []storage.DistributionStatus, to storage.DistributionStatus, upd storage.DistributionUpdate) error
	RecordDistributionEngagement(ctx context.Context, id string, views, clicks int64, at time.Time) error
	SetDistributionWebhookResponse(ctx context.Context, id, raw string) error
	LatestTokenExpiry(ctx context.Context, storyID, siteID string) (*time.Time, error)
	TopAccessDomains(ctx context.Context, storyID string, limit int) ([]storage.DomainCount, error)
}

// Auditor records transitions.
type Auditor interface {
	Record(ctx context.Context, e *storage.AuditEntry) error
}

// Registry is the distribution registry.
type Registry struct {
	store  Store
	audit  Auditor
	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry creates a Registry. logger may be nil.
func NewRegistry(store Store, auditor Auditor, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, audit: auditor, now: time.Now, logger: logger}
}

// SetClock overrides the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Get returns one distribution.
func (r *Registry) Get(ctx context.Context, id string) (*storage.Distribution, error) {
	return r.store.GetDistribution(ctx, id)
}

// GetForSite returns the distribution for (storyID, siteID).
func (r *Registry) GetForSite(ctx context.Context, storyID, siteID string) (*storage.Distribution, error) {
	return r.store.GetDistributionForSite(ctx, storyID, siteID)
}

// ListForStory returns every distribution of a story, past and present.
func (r *Registry) ListForStory(ctx context.Context, storyID string) ([]*storage.Distribution, error) {
	return r.store.ListDistributionsForStory(ctx, storyID)
}

// ListActiveSitesForStory returns the distributions whose site may still be
// showing the story: active, flagged, expired, or failed removal.
func (r *Registry) ListActiveSitesForStory(ctx context.Context, storyID string) ([]*storage.Distribution, error) {
	all, err := r.store.ListDistributionsForStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.Distribution, 0, len(all))
	for _, d := range all {
		if slices.Contains(holding, d.Status) {
			out = append(out, d)
		}
	}
	return out, nil
}

// UpsertOnFirstSyndication creates the distribution for (storyID, siteID) with
// a fresh callback secret. An existing row keeps its secret and endpoint; if it
// had been withdrawn or had expired it is resumed to active, since the caller
// has just been issued a token. created reports whether this call made the
// row; only then is the secret new to the caller.
func (r *Registry) UpsertOnFirstSyndication(ctx context.Context, storyID, siteID, webhookURL string) (d *storage.Distribution, created bool, err error) {
	if existing, err := r.store.GetDistributionForSite(ctx, storyID, siteID); err == nil {
		if !slices.Contains(resumable, existing.Status) {
			return existing, false, nil
		}
		resumed, err := r.Resume(ctx, existing.ID)
		if err != nil {
			return nil, false, err
		}
		return resumed, false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	secret, err := webhook.NewSecret()
	if err != nil {
		return nil, false, err
	}
	d, created, err = r.store.CreateDistributionIfAbsent(ctx, &storage.Distribution{
		StoryID:       storyID,
		SiteID:        siteID,
		Status:        storage.DistributionActive,
		WebhookURL:    webhookURL,
		WebhookSecret: secret,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		r.record(ctx, &storage.AuditEntry{
			StoryID:    storyID,
			EntityType: audit.EntityDistribution,
			EntityID:   d.ID,
			Action:     audit.ActionDistributionCreated,
			NewState:   string(d.Status),
			Summary:    fmt.Sprintf("story syndicated to site %s", siteID),
		})
	}
	return d, created, nil
}

// Change describes one status transition.
type Change struct {
	From      []storage.DistributionStatus
	To        storage.DistributionStatus
	Update    storage.DistributionUpdate
	ActorType storage.ActorType
	ActorID   string
	Summary   string
}

// Transition is the only status writer. It moves the distribution to c.To if
// its current status is in c.From and the edge is allowed, using a
// compare-and-set update so a concurrent writer is never overwritten. It
// returns the prior status. storage.ErrStatusConflict means the row is in
// some other status.
func (r *Registry) Transition(ctx context.Context, id string, c Change) (storage.DistributionStatus, error) {
	from := make([]storage.DistributionStatus, 0, len(c.From))
	for _, f := range c.From {
		if CanTransition(f, c.To) {
			from = append(from, f)
		}
	}
	if len(from) == 0 {
		return "", fmt.Errorf("%w: %v -> %s", ErrTransitionNotAllowed, c.From, c.To)
	}

	cur, err := r.store.GetDistribution(ctx, id)
	if err != nil {
		return "", err
	}
	if !slices.Contains(from, cur.Status) {
		return cur.Status, storage.ErrStatusConflict
	}
	if err := r.store.TransitionDistribution(ctx, id, []storage.DistributionStatus{cur.Status}, c.To, c.Update); err != nil {
		return cur.Status, err
	}

	metrics.RecordDistributionTransition(string(cur.Status), string(c.To))
	r.record(ctx, &storage.AuditEntry{
		StoryID:       cur.StoryID,
		EntityType:    audit.EntityDistribution,
		EntityID:      id,
		Action:        audit.ActionStatusChanged,
		ActorType:     c.ActorType,
		ActorID:       c.ActorID,
		PreviousState: string(cur.Status),
		NewState:      string(c.To),
		Summary:       c.Summary,
	})
	return cur.Status, nil
}

// Resume moves a withdrawn, failed or expired distribution back to active and
// clears its revocation fields. A distribution already active or flagged is
// returned as is. The update is compare-and-set like Transition.
func (r *Registry) Resume(ctx context.Context, id string) (*storage.Distribution, error) {
	cur, err := r.store.GetDistribution(ctx, id)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(resumable, cur.Status) {
		return cur, nil
	}
	err = r.store.TransitionDistribution(ctx, id, []storage.DistributionStatus{cur.Status},
		storage.DistributionActive, storage.DistributionUpdate{ClearRevocation: true})
	if errors.Is(err, storage.ErrStatusConflict) {
		// Someone else moved it first; report what is stored now.
		return r.store.GetDistribution(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	metrics.RecordDistributionTransition(string(cur.Status), string(storage.DistributionActive))
	r.record(ctx, &storage.AuditEntry{
		StoryID:       cur.StoryID,
		EntityType:    audit.EntityDistribution,
		EntityID:      id,
		Action:        audit.ActionDistributionResumed,
		ActorType:     storage.ActorSystem,
		PreviousState: string(cur.Status),
		NewState:      string(storage.DistributionActive),
		Summary:       fmt.Sprintf("new embed token issued to site %s", cur.SiteID),
	})
	return r.store.GetDistribution(ctx, id)
}

// RecordView adds one view to a distribution.
func (r *Registry) RecordView(ctx context.Context, id string) error {
	return r.store.RecordDistributionEngagement(ctx, id, 1, 0, r.now())
}

// ExpireStale moves active distributions with no unexpired, unrevoked token
// to expired. It returns how many moved.
func (r *Registry) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	active, err := r.store.ListDistributionsByStatus(ctx, storage.DistributionActive)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, d := range active {
		latest, err := r.store.LatestTokenExpiry(ctx, d.StoryID, d.SiteID)
		if err != nil {
			return moved, err
		}
		if latest != nil && latest.After(now) {
			continue
		}
		_, err = r.Transition(ctx, d.ID, Change{
			From:    []storage.DistributionStatus{storage.DistributionActive},
			To:      storage.DistributionExpired,
			Summary: "no unexpired embed token remains",
		})
		switch {
		case err == nil:
			moved++
		case errors.Is(err, storage.ErrStatusConflict):
			// Changed underneath us; leave it.
		default:
			return moved, err
		}
	}
	return moved, nil
}

// SiteStats is the per-site slice of story analytics.
type SiteStats struct {
	SiteID       string     `json:"siteId"`
	Status       string     `json:"status"`
	Views        int64      `json:"views"`
	Clicks       int64      `json:"clicks"`
	LastViewedAt *time.Time `json:"lastViewedAt,omitempty"`
}

// Analytics summarises engagement for a story across sites.
type Analytics struct {
	StoryID     string                `json:"storyId"`
	TotalViews  int64                 `json:"totalViews"`
	TotalClicks int64                 `json:"totalClicks"`
	ActiveSites int                   `json:"activeSites"`
	Sites       []SiteStats           `json:"sites"`
	TopDomains  []storage.DomainCount `json:"topDomains"`
}

// Analytics returns engagement totals, per-site counts and the most frequent
// requesting domains for a story.
func (r *Registry) Analytics(ctx context.Context, storyID string) (*Analytics, error) {
	all, err := r.store.ListDistributionsForStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	a := &Analytics{StoryID: storyID, Sites: make([]SiteStats, 0, len(all))}
	for _, d := range all {
		a.TotalViews += d.ViewCount
		a.TotalClicks += d.ClickCount
		if d.Status == storage.DistributionActive {
			a.ActiveSites++
		}
		a.Sites = append(a.Sites, SiteStats{
			SiteID:       d.SiteID,
			Status:       string(d.Status),
			Views:        d.ViewCount,
			Clicks:       d.ClickCount,
			LastViewedAt: d.LastViewedAt,
		})
	}
	a.TopDomains, err = r.store.TopAccessDomains(ctx, storyID, 10)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *Registry) record(ctx context.Context, e *storage.AuditEntry) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Record(ctx, e); err != nil {
		r.logger.Error("failed to write audit entry", "entity_id", e.EntityID, "action", e.Action, "error", err)
	}
}

func normalizeEvent(event string) string {
	return strings.ToLower(strings.TrimSpace(event))
}
