// Package revocation withdraws a story from every site that holds a copy:
// consent and tokens first, then a signed removal request to each site.
package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/empathy-ledger/syndication-gateway/internal/audit"
	"github.com/empathy-ledger/syndication-gateway/internal/auth"
	"github.com/empathy-ledger/syndication-gateway/internal/distribution"
	"github.com/empathy-ledger/syndication-gateway/internal/metrics"
	"github.com/empathy-ledger/syndication-gateway/internal/storage"
	"github.com/empathy-ledger/syndication-gateway/internal/webhook"
)

// ErrUnauthorized is returned when the caller does not own the story.
var ErrUnauthorized = errors.New("caller may not revoke this story")

// ErrInvalidationIncomplete is returned with the result when a site's grant or
// tokens could not be revoked after every in-line retry. Those sites keep
// their distribution untouched so a repeated revocation targets them again.
var ErrInvalidationIncomplete = errors.New("grant or token revocation incomplete")

// DefaultReason is recorded when a request carries no reason.
const DefaultReason = "Storyteller revoked consent"

const defaultConcurrency = 4

const (
	invalidateAttempts     = 3
	defaultInvalidateDelay = 100 * time.Millisecond
)

// SiteStatus is the outcome of revoking one site.
type SiteStatus string

// Site outcomes.
const (
	// SiteVerified means the site confirmed removal, or never held a copy.
	SiteVerified SiteStatus = "verified"
	// SiteNotified means the site accepted the request without confirming removal.
	SiteNotified SiteStatus = "notified"
	SiteFailed   SiteStatus = "failed"
)

// removable are the distribution statuses a revocation moves to pending_removal.
var removable = []storage.DistributionStatus{
	storage.DistributionActive,
	storage.DistributionFlagged,
	storage.DistributionExpired,
	storage.DistributionFailed,
}

// Request asks for a story to be withdrawn. Empty SiteIDs means every site
// currently holding the story.
type Request struct {
	StoryID string   `json:"storyId"`
	SiteIDs []string `json:"siteIds,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// SiteResult reports one site.
type SiteResult struct {
	SiteID         string     `json:"siteId"`
	DistributionID string     `json:"distributionId,omitempty"`
	Status         SiteStatus `json:"status"`
	TokensRevoked  int64      `json:"tokensRevoked"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"lastError,omitempty"`
	RetryScheduled bool       `json:"retryScheduled"`
	NextAttemptAt  *time.Time `json:"nextAttemptAt,omitempty"`

	// accessLive is set when the grant or tokens could not be revoked.
	accessLive bool
}

// Result reports a whole revocation. Success is true only when every site is
// verified.
type Result struct {
	StoryID        string       `json:"storyId"`
	Success        bool         `json:"success"`
	Message        string       `json:"message"`
	TokensRevoked  int64        `json:"tokensRevoked"`
	WebhooksSent   int          `json:"webhooksSent"`
	WebhooksFailed int          `json:"webhooksFailed"`
	Sites          []SiteResult `json:"sites"`
}

// Store is the persistence the orchestrator reads and writes directly.
type Store interface {
	GetStory(ctx context.Context, id string) (*storage.Story, error)
	RevokeConsentGrant(ctx context.Context, storyID, siteID string, at time.Time) (bool, error)
	CountActiveEmbedTokens(ctx context.Context, storyID string, now time.Time) (int, error)
	ListSubscriptionsForApp(ctx context.Context, appID string) ([]*storage.WebhookSubscription, error)
}

// Tokens revokes embed tokens.
type Tokens interface {
	RevokeForSite(ctx context.Context, storyID, siteID, reason string) (int64, error)
}

// Registry is the subset of distribution.Registry the orchestrator drives.
type Registry interface {
	Get(ctx context.Context, id string) (*storage.Distribution, error)
	GetForSite(ctx context.Context, storyID, siteID string) (*storage.Distribution, error)
	ListForStory(ctx context.Context, storyID string) ([]*storage.Distribution, error)
	ListActiveSitesForStory(ctx context.Context, storyID string) ([]*storage.Distribution, error)
	Transition(ctx context.Context, id string, c distribution.Change) (storage.DistributionStatus, error)
}

// Notifier sends webhooks.
type Notifier interface {
	Notify(ctx context.Context, n webhook.Notification) ([]*webhook.Result, error)
	Deliver(ctx context.Context, t webhook.Target, env webhook.Envelope) (*webhook.Result, error)
}

// Auditor records audit entries.
type Auditor interface {
	Record(ctx context.Context, e *storage.AuditEntry) error
}

// Orchestrator runs revocations.
type Orchestrator struct {
	store       Store
	tokens      Tokens
	registry    Registry
	webhooks    Notifier
	audit       Auditor
	concurrency int
	retryDelay  time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrency bounds how many sites are revoked in parallel.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithRetryDelay sets the first pause between attempts to revoke a grant or
// tokens; it doubles on each further attempt.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.retryDelay = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an Orchestrator.
func New(store Store, tokens Tokens, registry Registry, webhooks Notifier, auditor Auditor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		tokens:      tokens,
		registry:    registry,
		webhooks:    webhooks,
		audit:       auditor,
		concurrency: defaultConcurrency,
		retryDelay:  defaultInvalidateDelay,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Revoke withdraws req.StoryID from the requested sites. For each site the
// grant and tokens are revoked before that site is contacted, so it stops
// being served even if its webhook is slow. Once started a revocation runs to
// the end regardless of ctx cancellation. Revoke does not wait for retries.
//
// If some site's access could not be revoked the result is returned together
// with an error wrapping ErrInvalidationIncomplete.
func (o *Orchestrator) Revoke(ctx context.Context, caller auth.Principal, req Request) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	story, err := o.authorize(ctx, caller, req.StoryID)
	if err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = DefaultReason
	}

	sites, err := o.targets(ctx, story.ID, req.SiteIDs)
	if err != nil {
		return nil, err
	}
	if len(sites) == 0 {
		metrics.RecordRevocation("not_found")
		return nil, fmt.Errorf("%w: no site holds story %s", storage.ErrNotFound, story.ID)
	}

	results := make([]SiteResult, len(sites))
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, siteID := range sites {
		g.Go(func() error {
			results[i] = o.revokeSite(ctx, caller, story, siteID, reason)
			return nil
		})
	}
	_ = g.Wait()

	out := summarize(story.ID, results)
	o.complete(ctx, caller, story, out)

	var live []string
	for _, r := range results {
		if r.accessLive {
			live = append(live, r.SiteID)
		}
	}
	if len(live) > 0 {
		return out, fmt.Errorf("%w: sites %s", ErrInvalidationIncomplete, strings.Join(live, ", "))
	}
	return out, nil
}

// invalidate runs a write that cuts off access, retrying failures in-line.
func (o *Orchestrator) invalidate(log *slog.Logger, what string, write func() error) error {
	delay := o.retryDelay
	var err error
	for attempt := 1; attempt <= invalidateAttempts; attempt++ {
		if err = write(); err == nil {
			return nil
		}
		if attempt < invalidateAttempts {
			log.Warn("retrying "+what, "attempt", attempt, "error", err)
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}

func (o *Orchestrator) authorize(ctx context.Context, caller auth.Principal, storyID string) (*storage.Story, error) {
	if caller.IsZero() {
		metrics.RecordRevocation("unauthorized")
		return nil, ErrUnauthorized
	}
	story, err := o.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if !caller.ActsFor(storage.PrincipalStoryteller, story.StorytellerID) {
		metrics.RecordRevocation("unauthorized")
		o.logger.Warn("revocation denied", "story_id", storyID, "principal_id", caller.ID)
		return nil, ErrUnauthorized
	}
	return story, nil
}

func (o *Orchestrator) targets(ctx context.Context, storyID string, requested []string) ([]string, error) {
	if len(requested) > 0 {
		out := make([]string, 0, len(requested))
		for _, s := range requested {
			s = strings.TrimSpace(s)
			if s != "" && !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
		return out, nil
	}
	active, err := o.registry.ListActiveSitesForStory(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list distributions: %w", err)
	}
	out := make([]string, 0, len(active))
	for _, d := range active {
		out = append(out, d.SiteID)
	}
	return out, nil
}

func (o *Orchestrator) revokeSite(ctx context.Context, caller auth.Principal, story *storage.Story, siteID, reason string) SiteResult {
	res := SiteResult{SiteID: siteID}
	actorType, actorID := actorOf(caller)
	now := o.now().UTC()
	log := o.logger.With("story_id", story.ID, "site_id", siteID)

	var revoked bool
	err := o.invalidate(log, "consent grant revocation", func() (err error) {
		revoked, err = o.store.RevokeConsentGrant(ctx, story.ID, siteID, now)
		return err
	})
	if err != nil {
		res.accessLive = true
		return res.fail(fmt.Errorf("failed to revoke consent grant: %w", err))
	}
	if revoked {
		o.record(ctx, &storage.AuditEntry{
			TenantID:      story.TenantID,
			StoryID:       story.ID,
			EntityType:    audit.EntityConsent,
			EntityID:      audit.SiteKey(story.ID, siteID),
			Action:        audit.ActionConsentRevoked,
			ActorType:     actorType,
			ActorID:       actorID,
			PreviousState: "granted",
			NewState:      "revoked",
			Summary:       reason,
		})
	}

	var n int64
	err = o.invalidate(log, "embed token revocation", func() (err error) {
		n, err = o.tokens.RevokeForSite(ctx, story.ID, siteID, reason)
		return err
	})
	if err != nil {
		res.accessLive = true
		return res.fail(fmt.Errorf("failed to revoke embed tokens: %w", err))
	}
	res.TokensRevoked = n
	if n > 0 {
		o.record(ctx, &storage.AuditEntry{
			TenantID:   story.TenantID,
			StoryID:    story.ID,
			EntityType: audit.EntityEmbedToken,
			EntityID:   audit.SiteKey(story.ID, siteID),
			Action:     audit.ActionTokensRevoked,
			ActorType:  actorType,
			ActorID:    actorID,
			NewState:   "revoked",
			Summary:    fmt.Sprintf("%d embed token(s) revoked: %s", n, reason),
		})
	}

	d, err := o.registry.GetForSite(ctx, story.ID, siteID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Info("site holds no distribution; nothing to remove")
		res.Status = SiteVerified
		return res
	}
	if err != nil {
		return res.fail(fmt.Errorf("failed to load distribution: %w", err))
	}
	res.DistributionID = d.ID

	prev, err := o.registry.Transition(ctx, d.ID, distribution.Change{
		From:      removable,
		To:        storage.DistributionPendingRemoval,
		Update:    storage.DistributionUpdate{RevokedAt: &now, RevocationReason: &reason},
		ActorType: actorType,
		ActorID:   actorID,
		Summary:   reason,
	})
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrStatusConflict):
		if prev != storage.DistributionPendingRemoval {
			// verified or removed_externally: the copy is already gone.
			res.Status = SiteVerified
			return res
		}
		log.Info("removal already pending; notifying site again")
	default:
		return res.fail(fmt.Errorf("failed to mark distribution pending removal: %w", err))
	}

	results, err := o.notify(ctx, story.ID, d, reason, now)
	if err != nil {
		log.Warn("revocation webhook error", "error", err)
	}
	if len(results) == 0 {
		if err == nil {
			err = webhook.ErrNoEndpoint
		}
		res.Status = SiteFailed
		res.LastError = err.Error()
		o.settle(ctx, story, d.ID, res, "", actorType, actorID)
		return res
	}

	status, response := classify(results)
	res.Status = status
	for _, r := range results {
		res.Attempts += r.Attempts
		if r.RetryScheduled() {
			res.RetryScheduled = true
			if res.NextAttemptAt == nil || r.NextAttemptAt.Before(*res.NextAttemptAt) {
				res.NextAttemptAt = r.NextAttemptAt
			}
		}
		if !r.Delivered && res.LastError == "" {
			res.LastError = r.LastError
		}
	}
	if status != SiteFailed {
		res.LastError = ""
		res.RetryScheduled = false
		res.NextAttemptAt = nil
	}
	o.settle(ctx, story, d.ID, res, response, actorType, actorID)
	return res
}

// notify sends content_revoked to the site's subscriptions, falling back to
// the endpoint registered on the distribution itself.
func (o *Orchestrator) notify(ctx context.Context, storyID string, d *storage.Distribution, reason string, at time.Time) ([]*webhook.Result, error) {
	meta := map[string]any{
		"siteId":         d.SiteID,
		"distributionId": d.ID,
		"reason":         reason,
		"revokedAt":      at.Format(time.RFC3339),
	}
	results, err := o.webhooks.Notify(ctx, webhook.Notification{
		AppID:          d.SiteID,
		StoryID:        storyID,
		DistributionID: d.ID,
		Event:          webhook.EventContentRevoked,
		Metadata:       meta,
	})
	if len(results) > 0 || d.WebhookURL == "" {
		return results, err
	}
	res, derr := o.webhooks.Deliver(ctx, webhook.Target{
		DistributionID: d.ID,
		SiteID:         d.SiteID,
		URL:            d.WebhookURL,
		Secret:         d.WebhookSecret,
	}, webhook.Envelope{StoryID: storyID, Event: webhook.EventContentRevoked, Metadata: meta})
	if derr != nil {
		return nil, errors.Join(err, derr)
	}
	return []*webhook.Result{res}, err
}

// settle applies the outcome of the first round of delivery to the
// distribution. A failure with a retry still queued leaves the distribution
// pending_removal so the retry can complete it.
func (o *Orchestrator) settle(ctx context.Context, story *storage.Story, distID string, res SiteResult, response string, actorType storage.ActorType, actorID string) {
	switch res.Status {
	case SiteVerified:
		upd := storage.DistributionUpdate{}
		if response != "" {
			upd.WebhookResponse = &response
		}
		o.transition(ctx, distID, distribution.Change{
			From:      []storage.DistributionStatus{storage.DistributionPendingRemoval},
			To:        storage.DistributionVerified,
			Update:    upd,
			ActorType: actorType,
			ActorID:   actorID,
			Summary:   "site confirmed removal",
		})
	case SiteNotified:
		o.record(ctx, &storage.AuditEntry{
			TenantID:      story.TenantID,
			StoryID:       story.ID,
			EntityType:    audit.EntityDistribution,
			EntityID:      distID,
			Action:        audit.ActionRevocationNotified,
			ActorType:     actorType,
			ActorID:       actorID,
			PreviousState: string(storage.DistributionPendingRemoval),
			NewState:      string(storage.DistributionPendingRemoval),
			Summary:       "site acknowledged the request without confirming removal",
		})
	case SiteFailed:
		if res.RetryScheduled {
			return
		}
		o.transition(ctx, distID, distribution.Change{
			From:      []storage.DistributionStatus{storage.DistributionPendingRemoval},
			To:        storage.DistributionFailed,
			ActorType: actorType,
			ActorID:   actorID,
			Summary:   res.LastError,
		})
	}
}

// transition applies c and reports whether the status changed.
func (o *Orchestrator) transition(ctx context.Context, id string, c distribution.Change) bool {
	_, err := o.registry.Transition(context.WithoutCancel(ctx), id, c)
	if err != nil && !errors.Is(err, storage.ErrStatusConflict) {
		o.logger.Error("failed to record revocation outcome", "distribution_id", id, "to", c.To, "error", err)
	}
	return err == nil
}

// complete writes the story-level entry that closes a revocation.
func (o *Orchestrator) complete(ctx context.Context, caller auth.Principal, story *storage.Story, out *Result) {
	counts := map[SiteStatus]int{}
	for _, s := range out.Sites {
		counts[s.Status]++
	}
	state := "in_progress"
	if out.Success {
		state = "completed"
	}
	actorType, actorID := actorOf(caller)
	o.record(ctx, &storage.AuditEntry{
		TenantID:   story.TenantID,
		StoryID:    story.ID,
		EntityType: audit.EntityStory,
		EntityID:   story.ID,
		Action:     audit.ActionRevocationCompleted,
		ActorType:  actorType,
		ActorID:    actorID,
		NewState:   state,
		Summary: fmt.Sprintf("revoked %q from %d site(s): %d verified, %d notified, %d failed; %d token(s) revoked",
			story.Title, len(out.Sites), counts[SiteVerified], counts[SiteNotified], counts[SiteFailed], out.TokensRevoked),
	})
	metrics.RecordRevocation(state)
	o.logger.Info("revocation finished",
		"story_id", story.ID,
		"sites", len(out.Sites),
		"verified", counts[SiteVerified],
		"notified", counts[SiteNotified],
		"failed", counts[SiteFailed],
	)
}

func (o *Orchestrator) record(ctx context.Context, e *storage.AuditEntry) {
	if err := o.audit.Record(context.WithoutCancel(ctx), e); err != nil {
		o.logger.Error("failed to write audit entry", "action", e.Action, "entity_id", e.EntityID, "error", err)
	}
}

func summarize(storyID string, sites []SiteResult) *Result {
	out := &Result{StoryID: storyID, Sites: sites, Success: true}
	verified := 0
	for _, s := range sites {
		out.TokensRevoked += s.TokensRevoked
		if s.Status == SiteVerified {
			verified++
		} else {
			out.Success = false
		}
		if s.DistributionID == "" {
			continue
		}
		if s.Status == SiteFailed {
			out.WebhooksFailed++
		} else if s.Attempts > 0 {
			out.WebhooksSent++
		}
	}
	if out.Success {
		out.Message = fmt.Sprintf("Story removed from %d site(s)", len(sites))
	} else {
		out.Message = fmt.Sprintf("Removal in progress: %d of %d site(s) confirmed", verified, len(sites))
	}
	return out
}

// classify picks the strongest outcome across a site's deliveries and the
// response body that produced it.
func classify(results []*webhook.Result) (SiteStatus, string) {
	status, response := SiteFailed, ""
	for _, r := range results {
		if !r.Delivered {
			continue
		}
		if Acknowledged(r.Response) {
			return SiteVerified, r.Response
		}
		status, response = SiteNotified, r.Response
	}
	return status, response
}

// Acknowledged reports whether a site's response body confirms removal:
// a JSON object whose status is "removed" or "deleted".
func Acknowledged(body string) bool {
	var ack struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(body), &ack); err != nil {
		return false
	}
	switch strings.ToLower(ack.Status) {
	case "removed", "deleted":
		return true
	}
	return false
}

func (r SiteResult) fail(err error) SiteResult {
	r.Status = SiteFailed
	r.LastError = err.Error()
	return r
}

func actorOf(p auth.Principal) (storage.ActorType, string) {
	if p.IsZero() {
		return storage.ActorSystem, ""
	}
	return storage.ActorUser, p.ID
}
