// Package api is the syndication HTTP surface: the public embed endpoint,
// inbound distribution callbacks and the storyteller and site management API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/empathy-ledger/syndication-gateway/internal/audit"
	"github.com/empathy-ledger/syndication-gateway/internal/auth"
	"github.com/empathy-ledger/syndication-gateway/internal/consent"
	"github.com/empathy-ledger/syndication-gateway/internal/distribution"
	"github.com/empathy-ledger/syndication-gateway/internal/embed"
	"github.com/empathy-ledger/syndication-gateway/internal/middleware"
	"github.com/empathy-ledger/syndication-gateway/internal/revocation"
	"github.com/empathy-ledger/syndication-gateway/internal/storage"
	"github.com/empathy-ledger/syndication-gateway/internal/webhook"
)

var errSiteRequired = errors.New("site id is required for admin keys")

// Store is the persistence the handlers use directly.
type Store interface {
	GetStory(ctx context.Context, id string) (*storage.Story, error)
	GetConsentGrant(ctx context.Context, storyID, siteID string) (*storage.ConsentGrant, error)
	ListConsentGrantsForStory(ctx context.Context, storyID string) ([]*storage.ConsentGrant, error)
	UpsertConsentGrant(ctx context.Context, g *storage.ConsentGrant) error
	SetCulturalApproval(ctx context.Context, storyID, siteID string, status storage.ApprovalStatus) error
	SetDistributionWebhookURL(ctx context.Context, id, url string) error
	RecordStoryAccess(ctx context.Context, a *storage.StoryAccess) error
}

// Services are the components the API drives.
type Services struct {
	Store        Store
	Consent      *consent.Checker
	Tokens       *embed.Service
	Distribution *distribution.Registry
	Webhooks     *webhook.Dispatcher
	Revocation   *revocation.Orchestrator
	Audit        *audit.Log
	Resolver     *auth.Resolver
}

// Options tune handler behaviour.
type Options struct {
	TokenTTL      time.Duration
	SummaryLength int
	// MaxBodyBytes bounds request bodies; zero means 1 MiB.
	MaxBodyBytes int64
}

// Handler serves the API.
type Handler struct {
	svc    Services
	opts   Options
	logger *slog.Logger

	// bg tracks best-effort event fan-out still in flight.
	bg sync.WaitGroup
}

// NewHandler creates a Handler.
func NewHandler(svc Services, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.SummaryLength <= 0 {
		opts.SummaryLength = consent.DefaultSummaryLength
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &Handler{svc: svc, opts: opts, logger: logger}
}

// Wait blocks until queued event notifications have been attempted.
func (h *Handler) Wait() {
	h.bg.Wait()
}

// notifyAsync fans an event out to the site's subscriptions without holding
// up the response. Failures are retried by the dispatcher's sweep.
func (h *Handler) notifyAsync(ctx context.Context, n webhook.Notification) {
	ctx = context.WithoutCancel(ctx)
	log := middleware.Logger(ctx, h.logger)
	h.bg.Add(1)
	go func() {
		defer h.bg.Done()
		if _, err := h.svc.Webhooks.Notify(ctx, n); err != nil {
			log.Warn("event notification failed", "event", n.Event, "story_id", n.StoryID, "site_id", n.AppID, "error", err)
		}
	}()
}

// decode reads a JSON body into v. An empty body leaves v untouched when
// optional is set.
func decode(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && err == io.EOF {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// ownedStory loads the story in the URL and checks the caller may act as
// its storyteller. It writes the error response itself.
func (h *Handler) ownedStory(w http.ResponseWriter, r *http.Request) (*storage.Story, auth.Principal, bool) {
	p := auth.PrincipalFromContext(r.Context())
	story, err := h.svc.Store.GetStory(r.Context(), chi.URLParam(r, "storyID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return nil, p, false
	}
	if !p.ActsFor(storage.PrincipalStoryteller, story.StorytellerID) {
		WriteError(w, http.StatusForbidden, ErrCodeForbidden, "only the storyteller may manage this story")
		return nil, p, false
	}
	return story, p, true
}

// siteFor resolves the site a request acts for: a site key always acts for
// its own site; an admin names one explicitly.
func siteFor(p auth.Principal, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	switch {
	case p.Kind == storage.PrincipalSite:
		if requested != "" && requested != p.SubjectID {
			return "", auth.ErrForbidden
		}
		return p.SubjectID, nil
	case p.IsAdmin() && requested != "":
		return requested, nil
	case p.IsAdmin():
		return "", errSiteRequired
	default:
		return "", auth.ErrForbidden
	}
}

func actor(p auth.Principal) (storage.ActorType, string) {
	if p.IsZero() {
		return storage.ActorSystem, ""
	}
	return storage.ActorUser, p.ID
}

func (h *Handler) record(ctx context.Context, e *storage.AuditEntry) {
	h.svc.Audit.RecordBestEffort(context.WithoutCancel(ctx), e)
}
