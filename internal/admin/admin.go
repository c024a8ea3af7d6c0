// Package admin provides the operator endpoints: principals, the story feed,
// subscription recovery, maintenance sweeps and runtime log level.
package admin

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/empathy-ledger/syndication-gateway/internal/auth"
	"github.com/empathy-ledger/syndication-gateway/internal/storage"
	"github.com/empathy-ledger/syndication-gateway/internal/webhook"
)

// Storage is the persistence admin operations need.
type Storage interface {
	// Health check
	Ping(ctx context.Context) error

	// Principals
	CreatePrincipal(ctx context.Context, name string, kind storage.PrincipalKind, subjectID, keyHash string) (*storage.Principal, error)
	ListPrincipals(ctx context.Context) ([]*storage.Principal, error)
	DeletePrincipal(ctx context.Context, id string) error

	// Story feed
	UpsertStory(ctx context.Context, story *storage.Story) error
	GetStory(ctx context.Context, id string) (*storage.Story, error)
	ListConsentGrantsForStory(ctx context.Context, storyID string) ([]*storage.ConsentGrant, error)
}

// Webhooks is the dispatcher surface admin drives.
type Webhooks interface {
	Notify(ctx context.Context, n webhook.Notification) ([]*webhook.Result, error)
	Reactivate(ctx context.Context, id string) error
	RetryDue(ctx context.Context) (int, error)
}

// Expirer moves distributions whose embeds have all lapsed to expired.
type Expirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// Handler provides admin endpoints
type Handler struct {
	storage   Storage
	webhooks  Webhooks
	expirer   Expirer
	resolver  *auth.Resolver
	bootstrap *auth.BootstrapService
	logger    *slog.Logger
	logLevel  *slog.LevelVar
	now       func() time.Time

	// sweepMu keeps the scheduled and on-demand sweeps from overlapping.
	sweepMu sync.Mutex
}

// NewHandler creates an admin handler
func NewHandler(st Storage, webhooks Webhooks, expirer Expirer, logLevel *slog.LevelVar, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if logLevel == nil {
		logLevel = new(slog.LevelVar)
	}
	return &Handler{
		storage:  st,
		webhooks: webhooks,
		expirer:  expirer,
		logLevel: logLevel,
		logger:   logger,
		now:      time.Now,
	}
}

// SetAuth wires key resolution and the bootstrap state machine. It must be
// called before NewRouter.
func (h *Handler) SetAuth(resolver *auth.Resolver, bs *auth.BootstrapService) {
	h.resolver = resolver
	h.bootstrap = bs
}
