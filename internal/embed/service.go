// Package embed issues, validates and revokes the signed tokens that let an
// external site display a story.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/empathy-ledger/syndication-gateway/internal/consent"
	"github.com/empathy-ledger/syndication-gateway/internal/ids"
	"github.com/empathy-ledger/syndication-gateway/internal/storage"
)

// ErrConsentNotGranted is returned by Issue when the consent ladder denies access.
var ErrConsentNotGranted = errors.New("consent not granted")

// ConsentError carries the precise denial reason. It matches ErrConsentNotGranted.
type ConsentError struct {
	Reason consent.Reason
}

func (e *ConsentError) Error() string {
	return fmt.Sprintf("consent not granted: %s", e.Reason)
}

// Unwrap lets errors.Is match ErrConsentNotGranted.
func (e *ConsentError) Unwrap() error { return ErrConsentNotGranted }

// Reason explains why a token failed validation.
type Reason string

// Validation failure reasons.
const (
	ReasonMalformed      Reason = "malformed"
	ReasonExpired        Reason = "expired"
	ReasonNotFound       Reason = "not_found"
	ReasonRevoked        Reason = "revoked"
	ReasonDomainMismatch Reason = "domain_mismatch"
)

// Store is the persistence the token service needs.
type Store interface {
	CreateEmbedToken(ctx context.Context, t *storage.EmbedToken) error
	FindActiveEmbedToken(ctx context.Context, storyID, siteID string, now time.Time) (*storage.EmbedToken, error)
	GetEmbedTokenByHash(ctx context.Context, hash string) (*storage.EmbedToken, error)
	IncrementTokenUsage(ctx context.Context, id string, at time.Time) (bool, error)
	RevokeEmbedTokens(ctx context.Context, storyID, siteID, reason string, at time.Time) (int64, error)
}

// Service is the token service.
type Service struct {
	store  Store
	signer *signer
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a token service signing with key.
func NewService(store Store, key []byte, opts ...Option) *Service {
	s := &Service{
		store:  store,
		signer: newSigner(key),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issued is the result of Issue. Token is the only place the string form exists.
type Issued struct {
	Token  string
	Record *storage.EmbedToken
	Reused bool
}

// Issue returns a token for (story, siteID). The grant must pass the consent
// ladder; the token scope is derived from it and never exceeds it. When an
// active token already exists for the pair it is returned instead, unless
// domain asks for a different restriction; the old token is then revoked.
func (s *Service) Issue(ctx context.Context, story *storage.Story, siteID string, grant *storage.ConsentGrant, ttl time.Duration, domain string) (*Issued, error) {
	if story == nil || siteID == "" {
		return nil, fmt.Errorf("story and site are required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be greater than zero")
	}
	d := consent.Evaluate(story, grant, consent.RequestContext{RequestType: "issue", Domain: domain})
	if !d.Allowed {
		return nil, &ConsentError{Reason: d.Reason}
	}

	now := s.now().UTC()
	restriction := NormalizeDomain(domain)
	existing, err := s.store.FindActiveEmbedToken(ctx, story.ID, siteID, now)
	switch {
	case err == nil && restriction != "" && restriction != existing.DomainRestriction:
		if _, err := s.store.RevokeEmbedTokens(ctx, story.ID, siteID, "superseded by domain "+restriction, now); err != nil {
			return nil, err
		}
	case err == nil:
		token, err := s.signer.sign(existing.ID, existing.StoryID, existing.SiteID, existing.IssuedAt, existing.ExpiresAt)
		if err != nil {
			return nil, err
		}
		if HashToken(token) == existing.TokenHash {
			return &Issued{Token: token, Record: existing, Reused: true}, nil
		}
		// Signed under a previous key; it can no longer validate.
		if _, err := s.store.RevokeEmbedTokens(ctx, story.ID, siteID, "signing key rotated", now); err != nil {
			return nil, err
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("failed to look up active token: %w", err)
	}

	// JWT timestamps carry whole seconds.
	issuedAt := now.Truncate(time.Second)
	rec := &storage.EmbedToken{
		ID:                ids.NewAt(now),
		StoryID:           story.ID,
		SiteID:            siteID,
		Scope:             d.TokenScope(),
		DomainRestriction: restriction,
		IssuedAt:          issuedAt,
		ExpiresAt:         issuedAt.Add(ttl).Truncate(time.Second),
	}
	token, err := s.signer.sign(rec.ID, rec.StoryID, rec.SiteID, rec.IssuedAt, rec.ExpiresAt)
	if err != nil {
		return nil, err
	}
	rec.TokenHash = HashToken(token)

	if err := s.store.CreateEmbedToken(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Debug("embed token issued", "token_id", rec.ID, "story_id", rec.StoryID, "site_id", rec.SiteID,
		"expires_at", rec.ExpiresAt)
	return &Issued{Token: token, Record: rec}, nil
}

// ValidateContext describes the request presenting a token.
type ValidateContext struct {
	RequestDomain string
	// StoryID, when set, must match the story the token was issued for.
	StoryID string
}

// Validation is the outcome of Validate.
type Validation struct {
	Valid  bool
	Token  *storage.EmbedToken
	Reason Reason
}

// Validate checks a presented token in order: integrity, expiry, existence,
// revocation, domain. The first failure is reported. On success the usage
// count is incremented atomically.
func (s *Service) Validate(ctx context.Context, token string, vc ValidateContext) (Validation, error) {
	c, err := s.signer.parse(token)
	if err != nil {
		return Validation{Reason: ReasonMalformed}, nil
	}

	now := s.now().UTC()
	if !now.Before(c.ExpiresAt.Time) {
		return Validation{Reason: ReasonExpired}, nil
	}

	rec, err := s.store.GetEmbedTokenByHash(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Validation{Reason: ReasonNotFound}, nil
		}
		return Validation{}, fmt.Errorf("failed to look up token: %w", err)
	}
	if rec.ID != c.ID || rec.StoryID != c.Subject || rec.SiteID != c.Audience[0] {
		return Validation{Reason: ReasonMalformed}, nil
	}
	if vc.StoryID != "" && vc.StoryID != rec.StoryID {
		return Validation{Reason: ReasonNotFound}, nil
	}

	if !now.Before(rec.ExpiresAt) {
		return Validation{Token: rec, Reason: ReasonExpired}, nil
	}
	if rec.RevokedAt != nil {
		return Validation{Token: rec, Reason: ReasonRevoked}, nil
	}
	if !DomainAllowed(rec.DomainRestriction, vc.RequestDomain) {
		return Validation{Token: rec, Reason: ReasonDomainMismatch}, nil
	}

	ok, err := s.store.IncrementTokenUsage(ctx, rec.ID, now)
	if err != nil {
		return Validation{}, err
	}
	if !ok {
		// Revoked between the read and the increment.
		return Validation{Token: rec, Reason: ReasonRevoked}, nil
	}
	rec.UsageCount++
	rec.LastUsedAt = &now
	return Validation{Valid: true, Token: rec}, nil
}

// RevokeForSite revokes every active token for (storyID, siteID) and returns
// how many were newly revoked. Already revoked tokens are untouched.
func (s *Service) RevokeForSite(ctx context.Context, storyID, siteID, reason string) (int64, error) {
	if siteID == "" {
		return 0, fmt.Errorf("site id is required")
	}
	return s.revoke(ctx, storyID, siteID, reason)
}

// RevokeAllForStory revokes every active token for storyID.
func (s *Service) RevokeAllForStory(ctx context.Context, storyID, reason string) (int64, error) {
	return s.revoke(ctx, storyID, "", reason)
}

func (s *Service) revoke(ctx context.Context, storyID, siteID, reason string) (int64, error) {
	n, err := s.store.RevokeEmbedTokens(ctx, storyID, siteID, reason, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("embed tokens revoked", "story_id", storyID, "site_id", siteID, "count", n, "reason", reason)
	}
	return n, nil
}
