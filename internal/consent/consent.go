// Package consent decides whether a story may be served to an external site
// and what the site is allowed to see.
package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/empathy-ledger/syndication-gateway/internal/storage"
)

// Reason is the machine-readable denial reason.
type Reason string

// Denial reasons, in ladder order.
const (
	ReasonSacredContent         Reason = "sacred_content"
	ReasonNoConsent             Reason = "no_consent"
	ReasonPendingCulturalReview Reason = "pending_cultural_review"
)

// Scope is the content level a site may receive.
type Scope string

// Content scopes.
const (
	ScopeFull    Scope = "full"
	ScopeSummary Scope = "summary"
)

// DefaultSummaryLength is the rune budget for summary content.
const DefaultSummaryLength = 500

// AnonymousLabel replaces the author when attribution is withheld.
const AnonymousLabel = "Anonymous Storyteller"

// RequestContext describes the access being evaluated.
type RequestContext struct {
	RequestType string // e.g. "embed", "preflight", "issue"
	Domain      string
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed             bool
	Reason              Reason
	Scope               Scope
	MediaAllowed        bool
	AttributionRequired bool
	Anonymize           bool
	// ConsentVersion identifies the grant revision the decision was made on.
	ConsentVersion string
}

// TokenScope converts an allow decision into the scope carried by a token.
func (d Decision) TokenScope() storage.TokenScope {
	return storage.TokenScope{
		Full:                d.Scope == ScopeFull,
		SummaryOnly:         d.Scope == ScopeSummary,
		MediaIncluded:       d.MediaAllowed,
		AttributionRequired: d.AttributionRequired,
		Anonymize:           d.Anonymize,
	}
}

// FromTokenScope rebuilds an allow decision from a token's stored scope so
// content served through a token never exceeds what it was issued for.
func FromTokenScope(s storage.TokenScope) Decision {
	d := Decision{
		Allowed:             true,
		Scope:               ScopeSummary,
		MediaAllowed:        s.MediaIncluded,
		AttributionRequired: s.AttributionRequired,
		Anonymize:           s.Anonymize,
	}
	if s.Full && !s.SummaryOnly {
		d.Scope = ScopeFull
	}
	return d
}

// Narrow returns the intersection of d and other. Both must be allow
// decisions; the result is never broader than either.
func (d Decision) Narrow(other Decision) Decision {
	out := d
	if d.Scope != ScopeFull || other.Scope != ScopeFull {
		out.Scope = ScopeSummary
	}
	out.MediaAllowed = d.MediaAllowed && other.MediaAllowed
	out.AttributionRequired = d.AttributionRequired || other.AttributionRequired
	out.Anonymize = d.Anonymize || other.Anonymize
	if out.ConsentVersion == "" {
		out.ConsentVersion = other.ConsentVersion
	}
	return out
}

// Evaluate applies the consent ladder. First match wins:
// sacred content, missing or withdrawn consent, pending cultural review,
// then allow. It has no side effects.
func Evaluate(story *storage.Story, grant *storage.ConsentGrant, _ RequestContext) Decision {
	if story != nil && story.CulturalPermissionLevel == storage.CulturalSacred {
		return Decision{Reason: ReasonSacredContent}
	}
	if story == nil || !grant.Active() {
		return Decision{Reason: ReasonNoConsent}
	}
	if grant.RequiresCulturalApproval && grant.CulturalApprovalStatus != storage.ApprovalApproved {
		return Decision{Reason: ReasonPendingCulturalReview}
	}

	d := Decision{
		Allowed:             true,
		Scope:               ScopeSummary,
		MediaAllowed:        grant.ShareMedia,
		AttributionRequired: grant.ShareAttribution,
		Anonymize:           grant.AnonymousSharing || !grant.ShareAttribution,
		ConsentVersion:      grant.UpdatedAt.UTC().Format("20060102T150405Z"),
	}
	if grant.ShareFullContent {
		d.Scope = ScopeFull
	}
	return d
}

// ShareLevel is the value of the X-Empathy-Share-Level header.
func (d Decision) ShareLevel() string {
	if !d.Allowed {
		return "none"
	}
	return string(d.Scope)
}

// Attribution is the value of the X-Empathy-Attribution header.
func (d Decision) Attribution() string {
	if d.Allowed && !d.Anonymize {
		return "named"
	}
	return "anonymous"
}

// Content is the redacted view of a story handed to an external site.
type Content struct {
	StoryID              string                        `json:"storyId"`
	Title                string                        `json:"title"`
	Body                 string                        `json:"content"`
	Excerpt              string                        `json:"excerpt,omitempty"`
	MediaURLs            []string                      `json:"mediaUrls"`
	Author               string                        `json:"author"`
	StorytellerID        string                        `json:"storytellerId,omitempty"`
	Themes               []string                      `json:"themes"`
	CulturalRestrictions []storage.CulturalRestriction `json:"culturalRestrictions,omitempty"`
	ShareLevel           string                        `json:"shareLevel"`
	AttributionRequired  bool                          `json:"attributionRequired"`
}

// Render produces the content a site may see under d. limit is the summary
// rune budget; zero or negative means DefaultSummaryLength.
func Render(story *storage.Story, grant *storage.ConsentGrant, d Decision, limit int) Content {
	if limit <= 0 {
		limit = DefaultSummaryLength
	}
	c := Content{
		StoryID:             story.ID,
		Title:               story.Title,
		MediaURLs:           []string{},
		Author:              AnonymousLabel,
		Themes:              append([]string{}, story.Themes...),
		ShareLevel:          d.ShareLevel(),
		AttributionRequired: d.AttributionRequired,
	}

	switch d.Scope {
	case ScopeFull:
		c.Body = story.Content
		c.Excerpt = story.Excerpt
	default:
		source := story.Excerpt
		if source == "" {
			source = story.Content
		}
		c.Body = Truncate(source, limit)
	}

	if d.MediaAllowed {
		c.MediaURLs = append(c.MediaURLs, story.MediaURLs...)
	}
	if !d.Anonymize && story.StorytellerDisplayName != "" {
		c.Author = story.StorytellerDisplayName
		c.StorytellerID = story.StorytellerID
	}
	if grant != nil {
		c.CulturalRestrictions = grant.CulturalRestrictions
	}
	return c
}

// Truncate cuts s to at most limit runes, appending "..." when cut.
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimRightFunc(string(runes[:limit]), isSpace) + "..."
}

func isSpace(r rune) bool { return r == ' ' || r == '\n' || r == '\t' || r == '\r' }

// Store is the subset of storage used by Checker.
type Store interface {
	GetStory(ctx context.Context, id string) (*storage.Story, error)
	GetConsentGrant(ctx context.Context, storyID, siteID string) (*storage.ConsentGrant, error)
}

// Checker loads the story and grant and evaluates them.
type Checker struct {
	store Store
}

// NewChecker creates a Checker.
func NewChecker(store Store) *Checker {
	return &Checker{store: store}
}

// Evaluation bundles a decision with the records it was made on.
type Evaluation struct {
	Story    *storage.Story
	Grant    *storage.ConsentGrant
	Decision Decision
}

// Check evaluates access for (storyID, siteID). A missing story returns
// storage.ErrNotFound; a missing grant is a no_consent decision.
func (c *Checker) Check(ctx context.Context, storyID, siteID string, rc RequestContext) (*Evaluation, error) {
	story, err := c.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load story: %w", err)
	}
	grant, err := c.store.GetConsentGrant(ctx, storyID, siteID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load consent grant: %w", err)
	}
	return &Evaluation{Story: story, Grant: grant, Decision: Evaluate(story, grant, rc)}, nil
}
