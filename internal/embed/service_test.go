package embed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/empathy-ledger/syndication-gateway/internal/consent"
	"github.com/empathy-ledger/syndication-gateway/internal/storage"
)

var (
	testEncKey  = []byte("0123456789abcdef0123456789abcdef")
	testSignKey = []byte("signing-key-for-tests-only-32byt")
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setup(t *testing.T) (*Service, *storage.Store, *clock) {
	t.Helper()
	store, err := storage.New(":memory:", testEncKey)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clk := &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	return NewService(store, testSignKey, WithClock(clk.Now)), store, clk
}

func testStory() *storage.Story {
	return &storage.Story{ID: "story-1", StorytellerID: "teller-1", Title: "T", Content: "body",
		CulturalPermissionLevel: storage.CulturalPublic}
}

func testGrant() *storage.ConsentGrant {
	return &storage.ConsentGrant{StoryID: "story-1", SiteID: "site-a", ConsentGranted: true,
		ShareSummaryOnly: true, ShareMedia: true, ShareAttribution: true}
}

func TestIssueDeniedWithoutConsent(t *testing.T) {
	t.Parallel()
	svc, _, _ := setup(t)

	sacred := testStory()
	sacred.CulturalPermissionLevel = storage.CulturalSacred

	tests := []struct {
		name   string
		story  *storage.Story
		grant  *storage.ConsentGrant
		reason consent.Reason
	}{
		{"no grant", testStory(), nil, consent.ReasonNoConsent},
		{"sacred", sacred, testGrant(), consent.ReasonSacredContent},
		{"pending review", testStory(), func() *storage.ConsentGrant {
			g := testGrant()
			g.RequiresCulturalApproval = true
			return g
		}(), consent.ReasonPendingCulturalReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Issue(context.Background(), tt.story, "site-a", tt.grant, time.Hour, "")
			if !errors.Is(err, ErrConsentNotGranted) {
				t.Fatalf("expected ErrConsentNotGranted, got %v", err)
			}
			var ce *ConsentError
			if !errors.As(err, &ce) || ce.Reason != tt.reason {
				t.Errorf("reason = %v, want %q", err, tt.reason)
			}
		})
	}
}

func TestIssueDerivesScopeAndReusesActiveToken(t *testing.T) {
	t.Parallel()
	svc, store, clk := setup(t)
	ctx := context.Background()

	first, err := svc.Issue(ctx, testStory(), "site-a", testGrant(), time.Hour, "https://www.Site-A.example/embed")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if first.Reused {
		t.Error("first issue should mint a new token")
	}
	scope := first.Record.Scope
	if scope.Full || !scope.SummaryOnly || !scope.MediaIncluded || !scope.AttributionRequired || scope.Anonymize {
		t.Errorf("scope = %+v", scope)
	}
	if first.Record.DomainRestriction != "site-a.example" {
		t.Errorf("DomainRestriction = %q", first.Record.DomainRestriction)
	}
	if strings.Contains(first.Record.TokenHash, first.Token) || first.Record.TokenHash != HashToken(first.Token) {
		t.Error("only the token hash may be stored")
	}

	clk.Advance(10 * time.Minute)
	second, err := svc.Issue(ctx, testStory(), "site-a", testGrant(), time.Hour, "")
	if err != nil {
		t.Fatalf("second Issue() error = %v", err)
	}
	if !second.Reused || second.Token != first.Token || second.Record.ID != first.Record.ID {
		t.Errorf("expected the active token to be returned again")
	}

	tokens, err := store.ListEmbedTokensForStory(ctx, "story-1")
	if err != nil {
		t.Fatalf("ListEmbedTokensForStory() error = %v", err)
	}
	if len(tokens) != 1 {
		t.Errorf("stored %d tokens, want 1", len(tokens))
	}
}

func TestIssueMintsAgainAfterKeyRotation(t *testing.T) {
	t.Parallel()
	svc, store, clk := setup(t)
	ctx := context.Background()

	old, err := svc.Issue(ctx, testStory(), "site-a", testGrant(), time.Hour, "")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	rotated := NewService(store, []byte("another-signing-key-of-32-bytes!"), WithClock(clk.Now))
	fresh, err := rotated.Issue(ctx, testStory(), "site-a", testGrant(), time.Hour, "")
	if err != nil {
		t.Fatalf("Issue() after rotation error = %v", err)
	}
	if fresh.Reused || fresh.Token == old.Token {
		t.Fatal("rotation should mint a new token")
	}

	rec, err := store.GetEmbedToken(ctx, old.Record.ID)
	if err != nil {
		t.Fatalf("GetEmbedToken() error = %v", err)
	}
	if rec.RevokedAt == nil {
		t.Error("token signed under the old key should be revoked")
	}
}

func TestIssueSupersedesTokenForNewDomain(t *testing.T) {
	t.Parallel()
	svc, store, _ := setup(t)
	ctx := context.Background()

	unbound, err := svc.Issue(ctx, testStory(), "site-a", testGrant(), time.Hour, "")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if unbound.Record.DomainRestriction != "" {
		t.Fatalf("DomainRestriction = %q, want none", unbound.Record.DomainRestriction)
	}

	bound, err := svc.Issue(ctx, testStory(), "site-a", testGrant(), time.Hour, "embed.site-a.example")
	if err != nil {
		t.Fatalf("Issue() with domain error = %v", err)
	}
	if bound.Reused || bound.Record.ID == unbound.Record.ID {
		t.Fatal("a different domain must mint a new token")
	}
	if bound.Record.DomainRestriction != "embed.site-a.example" {
		t.Errorf("DomainRestriction = %q", bound.Record.DomainRestriction)
	}

	old, err := store.GetEmbedToken(ctx, unbound.Record.ID)
	if err != nil {
		t.Fatalf("GetEmbedToken() error = %v", err)
	}
	if old.RevokedAt == nil {
		t.Error("the unrestricted token should be revoked once superseded")
	}
	if v, _ := svc.Validate(ctx, unbound.Token, ValidateContext{RequestDomain: "elsewhere.example"}); v.Valid {
		t.Error("superseded token still validates")
	}

	same, err := svc.Issue(ctx, testStory(), "site-a", testGrant(), time.Hour, "https://embed.site-a.example/page")
	if err != nil {
		t.Fatalf("Issue() same domain error = %v", err)
	}
	if !same.Reused || same.Record.ID != bound.Record.ID {
		t.Error("the same domain should reuse the active token")
	}
}

func TestValidateOrder(t *testing.T) {
	t.Parallel()
	svc, store, clk := setup(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testStory(), "site-a", testGrant(), time.Hour, "site-a.example")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	t.Run("malformed", func(t *testing.T) {
		for _, tok := range []string{"", "not-a-jwt", issued.Token + "x"} {
			v, err := svc.Validate(ctx, tok, ValidateContext{RequestDomain: "site-a.example"})
			if err != nil || v.Valid || v.Reason != ReasonMalformed {
				t.Errorf("Validate(%q) = %+v, %v", tok, v, err)
			}
		}
	})

	t.Run("wrong key is malformed", func(t *testing.T) {
		other := NewService(store, []byte("another-signing-key-of-32-bytes!"), WithClock(clk.Now))
		v, _ := other.Validate(ctx, issued.Token, ValidateContext{RequestDomain: "site-a.example"})
		if v.Reason != ReasonMalformed {
			t.Errorf("Reason = %q, want malformed", v.Reason)
		}
	})

	t.Run("domain mismatch", func(t *testing.T) {
		v, _ := svc.Validate(ctx, issued.Token, ValidateContext{RequestDomain: "evil.example"})
		if v.Valid || v.Reason != ReasonDomainMismatch {
			t.Errorf("Validate() = %+v", v)
		}
	})

	t.Run("subdomain allowed", func(t *testing.T) {
		v, _ := svc.Validate(ctx, issued.Token, ValidateContext{RequestDomain: "https://blog.site-a.example:443/x"})
		if !v.Valid {
			t.Errorf("Validate() = %+v", v)
		}
	})

	t.Run("wrong story", func(t *testing.T) {
		v, _ := svc.Validate(ctx, issued.Token, ValidateContext{RequestDomain: "site-a.example", StoryID: "story-2"})
		if v.Valid || v.Reason != ReasonNotFound {
			t.Errorf("Validate() = %+v", v)
		}
	})
}

func TestValidateNotFound(t *testing.T) {
	t.Parallel()
	svc, _, _ := setup(t)

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	tok, err := svc.signer.sign("01HZZZZZZZZZZZZZZZZZZZZZZZ", "story-1", "site-a", now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("sign() error = %v", err)
	}
	v, err := svc.Validate(context.Background(), tok, ValidateContext{})
	if err != nil || v.Reason != ReasonNotFound {
		t.Errorf("Validate() = %+v, %v; want not_found", v, err)
	}
}

func TestValidateIncrementsUsage(t *testing.T) {
	t.Parallel()
	svc, store, _ := setup(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testStory(), "site-a", testGrant(), time.Hour, "")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, err := svc.Validate(ctx, issued.Token, ValidateContext{}); err != nil || !v.Valid {
				t.Errorf("Validate() = %+v, %v", v, err)
			}
		}()
	}
	wg.Wait()

	rec, err := store.GetEmbedToken(ctx, issued.Record.ID)
	if err != nil {
		t.Fatalf("GetEmbedToken() error = %v", err)
	}
	if rec.UsageCount != 8 {
		t.Errorf("UsageCount = %d, want 8", rec.UsageCount)
	}
	if rec.LastUsedAt == nil {
		t.Error("LastUsedAt should be set")
	}
}

func TestValidateExpired(t *testing.T) {
	t.Parallel()
	svc, _, clk := setup(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, testStory(), "site-a", testGrant(), time.Minute, "")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	clk.Advance(time.Minute)

	v, err := svc.Validate(ctx, issued.Token, ValidateContext{})
	if err != nil || v.Valid || v.Reason != ReasonExpired {
		t.Errorf("Validate() = %+v, %v; want expired", v, err)
	}
}

func TestRevokeIdempotent(t *testing.T) {
	t.Parallel()
	svc, store, clk := setup(t)
	ctx := context.Background()

	a, _ := svc.Issue(ctx, testStory(), "site-a", testGrant(), time.Hour, "")
	gb := testGrant()
	gb.SiteID = "site-b"
	b, _ := svc.Issue(ctx, testStory(), "site-b", gb, time.Hour, "")

	n, err := svc.RevokeForSite(ctx, "story-1", "site-a", "withdrawn")
	if err != nil || n != 1 {
		t.Fatalf("RevokeForSite() = %d, %v; want 1", n, err)
	}
	first, _ := store.GetEmbedToken(ctx, a.Record.ID)

	clk.Advance(time.Minute)
	n, err = svc.RevokeForSite(ctx, "story-1", "site-a", "again")
	if err != nil || n != 0 {
		t.Fatalf("second RevokeForSite() = %d, %v; want 0, nil", n, err)
	}
	second, _ := store.GetEmbedToken(ctx, a.Record.ID)
	if !second.RevokedAt.Equal(*first.RevokedAt) || second.RevocationReason != "withdrawn" {
		t.Errorf("revocation was altered: %v/%q", second.RevokedAt, second.RevocationReason)
	}

	if v, _ := svc.Validate(ctx, b.Token, ValidateContext{}); !v.Valid {
		t.Error("site-b token must survive a site-a revocation")
	}

	if _, err := svc.RevokeAllForStory(ctx, "story-1", "withdrawn"); err != nil {
		t.Fatalf("RevokeAllForStory() error = %v", err)
	}
	for _, tok := range []string{a.Token, b.Token} {
		if v, _ := svc.Validate(ctx, tok, ValidateContext{}); v.Valid || v.Reason != ReasonRevoked {
			t.Errorf("Validate() after RevokeAllForStory = %+v", v)
		}
	}

	if _, err := svc.RevokeForSite(ctx, "story-1", "", "x"); err == nil {
		t.Error("RevokeForSite requires a site")
	}
}

func TestNormalizeDomain(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":                                "",
		"Example.org":                     "example.org",
		"https://www.example.org/a/b?c=d": "example.org",
		"http://example.org:8080":         "example.org",
		"example.org:443":                 "example.org",
		"  WWW.Example.Org.  ":            "example.org",
		"https://user@news.example.org":   "news.example.org",
	}
	for in, want := range tests {
		if got := NormalizeDomain(in); got != want {
			t.Errorf("NormalizeDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDomainAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		restriction, domain string
		want                bool
	}{
		{"", "anything.example", true},
		{"", "", true},
		{"example.org", "", false},
		{"example.org", "example.org", true},
		{"example.org", "www.example.org", true},
		{"example.org", "blog.example.org", true},
		{"example.org", "badexample.org", false},
		{"example.org", "example.org.evil.com", false},
	}
	for _, tt := range tests {
		if got := DomainAllowed(tt.restriction, tt.domain); got != tt.want {
			t.Errorf("DomainAllowed(%q, %q) = %v, want %v", tt.restriction, tt.domain, got, tt.want)
		}
	}
}
