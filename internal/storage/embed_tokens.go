package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/empathy-ledger/syndication-gateway/internal/ids"
)

const embedTokenColumns = `id, story_id, site_id, token_hash, scope_full, scope_summary_only, scope_media,
	scope_attribution, scope_anonymize, domain_restriction, issued_at, expires_at, usage_count,
	last_used_at, revoked_at, revocation_reason`

// CreateEmbedToken stores a newly issued token.
// Returns ErrDuplicate if the hash is already present.
func (s *Store) CreateEmbedToken(ctx context.Context, t *EmbedToken) error {
	if t.ID == "" {
		t.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO embed_tokens (`+embedTokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.StoryID, t.SiteID, t.TokenHash, t.Scope.Full, t.Scope.SummaryOnly,
		t.Scope.MediaIncluded, t.Scope.AttributionRequired, t.Scope.Anonymize,
		t.DomainRestriction, t.IssuedAt.UTC(), t.ExpiresAt.UTC(), t.UsageCount,
		timeArg(t.LastUsedAt), timeArg(t.RevokedAt), t.RevocationReason)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create embed token: %w", err)
	}
	return nil
}

// GetEmbedToken retrieves a token by ID.
// Returns ErrNotFound if the token doesn't exist.
func (s *Store) GetEmbedToken(ctx context.Context, id string) (*EmbedToken, error) {
	return s.getEmbedToken(ctx, "id = ?", id)
}

// GetEmbedTokenByHash retrieves a token by the SHA-256 hash of its string form.
// Returns ErrNotFound if the hash doesn't exist.
func (s *Store) GetEmbedTokenByHash(ctx context.Context, hash string) (*EmbedToken, error) {
	return s.getEmbedToken(ctx, "token_hash = ?", hash)
}

func (s *Store) getEmbedToken(ctx context.Context, where string, arg any) (*EmbedToken, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+embedTokenColumns+` FROM embed_tokens WHERE `+where), arg)
	t, err := scanEmbedToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get embed token: %w", err)
	}
	return t, nil
}

// FindActiveEmbedToken returns the most recently issued token for the pair that
// is neither revoked nor expired at now. Returns ErrNotFound if there is none.
func (s *Store) FindActiveEmbedToken(ctx context.Context, storyID, siteID string, now time.Time) (*EmbedToken, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+embedTokenColumns+` FROM embed_tokens
		WHERE story_id = ? AND site_id = ? AND revoked_at IS NULL AND expires_at > ?
		ORDER BY issued_at DESC, id DESC LIMIT 1`), storyID, siteID, now.UTC())
	t, err := scanEmbedToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find active embed token: %w", err)
	}
	return t, nil
}

// ListEmbedTokensForStory returns all tokens ever issued for a story, newest first.
func (s *Store) ListEmbedTokensForStory(ctx context.Context, storyID string) ([]*EmbedToken, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+embedTokenColumns+` FROM embed_tokens
		WHERE story_id = ? ORDER BY issued_at DESC, id DESC`), storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query embed tokens: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	tokens := []*EmbedToken{}
	for rows.Next() {
		t, err := scanEmbedToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan embed token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating embed tokens: %w", err)
	}
	return tokens, nil
}

// CountActiveEmbedTokens counts unrevoked, unexpired tokens for a story.
func (s *Store) CountActiveEmbedTokens(ctx context.Context, storyID string, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM embed_tokens
		WHERE story_id = ? AND revoked_at IS NULL AND expires_at > ?`), storyID, now.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active embed tokens: %w", err)
	}
	return n, nil
}

// IncrementTokenUsage atomically bumps usage_count for an unrevoked token.
// Returns false when the token was revoked (or removed) before the update landed.
func (s *Store) IncrementTokenUsage(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE embed_tokens
		SET usage_count = usage_count + 1, last_used_at = ?
		WHERE id = ? AND revoked_at IS NULL`), at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to increment token usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// RevokeEmbedTokens revokes every unrevoked token for the story, narrowed to one
// site when siteID is non-empty. Tokens that are already revoked are untouched.
// Returns the number of tokens revoked by this call.
func (s *Store) RevokeEmbedTokens(ctx context.Context, storyID, siteID, reason string, at time.Time) (int64, error) {
	query := `UPDATE embed_tokens SET revoked_at = ?, revocation_reason = ?
		WHERE story_id = ? AND revoked_at IS NULL`
	args := []any{at.UTC(), reason, storyID}
	if siteID != "" {
		query += ` AND site_id = ?`
		args = append(args, siteID)
	}

	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke embed tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// LatestTokenExpiry returns the latest expires_at among unrevoked tokens for the
// pair, or nil when the pair has no unrevoked tokens.
func (s *Store) LatestTokenExpiry(ctx context.Context, storyID, siteID string) (*time.Time, error) {
	// ORDER BY + LIMIT rather than MAX() keeps the column type so SQLite
	// hands back a time value.
	var latest time.Time
	err := s.db.QueryRowContext(ctx, s.q(`SELECT expires_at FROM embed_tokens
		WHERE story_id = ? AND site_id = ? AND revoked_at IS NULL
		ORDER BY expires_at DESC LIMIT 1`), storyID, siteID).Scan(&latest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read latest token expiry: %w", err)
	}
	latest = latest.UTC()
	return &latest, nil
}

func scanEmbedToken(sc scanner) (*EmbedToken, error) {
	var (
		t                EmbedToken
		lastUsed, revoke sql.NullTime
	)
	err := sc.Scan(&t.ID, &t.StoryID, &t.SiteID, &t.TokenHash, &t.Scope.Full, &t.Scope.SummaryOnly,
		&t.Scope.MediaIncluded, &t.Scope.AttributionRequired, &t.Scope.Anonymize,
		&t.DomainRestriction, &t.IssuedAt, &t.ExpiresAt, &t.UsageCount, &lastUsed, &revoke,
		&t.RevocationReason)
	if err != nil {
		return nil, err
	}
	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.LastUsedAt = nullTime(lastUsed)
	t.RevokedAt = nullTime(revoke)
	return &t, nil
}
