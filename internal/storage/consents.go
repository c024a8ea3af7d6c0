package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrScopeConflict is returned when a grant asks for both full and summary-only sharing.
var ErrScopeConflict = errors.New("share_full_content and share_summary_only are mutually exclusive")

const grantColumns = `story_id, site_id, consent_granted, granted_at, revoked_at, share_full_content,
	share_summary_only, share_media, share_attribution, anonymous_sharing, cultural_restrictions,
	requires_cultural_approval, cultural_approval_status, created_at, updated_at`

// UpsertConsentGrant creates or replaces the grant for (StoryID, SiteID).
// Writing a granted record clears any previous withdrawal.
func (s *Store) UpsertConsentGrant(ctx context.Context, g *ConsentGrant) error {
	if g.ShareFullContent && g.ShareSummaryOnly {
		return ErrScopeConflict
	}
	if g.CulturalApprovalStatus == "" {
		g.CulturalApprovalStatus = ApprovalPending
	}

	restrictions, err := json.Marshal(nonNil(g.CulturalRestrictions))
	if err != nil {
		return fmt.Errorf("failed to marshal cultural restrictions: %w", err)
	}

	now := s.now()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	if g.ConsentGranted && g.GrantedAt == nil {
		g.GrantedAt = &now
	}

	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO consent_grants (`+grantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (story_id, site_id) DO UPDATE SET
			consent_granted = excluded.consent_granted,
			granted_at = excluded.granted_at,
			revoked_at = excluded.revoked_at,
			share_full_content = excluded.share_full_content,
			share_summary_only = excluded.share_summary_only,
			share_media = excluded.share_media,
			share_attribution = excluded.share_attribution,
			anonymous_sharing = excluded.anonymous_sharing,
			cultural_restrictions = excluded.cultural_restrictions,
			requires_cultural_approval = excluded.requires_cultural_approval,
			cultural_approval_status = excluded.cultural_approval_status,
			updated_at = excluded.updated_at`),
		g.StoryID, g.SiteID, g.ConsentGranted, timeArg(g.GrantedAt), timeArg(g.RevokedAt),
		g.ShareFullContent, g.ShareSummaryOnly, g.ShareMedia, g.ShareAttribution, g.AnonymousSharing,
		string(restrictions), g.RequiresCulturalApproval, string(g.CulturalApprovalStatus),
		g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert consent grant: %w", err)
	}
	return nil
}

// GetConsentGrant retrieves the grant for a (story, site) pair.
// Returns ErrNotFound if none exists.
func (s *Store) GetConsentGrant(ctx context.Context, storyID, siteID string) (*ConsentGrant, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+grantColumns+`
		FROM consent_grants WHERE story_id = ? AND site_id = ?`), storyID, siteID)
	g, err := scanGrant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get consent grant: %w", err)
	}
	return g, nil
}

// ListConsentGrantsForStory returns every grant recorded for a story.
func (s *Store) ListConsentGrantsForStory(ctx context.Context, storyID string) ([]*ConsentGrant, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+grantColumns+`
		FROM consent_grants WHERE story_id = ? ORDER BY site_id`), storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query consent grants: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	grants := []*ConsentGrant{}
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consent grant: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating consent grants: %w", err)
	}
	return grants, nil
}

// RevokeConsentGrant marks the grant withdrawn. An already withdrawn grant keeps
// its original RevokedAt. Returns true when this call performed the withdrawal.
func (s *Store) RevokeConsentGrant(ctx context.Context, storyID, siteID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE consent_grants
		SET revoked_at = ?, updated_at = ?
		WHERE story_id = ? AND site_id = ? AND revoked_at IS NULL`),
		at.UTC(), s.now(), storyID, siteID)
	if err != nil {
		return false, fmt.Errorf("failed to revoke consent grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// SetCulturalApproval records a cultural reviewer's decision.
// Returns ErrNotFound if the grant doesn't exist.
func (s *Store) SetCulturalApproval(ctx context.Context, storyID, siteID string, status ApprovalStatus) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE consent_grants
		SET cultural_approval_status = ?, updated_at = ?
		WHERE story_id = ? AND site_id = ?`),
		string(status), s.now(), storyID, siteID)
	if err != nil {
		return fmt.Errorf("failed to set cultural approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGrant(sc scanner) (*ConsentGrant, error) {
	var (
		g                  ConsentGrant
		grantedAt, revoked sql.NullTime
		restrictions       string
		status             string
	)
	err := sc.Scan(&g.StoryID, &g.SiteID, &g.ConsentGranted, &grantedAt, &revoked,
		&g.ShareFullContent, &g.ShareSummaryOnly, &g.ShareMedia, &g.ShareAttribution,
		&g.AnonymousSharing, &restrictions, &g.RequiresCulturalApproval, &status,
		&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	g.GrantedAt = nullTime(grantedAt)
	g.RevokedAt = nullTime(revoked)
	g.CulturalApprovalStatus = ApprovalStatus(status)
	if err := json.Unmarshal([]byte(restrictions), &g.CulturalRestrictions); err != nil {
		return nil, fmt.Errorf("failed to decode cultural restrictions: %w", err)
	}
	return &g, nil
}
