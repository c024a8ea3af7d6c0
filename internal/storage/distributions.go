package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/empathy-ledger/syndication-gateway/internal/ids"
)

const distributionColumns = `id, story_id, site_id, status, webhook_url, webhook_secret_encrypted,
	platform, platform_post_id, view_count, click_count, last_viewed_at, revoked_at, revocation_reason,
	webhook_response, created_at, updated_at`

// DistributionUpdate carries the optional column changes applied together with
// a status transition.
type DistributionUpdate struct {
	RevokedAt        *time.Time
	RevocationReason *string
	WebhookResponse  *string
	Platform         *string
	PlatformPostID   *string
	// ClearRevocation resets revoked_at and revocation_reason; it overrides
	// RevokedAt and RevocationReason.
	ClearRevocation bool
}

// CreateDistributionIfAbsent inserts d unless a row already exists for
// (StoryID, SiteID). It always returns the stored row and whether this call
// created it.
func (s *Store) CreateDistributionIfAbsent(ctx context.Context, d *Distribution) (*Distribution, bool, error) {
	if d.ID == "" {
		d.ID = ids.New()
	}
	if d.Status == "" {
		d.Status = DistributionActive
	}
	secret, err := EncryptSecret(d.WebhookSecret, s.encryptionKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encrypt distribution secret: %w", err)
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO distributions (`+distributionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, NULL, NULL, '', '', ?, ?)
		ON CONFLICT (story_id, site_id) DO NOTHING`),
		d.ID, d.StoryID, d.SiteID, string(d.Status), d.WebhookURL, secret,
		d.Platform, d.PlatformPostID, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create distribution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	stored, err := s.GetDistributionForSite(ctx, d.StoryID, d.SiteID)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

// GetDistribution retrieves a distribution by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *Store) GetDistribution(ctx context.Context, id string) (*Distribution, error) {
	return s.getDistribution(ctx, "id = ?", id)
}

// GetDistributionForSite retrieves the distribution row for a (story, site) pair.
// Returns ErrNotFound if it doesn't exist.
func (s *Store) GetDistributionForSite(ctx context.Context, storyID, siteID string) (*Distribution, error) {
	return s.getDistribution(ctx, "story_id = ? AND site_id = ?", storyID, siteID)
}

func (s *Store) getDistribution(ctx context.Context, where string, args ...any) (*Distribution, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+distributionColumns+` FROM distributions WHERE `+where), args...)
	d, err := s.scanDistribution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get distribution: %w", err)
	}
	return d, nil
}

// ListDistributionsForStory returns every distribution of a story, oldest first.
func (s *Store) ListDistributionsForStory(ctx context.Context, storyID string) ([]*Distribution, error) {
	return s.listDistributions(ctx, `WHERE story_id = ? ORDER BY created_at, id`, storyID)
}

// ListDistributionsByStatus returns distributions in any of the given statuses.
func (s *Store) ListDistributionsByStatus(ctx context.Context, statuses ...DistributionStatus) ([]*Distribution, error) {
	if len(statuses) == 0 {
		return []*Distribution{}, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return s.listDistributions(ctx, `WHERE status IN (`+inClause(len(statuses))+`) ORDER BY created_at, id`, args...)
}

func (s *Store) listDistributions(ctx context.Context, clause string, args ...any) ([]*Distribution, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+distributionColumns+` FROM distributions `+clause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query distributions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := []*Distribution{}
	for rows.Next() {
		d, err := s.scanDistribution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan distribution: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating distributions: %w", err)
	}
	return out, nil
}

// TransitionDistribution moves a distribution to status `to` only if its current
// status is one of `from`. Returns ErrStatusConflict when the row exists in some
// other status and ErrNotFound when it doesn't exist.
func (s *Store) TransitionDistribution(ctx context.Context, id string, from []DistributionStatus, to DistributionStatus, upd DistributionUpdate) error {
	if len(from) == 0 {
		return fmt.Errorf("transition requires at least one expected prior status")
	}

	set := `status = ?, updated_at = ?`
	args := []any{string(to), s.now()}
	switch {
	case upd.ClearRevocation:
		set += `, revoked_at = NULL, revocation_reason = ''`
	default:
		if upd.RevokedAt != nil {
			set += `, revoked_at = ?`
			args = append(args, upd.RevokedAt.UTC())
		}
		if upd.RevocationReason != nil {
			set += `, revocation_reason = ?`
			args = append(args, *upd.RevocationReason)
		}
	}
	if upd.WebhookResponse != nil {
		set += `, webhook_response = ?`
		args = append(args, *upd.WebhookResponse)
	}
	if upd.Platform != nil {
		set += `, platform = ?`
		args = append(args, *upd.Platform)
	}
	if upd.PlatformPostID != nil {
		set += `, platform_post_id = ?`
		args = append(args, *upd.PlatformPostID)
	}

	args = append(args, id)
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.db.ExecContext(ctx, s.q(`UPDATE distributions SET `+set+`
		WHERE id = ? AND status IN (`+inClause(len(from))+`)`), args...)
	if err != nil {
		return fmt.Errorf("failed to transition distribution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.GetDistribution(ctx, id); err != nil {
		return err
	}
	return ErrStatusConflict
}

// RecordDistributionEngagement adds view and click counts to a distribution.
// A positive views delta also stamps last_viewed_at.
func (s *Store) RecordDistributionEngagement(ctx context.Context, id string, views, clicks int64, at time.Time) error {
	query := `UPDATE distributions SET view_count = view_count + ?, click_count = click_count + ?, updated_at = ?`
	args := []any{views, clicks, s.now()}
	if views > 0 {
		query += `, last_viewed_at = ?`
		args = append(args, at.UTC())
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("failed to record distribution engagement: %w", err)
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

// SetDistributionWebhookResponse stores the raw body of the latest callback.
func (s *Store) SetDistributionWebhookResponse(ctx context.Context, id, raw string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE distributions SET webhook_response = ?, updated_at = ? WHERE id = ?`),
		raw, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to store webhook response: %w", err)
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

// SetDistributionWebhookURL changes where revocation notices for a distribution are sent.
func (s *Store) SetDistributionWebhookURL(ctx context.Context, id, url string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE distributions SET webhook_url = ?, updated_at = ? WHERE id = ?`),
		url, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to set distribution webhook url: %w", err)
	}
	return nil
}

func (s *Store) scanDistribution(sc scanner) (*Distribution, error) {
	var (
		d                  Distribution
		status, secret     string
		lastViewed, revoke sql.NullTime
	)
	err := sc.Scan(&d.ID, &d.StoryID, &d.SiteID, &status, &d.WebhookURL, &secret, &d.Platform,
		&d.PlatformPostID, &d.ViewCount, &d.ClickCount, &lastViewed, &revoke, &d.RevocationReason,
		&d.WebhookResponse, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = DistributionStatus(status)
	d.LastViewedAt = nullTime(lastViewed)
	d.RevokedAt = nullTime(revoke)

	d.WebhookSecret, err = DecryptSecret(secret, s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt distribution secret: %w", err)
	}
	return &d, nil
}
