package storage

import (
	"context"
	"fmt"

	"github.com/empathy-ledger/syndication-gateway/internal/ids"
)

// DomainCount is an access tally for one requesting domain.
type DomainCount struct {
	Domain string `json:"domain"`
	Count  int64  `json:"count"`
}

// RecordStoryAccess appends one row to the story access log.
func (s *Store) RecordStoryAccess(ctx context.Context, a *StoryAccess) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.AccessedAt.IsZero() {
		a.AccessedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO story_access_log (id, story_id, site_id, token_id, domain, accessed_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		a.ID, a.StoryID, a.SiteID, a.TokenID, a.Domain, a.AccessedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record story access: %w", err)
	}
	return nil
}

// TopAccessDomains returns the most frequent requesting domains for a story.
func (s *Store) TopAccessDomains(ctx context.Context, storyID string, limit int) ([]DomainCount, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT domain, COUNT(*) AS n FROM story_access_log
		WHERE story_id = ? AND domain <> ''
		GROUP BY domain ORDER BY n DESC, domain LIMIT ?`), storyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query access domains: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := []DomainCount{}
	for rows.Next() {
		var dc DomainCount
		if err := rows.Scan(&dc.Domain, &dc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan access domain: %w", err)
		}
		out = append(out, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating access domains: %w", err)
	}
	return out, nil
}
