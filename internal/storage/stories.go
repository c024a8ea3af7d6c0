package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const storyColumns = `id, tenant_id, storyteller_id, storyteller_display_name, title, content, excerpt,
	themes, media_urls, cultural_permission_level, is_public, created_at, updated_at`

// UpsertStory inserts or replaces the syndication copy of a story.
func (s *Store) UpsertStory(ctx context.Context, story *Story) error {
	if story.ID == "" || story.StorytellerID == "" {
		return fmt.Errorf("story id and storyteller id are required")
	}
	if story.CulturalPermissionLevel == "" {
		story.CulturalPermissionLevel = CulturalPublic
	}

	themes, err := json.Marshal(nonNil(story.Themes))
	if err != nil {
		return fmt.Errorf("failed to marshal themes: %w", err)
	}
	media, err := json.Marshal(nonNil(story.MediaURLs))
	if err != nil {
		return fmt.Errorf("failed to marshal media urls: %w", err)
	}

	now := s.now()
	if story.CreatedAt.IsZero() {
		story.CreatedAt = now
	}
	story.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO stories (`+storyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			storyteller_id = excluded.storyteller_id,
			storyteller_display_name = excluded.storyteller_display_name,
			title = excluded.title,
			content = excluded.content,
			excerpt = excluded.excerpt,
			themes = excluded.themes,
			media_urls = excluded.media_urls,
			cultural_permission_level = excluded.cultural_permission_level,
			is_public = excluded.is_public,
			updated_at = excluded.updated_at`),
		story.ID, story.TenantID, story.StorytellerID, story.StorytellerDisplayName,
		story.Title, story.Content, story.Excerpt, string(themes), string(media),
		string(story.CulturalPermissionLevel), story.IsPublic, story.CreatedAt, story.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert story: %w", err)
	}
	return nil
}

// GetStory retrieves a story by ID.
// Returns ErrNotFound if the story doesn't exist.
func (s *Store) GetStory(ctx context.Context, id string) (*Story, error) {
	var (
		st            Story
		themes, media string
		level         string
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT `+storyColumns+` FROM stories WHERE id = ?`), id).
		Scan(&st.ID, &st.TenantID, &st.StorytellerID, &st.StorytellerDisplayName, &st.Title,
			&st.Content, &st.Excerpt, &themes, &media, &level, &st.IsPublic, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get story: %w", err)
	}

	st.CulturalPermissionLevel = CulturalLevel(level)
	if err := json.Unmarshal([]byte(themes), &st.Themes); err != nil {
		return nil, fmt.Errorf("failed to decode themes for story %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(media), &st.MediaURLs); err != nil {
		return nil, fmt.Errorf("failed to decode media urls for story %s: %w", id, err)
	}
	return &st, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
