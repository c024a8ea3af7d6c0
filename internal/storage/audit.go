package storage

import (
	"context"
	"fmt"

	"github.com/empathy-ledger/syndication-gateway/internal/ids"
)

const auditColumns = `id, tenant_id, story_id, entity_type, entity_id, action, actor_type, actor_id,
	previous_state, new_state, summary, created_at`

// AppendAudit adds one entry to the audit log. There is deliberately no update
// or delete counterpart.
func (s *Store) AppendAudit(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if e.ActorType == "" {
		e.ActorType = ActorSystem
	}

	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO audit_log (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.TenantID, e.StoryID, e.EntityType, e.EntityID, e.Action, string(e.ActorType),
		e.ActorID, e.PreviousState, e.NewState, e.Summary, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAuditForStory returns audit entries for a story in the order they were written.
func (s *Store) ListAuditForStory(ctx context.Context, storyID string, limit int) ([]*AuditEntry, error) {
	return s.listAudit(ctx, `WHERE story_id = ?`, limit, storyID)
}

// ListAuditForEntity returns audit entries for one entity in the order they were written.
func (s *Store) ListAuditForEntity(ctx context.Context, entityType, entityID string, limit int) ([]*AuditEntry, error) {
	return s.listAudit(ctx, `WHERE entity_type = ? AND entity_id = ?`, limit, entityType, entityID)
}

func (s *Store) listAudit(ctx context.Context, where string, limit int, args ...any) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)

	// ULIDs sort by creation time, so id breaks ties within one timestamp.
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+auditColumns+` FROM audit_log `+where+`
		ORDER BY created_at, id LIMIT ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	entries := []*AuditEntry{}
	for rows.Next() {
		var (
			e     AuditEntry
			actor string
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.StoryID, &e.EntityType, &e.EntityID, &e.Action,
			&actor, &e.ActorID, &e.PreviousState, &e.NewState, &e.Summary, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.ActorType = ActorType(actor)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}
	return entries, nil
}
