package storage

import (
	"database/sql"
	"fmt"
)

// ddlStatements is shared by both backends: only portable column types
// (TEXT, BOOLEAN, BIGINT, INTEGER, TIMESTAMP) are used.
var ddlStatements = []string{
	// stories: read-only copy of the collaborator story catalogue
	`CREATE TABLE IF NOT EXISTS stories (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		storyteller_id TEXT NOT NULL,
		storyteller_display_name TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		excerpt TEXT NOT NULL DEFAULT '',
		themes TEXT NOT NULL DEFAULT '[]',
		media_urls TEXT NOT NULL DEFAULT '[]',
		cultural_permission_level TEXT NOT NULL DEFAULT 'public',
		is_public BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stories_storyteller ON stories(storyteller_id)`,

	// consent_grants: one sovereignty record per (story, site), never deleted
	`CREATE TABLE IF NOT EXISTS consent_grants (
		story_id TEXT NOT NULL,
		site_id TEXT NOT NULL,
		consent_granted BOOLEAN NOT NULL DEFAULT FALSE,
		granted_at TIMESTAMP NULL,
		revoked_at TIMESTAMP NULL,
		share_full_content BOOLEAN NOT NULL DEFAULT FALSE,
		share_summary_only BOOLEAN NOT NULL DEFAULT FALSE,
		share_media BOOLEAN NOT NULL DEFAULT FALSE,
		share_attribution BOOLEAN NOT NULL DEFAULT FALSE,
		anonymous_sharing BOOLEAN NOT NULL DEFAULT FALSE,
		cultural_restrictions TEXT NOT NULL DEFAULT '[]',
		requires_cultural_approval BOOLEAN NOT NULL DEFAULT FALSE,
		cultural_approval_status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (story_id, site_id),
		CHECK (NOT (share_full_content AND share_summary_only))
	)`,

	// embed_tokens: soft-revoked only, kept for audit
	`CREATE TABLE IF NOT EXISTS embed_tokens (
		id TEXT PRIMARY KEY,
		story_id TEXT NOT NULL,
		site_id TEXT NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		scope_full BOOLEAN NOT NULL DEFAULT FALSE,
		scope_summary_only BOOLEAN NOT NULL DEFAULT FALSE,
		scope_media BOOLEAN NOT NULL DEFAULT FALSE,
		scope_attribution BOOLEAN NOT NULL DEFAULT FALSE,
		scope_anonymize BOOLEAN NOT NULL DEFAULT FALSE,
		domain_restriction TEXT NOT NULL DEFAULT '',
		issued_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		usage_count BIGINT NOT NULL DEFAULT 0,
		last_used_at TIMESTAMP NULL,
		revoked_at TIMESTAMP NULL,
		revocation_reason TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_embed_tokens_story_site ON embed_tokens(story_id, site_id)`,

	`CREATE TABLE IF NOT EXISTS distributions (
		id TEXT PRIMARY KEY,
		story_id TEXT NOT NULL,
		site_id TEXT NOT NULL,
		status TEXT NOT NULL,
		webhook_url TEXT NOT NULL DEFAULT '',
		webhook_secret_encrypted TEXT NOT NULL,
		platform TEXT NOT NULL DEFAULT '',
		platform_post_id TEXT NOT NULL DEFAULT '',
		view_count BIGINT NOT NULL DEFAULT 0,
		click_count BIGINT NOT NULL DEFAULT 0,
		last_viewed_at TIMESTAMP NULL,
		revoked_at TIMESTAMP NULL,
		revocation_reason TEXT NOT NULL DEFAULT '',
		webhook_response TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (story_id, site_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_distributions_status ON distributions(status)`,

	`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
		id TEXT PRIMARY KEY,
		app_id TEXT NOT NULL,
		url TEXT NOT NULL,
		secret_encrypted TEXT NOT NULL,
		events TEXT NOT NULL DEFAULT '[]',
		description TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		state TEXT NOT NULL DEFAULT 'active',
		backoff_attempt INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMP NULL,
		last_triggered_at TIMESTAMP NULL,
		last_success_at TIMESTAMP NULL,
		last_failure_at TIMESTAMP NULL,
		failure_count INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (app_id, url)
	)`,

	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
		id TEXT PRIMARY KEY,
		subscription_id TEXT NOT NULL DEFAULT '',
		distribution_id TEXT NOT NULL DEFAULT '',
		story_id TEXT NOT NULL DEFAULT '',
		site_id TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		next_attempt_at TIMESTAMP NULL,
		last_status_code INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		response_excerpt TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due ON webhook_deliveries(status, next_attempt_at)`,

	// audit_log: append-only, the store exposes no update or delete
	`CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL DEFAULT '',
		story_id TEXT NOT NULL DEFAULT '',
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		previous_state TEXT NOT NULL DEFAULT '',
		new_state TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_story ON audit_log(story_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log(entity_type, entity_id)`,

	// principals: API keys identifying callers of the management API
	`CREATE TABLE IF NOT EXISTS principals (
		id TEXT PRIMARY KEY,
		key_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		subject_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS story_access_log (
		id TEXT PRIMARY KEY,
		story_id TEXT NOT NULL,
		site_id TEXT NOT NULL,
		token_id TEXT NOT NULL,
		domain TEXT NOT NULL DEFAULT '',
		accessed_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_story_access_log_story ON story_access_log(story_id, accessed_at)`,
}

// InitSchema creates all required tables and indexes.
// This is idempotent - safe to call multiple times.
func InitSchema(db *sql.DB) error {
	for _, stmt := range ddlStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute DDL: %w", err)
		}
	}
	return nil
}
