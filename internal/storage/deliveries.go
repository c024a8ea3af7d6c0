package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/empathy-ledger/syndication-gateway/internal/ids"
)

const deliveryColumns = `id, subscription_id, distribution_id, story_id, site_id, url, event_type, payload,
	attempts, status, next_attempt_at, last_status_code, last_error, response_excerpt, created_at, updated_at`

// DeliveryOutcome is the result of one attempt, written back onto the delivery row.
type DeliveryOutcome struct {
	Attempts        int
	Status          DeliveryStatus
	NextAttemptAt   *time.Time
	LastStatusCode  int
	LastError       string
	ResponseExcerpt string
}

// CreateDelivery stores a new pending delivery.
func (s *Store) CreateDelivery(ctx context.Context, d *WebhookDelivery) error {
	if d.ID == "" {
		d.ID = ids.New()
	}
	if d.Status == "" {
		d.Status = DeliveryPending
	}
	now := s.now()
	d.CreatedAt, d.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO webhook_deliveries (`+deliveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.SubscriptionID, d.DistributionID, d.StoryID, d.SiteID, d.URL, d.EventType,
		string(d.Payload), d.Attempts, string(d.Status), timeArg(d.NextAttemptAt),
		d.LastStatusCode, d.LastError, d.ResponseExcerpt, now, now)
	if err != nil {
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	return nil
}

// GetDelivery retrieves a delivery by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *Store) GetDelivery(ctx context.Context, id string) (*WebhookDelivery, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`), id)
	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return d, nil
}

// RecordDeliveryOutcome writes an attempt result onto a pending delivery.
// Returns ErrStatusConflict if the delivery is no longer pending.
func (s *Store) RecordDeliveryOutcome(ctx context.Context, id string, o DeliveryOutcome) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE webhook_deliveries
		SET attempts = ?, status = ?, next_attempt_at = ?, last_status_code = ?, last_error = ?,
			response_excerpt = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		o.Attempts, string(o.Status), timeArg(o.NextAttemptAt), o.LastStatusCode, o.LastError,
		o.ResponseExcerpt, s.now(), id, string(DeliveryPending))
	if err != nil {
		return fmt.Errorf("failed to record delivery outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrStatusConflict
	}
	return nil
}

// ListDueDeliveries returns pending deliveries whose next attempt is at or before now.
func (s *Store) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*WebhookDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listDeliveries(ctx, `WHERE status = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?
		ORDER BY next_attempt_at, id LIMIT ?`, string(DeliveryPending), now.UTC(), limit)
}

// ListDeliveriesForStory returns all deliveries tied to a story, newest first.
func (s *Store) ListDeliveriesForStory(ctx context.Context, storyID string) ([]*WebhookDelivery, error) {
	return s.listDeliveries(ctx, `WHERE story_id = ? ORDER BY created_at DESC, id DESC`, storyID)
}

func (s *Store) listDeliveries(ctx context.Context, clause string, args ...any) ([]*WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+deliveryColumns+` FROM webhook_deliveries `+clause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := []*WebhookDelivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deliveries: %w", err)
	}
	return out, nil
}

// AbandonPendingDeliveries marks every pending delivery of a subscription as
// abandoned and returns them as they were before the update.
func (s *Store) AbandonPendingDeliveries(ctx context.Context, subscriptionID, reason string) ([]*WebhookDelivery, error) {
	pending, err := s.listDeliveries(ctx, `WHERE subscription_id = ? AND status = ? ORDER BY created_at, id`,
		subscriptionID, string(DeliveryPending))
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return pending, nil
	}

	_, err = s.db.ExecContext(ctx, s.q(`UPDATE webhook_deliveries
		SET status = ?, next_attempt_at = NULL, last_error = ?, updated_at = ?
		WHERE subscription_id = ? AND status = ?`),
		string(DeliveryAbandoned), reason, s.now(), subscriptionID, string(DeliveryPending))
	if err != nil {
		return nil, fmt.Errorf("failed to abandon deliveries: %w", err)
	}
	return pending, nil
}

func scanDelivery(sc scanner) (*WebhookDelivery, error) {
	var (
		d       WebhookDelivery
		payload string
		status  string
		nextAt  sql.NullTime
	)
	err := sc.Scan(&d.ID, &d.SubscriptionID, &d.DistributionID, &d.StoryID, &d.SiteID, &d.URL,
		&d.EventType, &payload, &d.Attempts, &status, &nextAt, &d.LastStatusCode, &d.LastError,
		&d.ResponseExcerpt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Payload = []byte(payload)
	d.Status = DeliveryStatus(status)
	d.NextAttemptAt = nullTime(nextAt)
	return &d, nil
}
