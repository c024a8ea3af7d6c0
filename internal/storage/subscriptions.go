package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/empathy-ledger/syndication-gateway/internal/ids"
)

const subscriptionColumns = `id, app_id, url, secret_encrypted, events, description, is_active, state,
	backoff_attempt, next_attempt_at, last_triggered_at, last_success_at, last_failure_at,
	failure_count, consecutive_failures, created_at, updated_at`

// CreateSubscription stores a new webhook subscription.
// Returns ErrDuplicate if the app already registered the same URL.
func (s *Store) CreateSubscription(ctx context.Context, sub *WebhookSubscription) error {
	if sub.ID == "" {
		sub.ID = ids.New()
	}
	if sub.State == "" {
		sub.State = SubscriptionActive
	}
	events, err := json.Marshal(nonNil(sub.Events))
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	secret, err := EncryptSecret(sub.Secret, s.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt subscription secret: %w", err)
	}

	now := s.now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, NULL, NULL, 0, 0, ?, ?)`),
		sub.ID, sub.AppID, sub.URL, secret, string(events), sub.Description, sub.IsActive,
		string(sub.State), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// GetSubscription retrieves a subscription by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *Store) GetSubscription(ctx context.Context, id string) (*WebhookSubscription, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = ?`), id)
	sub, err := s.scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptionsForApp returns all subscriptions registered by an app.
func (s *Store) ListSubscriptionsForApp(ctx context.Context, appID string) ([]*WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		WHERE app_id = ? ORDER BY created_at, id`), appID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	subs := []*WebhookSubscription{}
	for rows.Next() {
		sub, err := s.scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}
	return subs, nil
}

// DeleteSubscription removes a subscription owned by appID.
// Returns ErrNotFound if no such subscription exists for the app.
func (s *Store) DeleteSubscription(ctx context.Context, id, appID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM webhook_subscriptions WHERE id = ? AND app_id = ?`), id, appID)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
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

// RecordSubscriptionSuccess resets failure tracking after a 2xx delivery.
func (s *Store) RecordSubscriptionSuccess(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE webhook_subscriptions
		SET consecutive_failures = 0, backoff_attempt = 0, next_attempt_at = NULL,
			state = CASE WHEN state = ? THEN state ELSE ? END,
			last_success_at = ?, last_triggered_at = ?, updated_at = ?
		WHERE id = ?`),
		string(SubscriptionDisabled), string(SubscriptionActive), at.UTC(), at.UTC(), s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to record subscription success: %w", err)
	}
	return nil
}

// SubscriptionFailure describes one failed delivery for failure accounting.
type SubscriptionFailure struct {
	At        time.Time
	Threshold int
	// Attempt and NextAttemptAt describe the scheduled retry; nil NextAttemptAt
	// means no retry is scheduled.
	Attempt       int
	NextAttemptAt *time.Time
}

// RecordSubscriptionFailure increments the failure counters in a single statement
// and disables the subscription once consecutive failures reach the threshold.
// Returns the updated subscription.
func (s *Store) RecordSubscriptionFailure(ctx context.Context, id string, f SubscriptionFailure) (*WebhookSubscription, error) {
	next := string(SubscriptionActive)
	if f.NextAttemptAt != nil {
		next = string(SubscriptionBackingOff)
	}
	disabled := string(SubscriptionDisabled)

	_, err := s.db.ExecContext(ctx, s.q(`UPDATE webhook_subscriptions
		SET failure_count = failure_count + 1,
			consecutive_failures = consecutive_failures + 1,
			state = CASE WHEN state = ? OR consecutive_failures + 1 >= ? THEN ? ELSE ? END,
			is_active = CASE WHEN state = ? OR consecutive_failures + 1 >= ? THEN FALSE ELSE is_active END,
			backoff_attempt = ?, next_attempt_at = ?,
			last_failure_at = ?, last_triggered_at = ?, updated_at = ?
		WHERE id = ?`),
		disabled, f.Threshold, disabled, next,
		disabled, f.Threshold,
		f.Attempt, timeArg(f.NextAttemptAt),
		f.At.UTC(), f.At.UTC(), s.now(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to record subscription failure: %w", err)
	}
	return s.GetSubscription(ctx, id)
}

// ReactivateSubscription re-enables a disabled subscription and clears its
// consecutive failure streak.
// Returns ErrNotFound if it doesn't exist.
func (s *Store) ReactivateSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE webhook_subscriptions
		SET is_active = TRUE, state = ?, consecutive_failures = 0, backoff_attempt = 0,
			next_attempt_at = NULL, updated_at = ?
		WHERE id = ?`), string(SubscriptionActive), s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to reactivate subscription: %w", err)
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

func (s *Store) scanSubscription(sc scanner) (*WebhookSubscription, error) {
	var (
		sub                              WebhookSubscription
		secret, events, state            string
		nextAt, triggered, succ, failure sql.NullTime
	)
	err := sc.Scan(&sub.ID, &sub.AppID, &sub.URL, &secret, &events, &sub.Description, &sub.IsActive,
		&state, &sub.BackoffAttempt, &nextAt, &triggered, &succ, &failure, &sub.FailureCount,
		&sub.ConsecutiveFailures, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.State = SubscriptionState(state)
	sub.NextAttemptAt = nullTime(nextAt)
	sub.LastTriggeredAt = nullTime(triggered)
	sub.LastSuccessAt = nullTime(succ)
	sub.LastFailureAt = nullTime(failure)
	if err := json.Unmarshal([]byte(events), &sub.Events); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	sub.Secret, err = DecryptSecret(secret, s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt subscription secret: %w", err)
	}
	return &sub, nil
}
