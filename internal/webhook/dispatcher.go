// Package webhook signs and delivers outbound notifications to external
// sites and manages their subscriptions and retry state.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/empathy-ledger/syndication-gateway/internal/audit"
	"github.com/empathy-ledger/syndication-gateway/internal/logging"
	"github.com/empathy-ledger/syndication-gateway/internal/metrics"
	"github.com/empathy-ledger/syndication-gateway/internal/storage"
)

const (
	// UserAgent identifies outbound webhook requests.
	UserAgent = "Empathy-Ledger-Webhook/1.0"

	// Outbound headers.
	HeaderSignature = "X-Empathy-Signature"
	HeaderEvent     = "X-Empathy-Event"
	HeaderDelivery  = "X-Empathy-Delivery"
	HeaderAttempt   = "X-Empathy-Delivery-Attempt"
	HeaderTimestamp = "X-Empathy-Timestamp"

	maxExcerpt      = 1000
	maxResponseRead = 64 << 10
	retryBatch      = 100
)

var (
	// ErrInvalidURL is returned for an endpoint that is not https (or http on loopback).
	ErrInvalidURL = errors.New("invalid webhook url")
	// ErrInvalidEvent is returned for an empty or unknown event list.
	ErrInvalidEvent = errors.New("invalid webhook event")
	// ErrSubscriptionDisabled is returned when delivering to a disabled subscription.
	ErrSubscriptionDisabled = errors.New("webhook subscription disabled")
	// ErrNoEndpoint is returned when a target has no URL.
	ErrNoEndpoint = errors.New("no webhook endpoint configured")
)

// Store is the persistence the dispatcher needs.
type Store interface {
	CreateSubscription(ctx context.Context, sub *storage.WebhookSubscription) error
	GetSubscription(ctx context.Context, id string) (*storage.WebhookSubscription, error)
	ListSubscriptionsForApp(ctx context.Context, appID string) ([]*storage.WebhookSubscription, error)
	DeleteSubscription(ctx context.Context, id, appID string) error
	RecordSubscriptionSuccess(ctx context.Context, id string, at time.Time) error
	RecordSubscriptionFailure(ctx context.Context, id string, f storage.SubscriptionFailure) (*storage.WebhookSubscription, error)
	ReactivateSubscription(ctx context.Context, id string) error
	CreateDelivery(ctx context.Context, d *storage.WebhookDelivery) error
	RecordDeliveryOutcome(ctx context.Context, id string, o storage.DeliveryOutcome) error
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*storage.WebhookDelivery, error)
	AbandonPendingDeliveries(ctx context.Context, subscriptionID, reason string) ([]*storage.WebhookDelivery, error)
	GetDistribution(ctx context.Context, id string) (*storage.Distribution, error)
}

// Auditor records subscription state changes.
type Auditor interface {
	Record(ctx context.Context, e *storage.AuditEntry) error
}

// Policy controls timeouts, retries and disabling.
type Policy struct {
	Timeout          time.Duration
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	MaxAttempts      int
	FailureThreshold int
}

// DefaultPolicy returns the production delivery policy.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:          10 * time.Second,
		BaseBackoff:      time.Second,
		MaxBackoff:       30 * time.Second,
		MaxAttempts:      4,
		FailureThreshold: 10,
	}
}

// Backoff returns the wait before the retry that follows attempt (1-based):
// base * 2^(attempt-1), capped at MaxBackoff.
func (p Policy) Backoff(attempt int) time.Duration {
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	if exp > 30 {
		exp = 30
	}
	delay := p.BaseBackoff * time.Duration(int64(1)<<exp)
	if p.MaxBackoff > 0 && (delay > p.MaxBackoff || delay <= 0) {
		delay = p.MaxBackoff
	}
	return delay
}

// Target is one endpoint to deliver to. SubscriptionID is set for
// subscription deliveries; DistributionID ties a delivery to the
// distribution it concerns. The secret comes from the subscription when
// there is one, otherwise from the distribution.
type Target struct {
	SubscriptionID string
	DistributionID string
	SiteID         string
	URL            string
	Secret         string
}

// Result is the outcome of one delivery attempt.
type Result struct {
	DeliveryID     string     `json:"deliveryId"`
	SubscriptionID string     `json:"subscriptionId,omitempty"`
	Delivered      bool       `json:"delivered"`
	StatusCode     int        `json:"statusCode,omitempty"`
	Attempts       int        `json:"attempts"`
	Permanent      bool       `json:"permanent,omitempty"`
	Disabled       bool       `json:"subscriptionDisabled,omitempty"`
	Abandoned      bool       `json:"abandoned,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	NextAttemptAt  *time.Time `json:"nextAttemptAt,omitempty"`
	// Response is an excerpt of the endpoint's response body.
	Response string `json:"-"`
}

// RetryScheduled reports whether another attempt is queued.
func (r *Result) RetryScheduled() bool {
	return r.NextAttemptAt != nil
}

// Terminal reports whether the delivery will not be attempted again.
func (r *Result) Terminal() bool {
	return r.Delivered || r.NextAttemptAt == nil
}

// OutcomeFunc observes the terminal outcome of a retried or abandoned delivery.
type OutcomeFunc func(ctx context.Context, d *storage.WebhookDelivery, r *Result)

// FilterFunc decides whether a due retry is still wanted.
type FilterFunc func(ctx context.Context, d *storage.WebhookDelivery) bool

// Dispatcher delivers signed webhooks.
type Dispatcher struct {
	store      Store
	httpClient *http.Client
	policy     Policy
	audit      Auditor
	logger     *slog.Logger
	now        func() time.Time
	filter     FilterFunc
	onOutcome  OutcomeFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		d.httpClient = client
	}
}

// WithPolicy overrides the delivery policy.
func WithPolicy(p Policy) Option {
	return func(d *Dispatcher) {
		d.policy = p
	}
}

// WithAuditor records subscription disables and reactivations.
func WithAuditor(a Auditor) Option {
	return func(d *Dispatcher) {
		d.audit = a
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a Dispatcher. The default HTTP client logs each
// exchange at debug level.
func NewDispatcher(store Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		policy: DefaultPolicy(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.httpClient == nil {
		d.httpClient = &http.Client{Transport: &LoggingTransport{Logger: d.logger}}
	}
	return d
}

// SetHooks installs the check consulted before each retry and the callback
// for terminal retry outcomes. Either may be nil.
func (d *Dispatcher) SetHooks(filter FilterFunc, onOutcome OutcomeFunc) {
	d.filter = filter
	d.onOutcome = onOutcome
}

// Policy returns the delivery policy in force.
func (d *Dispatcher) Policy() Policy {
	return d.policy
}

// ValidateURL accepts https endpoints, and plain http only on loopback hosts.
func ValidateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Host == "" || u.Hostname() == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		host := u.Hostname()
		if host == "localhost" {
			return nil
		}
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return nil
		}
		return fmt.Errorf("%w: http is only allowed for localhost", ErrInvalidURL)
	default:
		return fmt.Errorf("%w: scheme must be https", ErrInvalidURL)
	}
}

// Registration is a newly created subscription. Secret is shown only here.
type Registration struct {
	Subscription *storage.WebhookSubscription
	Secret       string
}

// Register validates and stores a subscription for appID with a new secret.
// Returns storage.ErrDuplicate if the app already registered rawURL.
func (d *Dispatcher) Register(ctx context.Context, appID, rawURL string, events []string, description string) (*Registration, error) {
	if appID == "" {
		return nil, errors.New("app id is required")
	}
	endpoint := strings.TrimSpace(rawURL)
	if err := ValidateURL(endpoint); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: at least one event is required", ErrInvalidEvent)
	}
	uniq := make([]string, 0, len(events))
	for _, e := range events {
		if !KnownEvent(e) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidEvent, e)
		}
		if !slices.Contains(uniq, e) {
			uniq = append(uniq, e)
		}
	}

	existing, err := d.store.ListSubscriptionsForApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	for _, s := range existing {
		if s.URL == endpoint {
			return nil, storage.ErrDuplicate
		}
	}

	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}
	sub := &storage.WebhookSubscription{
		AppID:       appID,
		URL:         endpoint,
		Secret:      secret,
		Events:      uniq,
		Description: description,
		IsActive:    true,
		State:       storage.SubscriptionActive,
	}
	if err := d.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	d.logger.Info("webhook subscription registered", "subscription_id", sub.ID, "app_id", appID, "events", uniq)
	return &Registration{Subscription: sub, Secret: secret}, nil
}

// Subscriptions lists an app's subscriptions.
func (d *Dispatcher) Subscriptions(ctx context.Context, appID string) ([]*storage.WebhookSubscription, error) {
	return d.store.ListSubscriptionsForApp(ctx, appID)
}

// Unregister deletes a subscription owned by appID.
func (d *Dispatcher) Unregister(ctx context.Context, id, appID string) error {
	return d.store.DeleteSubscription(ctx, id, appID)
}

// Reactivate re-enables a disabled subscription.
func (d *Dispatcher) Reactivate(ctx context.Context, id string) error {
	sub, err := d.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	if err := d.store.ReactivateSubscription(ctx, id); err != nil {
		return err
	}
	d.record(ctx, &storage.AuditEntry{
		EntityType:    audit.EntitySubscription,
		EntityID:      id,
		Action:        audit.ActionSubscriptionState,
		ActorType:     storage.ActorUser,
		PreviousState: string(StateOf(sub).Kind),
		NewState:      string(storage.SubscriptionActive),
		Summary:       "subscription reactivated",
	})
	return nil
}

// Notification is an event fanned out to an app's subscriptions.
type Notification struct {
	AppID          string
	StoryID        string
	DistributionID string
	Event          string
	Metadata       map[string]any
}

// Notify delivers n to every subscription of n.AppID that listens for
// n.Event and is not disabled. Per-subscription errors are joined; results
// are returned for every attempt made.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) ([]*Result, error) {
	subs, err := d.store.ListSubscriptionsForApp(ctx, n.AppID)
	if err != nil {
		return nil, err
	}
	var (
		results []*Result
		errs    []error
	)
	for _, sub := range subs {
		if !sub.Subscribes(n.Event) || StateOf(sub).Disabled() {
			continue
		}
		res, err := d.Deliver(ctx, Target{
			SubscriptionID: sub.ID,
			DistributionID: n.DistributionID,
			SiteID:         n.AppID,
			URL:            sub.URL,
			Secret:         sub.Secret,
		}, Envelope{StoryID: n.StoryID, Event: n.Event, Metadata: n.Metadata})
		if err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Deliver records a delivery for t and makes the first attempt. A failed
// attempt schedules a retry per the policy; RetryDue performs it.
func (d *Dispatcher) Deliver(ctx context.Context, t Target, env Envelope) (*Result, error) {
	if t.URL == "" {
		return nil, ErrNoEndpoint
	}
	if t.SubscriptionID != "" {
		sub, err := d.store.GetSubscription(ctx, t.SubscriptionID)
		if err != nil {
			return nil, err
		}
		if StateOf(sub).Disabled() {
			return nil, ErrSubscriptionDisabled
		}
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = d.now().UTC()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	del := &storage.WebhookDelivery{
		SubscriptionID: t.SubscriptionID,
		DistributionID: t.DistributionID,
		StoryID:        env.StoryID,
		SiteID:         t.SiteID,
		URL:            t.URL,
		EventType:      env.Event,
		Payload:        body,
	}
	if err := d.store.CreateDelivery(ctx, del); err != nil {
		return nil, err
	}
	return d.attempt(ctx, del, t.Secret)
}

// RetryDue attempts every pending delivery whose retry time has come and
// returns how many were processed.
func (d *Dispatcher) RetryDue(ctx context.Context) (int, error) {
	due, err := d.store.ListDueDeliveries(ctx, d.now(), retryBatch)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, del := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if d.filter != nil && !d.filter(ctx, del) {
			if err := d.abandon(ctx, del, "no longer required"); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		secret, reason, err := d.secretFor(ctx, del)
		if err != nil {
			return processed, err
		}
		if reason != "" {
			if err := d.abandon(ctx, del, reason); err != nil {
				return processed, err
			}
			d.report(ctx, del, &Result{DeliveryID: del.ID, SubscriptionID: del.SubscriptionID,
				Attempts: del.Attempts, Abandoned: true, LastError: reason})
			processed++
			continue
		}

		res, err := d.attempt(ctx, del, secret)
		if err != nil {
			return processed, err
		}
		if res.Terminal() {
			d.report(ctx, del, res)
		}
		processed++
	}
	return processed, nil
}

// secretFor returns the signing secret for a retry, or a non-empty reason
// when the delivery can no longer be made.
func (d *Dispatcher) secretFor(ctx context.Context, del *storage.WebhookDelivery) (secret, reason string, err error) {
	if del.SubscriptionID != "" {
		sub, err := d.store.GetSubscription(ctx, del.SubscriptionID)
		if errors.Is(err, storage.ErrNotFound) {
			return "", "subscription deleted", nil
		}
		if err != nil {
			return "", "", err
		}
		if StateOf(sub).Disabled() {
			return "", "subscription disabled", nil
		}
		return sub.Secret, "", nil
	}
	if del.DistributionID != "" {
		dist, err := d.store.GetDistribution(ctx, del.DistributionID)
		if errors.Is(err, storage.ErrNotFound) {
			return "", "distribution deleted", nil
		}
		if err != nil {
			return "", "", err
		}
		return dist.WebhookSecret, "", nil
	}
	return "", "no signing secret", nil
}

// attempt sends del once and persists the outcome.
func (d *Dispatcher) attempt(ctx context.Context, del *storage.WebhookDelivery, secret string) (*Result, error) {
	del.Attempts++
	res := d.send(ctx, del, secret)
	res.DeliveryID = del.ID
	res.SubscriptionID = del.SubscriptionID
	res.Attempts = del.Attempts

	// Bookkeeping must land even when the caller's context is gone.
	ctx = context.WithoutCancel(ctx)
	now := d.now()
	outcome := storage.DeliveryOutcome{
		Attempts:        del.Attempts,
		LastStatusCode:  res.StatusCode,
		LastError:       res.LastError,
		ResponseExcerpt: res.Response,
	}

	if res.Delivered {
		outcome.Status = storage.DeliveryDelivered
		if del.SubscriptionID != "" {
			if err := d.store.RecordSubscriptionSuccess(ctx, del.SubscriptionID, now); err != nil {
				return nil, err
			}
		}
		metrics.RecordWebhookDelivery(del.EventType, "delivered")
	} else {
		var next *time.Time
		if !res.Permanent && del.Attempts < d.policy.MaxAttempts {
			at := now.Add(d.policy.Backoff(del.Attempts)).UTC()
			next = &at
		}
		if del.SubscriptionID != "" {
			sub, err := d.store.RecordSubscriptionFailure(ctx, del.SubscriptionID, storage.SubscriptionFailure{
				At:            now,
				Threshold:     d.policy.FailureThreshold,
				Attempt:       del.Attempts,
				NextAttemptAt: next,
			})
			if err != nil {
				return nil, err
			}
			if StateOf(sub).Disabled() {
				next = nil
				res.Disabled = true
				if err := d.disable(ctx, sub, del.ID); err != nil {
					return nil, err
				}
			}
		}
		res.NextAttemptAt = next
		if next != nil {
			outcome.Status = storage.DeliveryPending
			outcome.NextAttemptAt = next
			metrics.RecordWebhookDelivery(del.EventType, "retrying")
		} else {
			outcome.Status = storage.DeliveryFailed
			metrics.RecordWebhookDelivery(del.EventType, "failed")
		}
		d.logger.Warn("webhook delivery failed",
			"delivery_id", del.ID,
			"event", del.EventType,
			"url", del.URL,
			"attempt", del.Attempts,
			"status_code", res.StatusCode,
			"error", res.LastError,
			"retry_scheduled", next != nil,
		)
	}

	if err := d.store.RecordDeliveryOutcome(ctx, del.ID, outcome); err != nil {
		return nil, err
	}
	del.Status = outcome.Status
	del.NextAttemptAt = outcome.NextAttemptAt
	del.LastStatusCode = outcome.LastStatusCode
	del.LastError = outcome.LastError
	del.ResponseExcerpt = outcome.ResponseExcerpt
	return res, nil
}

// send performs one HTTP POST bounded by the policy timeout.
func (d *Dispatcher) send(ctx context.Context, del *storage.WebhookDelivery, secret string) *Result {
	res := &Result{}
	ctx, cancel := context.WithTimeout(ctx, d.policy.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, del.URL, bytes.NewReader(del.Payload))
	if err != nil {
		res.LastError = err.Error()
		res.Permanent = true
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(HeaderSignature, Sign(secret, del.Payload))
	req.Header.Set(HeaderEvent, del.EventType)
	req.Header.Set(HeaderDelivery, del.ID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(del.Attempts))
	req.Header.Set(HeaderTimestamp, d.now().UTC().Format(time.RFC3339))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.LastError = fmt.Sprintf("timed out after %s", d.policy.Timeout)
		} else {
			res.LastError = err.Error()
		}
		return res
	}
	defer func() {
		//nolint:errcheck
		resp.Body.Close()
	}()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseRead))
	res.StatusCode = resp.StatusCode
	res.Response = excerpt(body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Delivered = true
		return res
	}
	res.LastError = fmt.Sprintf("endpoint returned %d", resp.StatusCode)
	res.Permanent = permanentStatus(resp.StatusCode)
	return res
}

// permanentStatus reports whether a status means retrying cannot help.
func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

// disable abandons a newly disabled subscription's other pending deliveries.
func (d *Dispatcher) disable(ctx context.Context, sub *storage.WebhookSubscription, currentID string) error {
	metrics.RecordSubscriptionDisabled()
	d.logger.Warn("webhook subscription disabled",
		"subscription_id", sub.ID,
		"app_id", sub.AppID,
		"consecutive_failures", sub.ConsecutiveFailures,
	)
	d.record(ctx, &storage.AuditEntry{
		EntityType: audit.EntitySubscription,
		EntityID:   sub.ID,
		Action:     audit.ActionSubscriptionState,
		ActorType:  storage.ActorSystem,
		NewState:   string(storage.SubscriptionDisabled),
		Summary:    fmt.Sprintf("disabled after %d consecutive failures", sub.ConsecutiveFailures),
	})

	abandoned, err := d.store.AbandonPendingDeliveries(ctx, sub.ID, "subscription disabled")
	if err != nil {
		return err
	}
	for _, del := range abandoned {
		if del.ID == currentID {
			continue
		}
		metrics.RecordWebhookDelivery(del.EventType, "abandoned")
		d.report(ctx, del, &Result{DeliveryID: del.ID, SubscriptionID: sub.ID, Attempts: del.Attempts,
			Abandoned: true, Disabled: true, LastError: "subscription disabled"})
	}
	return nil
}

func (d *Dispatcher) abandon(ctx context.Context, del *storage.WebhookDelivery, reason string) error {
	metrics.RecordWebhookDelivery(del.EventType, "abandoned")
	return d.store.RecordDeliveryOutcome(ctx, del.ID, storage.DeliveryOutcome{
		Attempts:        del.Attempts,
		Status:          storage.DeliveryAbandoned,
		LastStatusCode:  del.LastStatusCode,
		LastError:       reason,
		ResponseExcerpt: del.ResponseExcerpt,
	})
}

func (d *Dispatcher) report(ctx context.Context, del *storage.WebhookDelivery, res *Result) {
	if d.onOutcome != nil {
		d.onOutcome(ctx, del, res)
	}
}

func (d *Dispatcher) record(ctx context.Context, e *storage.AuditEntry) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Record(ctx, e); err != nil {
		d.logger.Error("failed to write audit entry", "entity_id", e.EntityID, "action", e.Action, "error", err)
	}
}

// excerpt keeps at most maxExcerpt runes of a response body.
func excerpt(body []byte) string {
	s := string(body)
	if !utf8.ValidString(s) {
		return logging.FormatBinaryData(body)
	}
	if utf8.RuneCountInString(s) <= maxExcerpt {
		return s
	}
	r := []rune(s)
	return string(r[:maxExcerpt])
}
