package webhook_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/empathy-ledger/syndication-gateway/internal/audit"
	"github.com/empathy-ledger/syndication-gateway/internal/storage"
	"github.com/empathy-ledger/syndication-gateway/internal/testutil/mocksite"
	"github.com/empathy-ledger/syndication-gateway/internal/webhook"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store *storage.Store
	disp  *webhook.Dispatcher
	clock *clock
	site  *mocksite.Server
}

func newFixture(t *testing.T, policy webhook.Policy) *fixture {
	t.Helper()
	store, err := storage.New(":memory:", []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	site := mocksite.New("")
	t.Cleanup(site.Close)

	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	disp := webhook.NewDispatcher(store,
		webhook.WithPolicy(policy),
		webhook.WithClock(c.Now),
		webhook.WithAuditor(audit.New(store, nil)),
	)
	return &fixture{store: store, disp: disp, clock: c, site: site}
}

func fastPolicy() webhook.Policy {
	return webhook.Policy{
		Timeout:          2 * time.Second,
		BaseBackoff:      time.Second,
		MaxBackoff:       30 * time.Second,
		MaxAttempts:      4,
		FailureThreshold: 10,
	}
}

func (f *fixture) register(t *testing.T, events ...string) *webhook.Registration {
	t.Helper()
	reg, err := f.disp.Register(context.Background(), "site-a", f.site.WebhookURL(), events, "test")
	require.NoError(t, err)
	f.site.SetSecret(reg.Secret)
	return reg
}

func TestValidateURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url string
		ok  bool
	}{
		{"https://site.example/hooks", true},
		{"http://localhost:8080/hook", true},
		{"http://127.0.0.1:9000/hook", true},
		{"http://[::1]:9000/hook", true},
		{"http://site.example/hook", false},
		{"ftp://site.example/hook", false},
		{"https://", false},
		{"not a url", false},
	}
	for _, tt := range tests {
		err := webhook.ValidateURL(tt.url)
		if tt.ok {
			assert.NoError(t, err, tt.url)
		} else {
			assert.ErrorIs(t, err, webhook.ErrInvalidURL, tt.url)
		}
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastPolicy())
	ctx := context.Background()

	_, err := f.disp.Register(ctx, "site-a", "http://site.example/hook", []string{webhook.EventContentRevoked}, "")
	require.ErrorIs(t, err, webhook.ErrInvalidURL)

	_, err = f.disp.Register(ctx, "site-a", f.site.WebhookURL(), nil, "")
	require.ErrorIs(t, err, webhook.ErrInvalidEvent)

	_, err = f.disp.Register(ctx, "site-a", f.site.WebhookURL(), []string{"story.deleted"}, "")
	require.ErrorIs(t, err, webhook.ErrInvalidEvent)

	reg, err := f.disp.Register(ctx, "site-a", f.site.WebhookURL(),
		[]string{webhook.EventContentRevoked, webhook.EventContentRevoked, webhook.EventConsentRevoked}, "primary")
	require.NoError(t, err)
	assert.Regexp(t, `^whsec_[0-9a-f]{64}$`, reg.Secret)
	assert.Equal(t, []string{webhook.EventContentRevoked, webhook.EventConsentRevoked}, reg.Subscription.Events)
	assert.True(t, reg.Subscription.IsActive)

	_, err = f.disp.Register(ctx, "site-a", f.site.WebhookURL(), []string{webhook.EventStoryUpdated}, "")
	require.ErrorIs(t, err, storage.ErrDuplicate)

	subs, err := f.disp.Subscriptions(ctx, "site-a")
	require.NoError(t, err)
	require.Len(t, subs, 1)

	require.NoError(t, f.disp.Unregister(ctx, reg.Subscription.ID, "site-a"))
	require.ErrorIs(t, f.disp.Unregister(ctx, reg.Subscription.ID, "site-a"), storage.ErrNotFound)
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	p := fastPolicy()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, p.Backoff(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 30*time.Second, p.Backoff(64))
}

func TestDeliverSignedEnvelope(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastPolicy())
	ctx := context.Background()
	reg := f.register(t, webhook.EventContentRevoked)

	results, err := f.disp.Notify(ctx, webhook.Notification{
		AppID:    "site-a",
		StoryID:  "story-1",
		Event:    webhook.EventContentRevoked,
		Metadata: map[string]any{"reason": "storyteller request"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	res := results[0]
	assert.True(t, res.Delivered)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, mocksite.RemovedBody, res.Response)
	assert.False(t, res.RetryScheduled())

	got := f.site.Received()
	require.Len(t, got, 1)
	assert.True(t, got[0].SignatureValid)
	assert.Equal(t, webhook.EventContentRevoked, got[0].Event)
	assert.Equal(t, res.DeliveryID, got[0].DeliveryID)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, webhook.UserAgent, got[0].UserAgent)
	assert.Equal(t, "story-1", got[0].Envelope.StoryID)
	assert.Equal(t, "storyteller request", got[0].Envelope.Metadata["reason"])

	sub, err := f.store.GetSubscription(ctx, reg.Subscription.ID)
	require.NoError(t, err)
	assert.NotNil(t, sub.LastSuccessAt)
	assert.Equal(t, 0, sub.ConsecutiveFailures)

	del, err := f.store.GetDelivery(ctx, res.DeliveryID)
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryDelivered, del.Status)
}

func TestNotifySkipsUnsubscribedEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastPolicy())
	f.register(t, webhook.EventConsentGranted)

	results, err := f.disp.Notify(context.Background(), webhook.Notification{
		AppID: "site-a", StoryID: "story-1", Event: webhook.EventStoryUpdated,
	})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, f.site.Received())
}

func TestRetryAfterTransientFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastPolicy())
	ctx := context.Background()
	reg := f.register(t, webhook.EventContentRevoked)
	f.site.SetBehaviour(mocksite.Behaviour{Status: http.StatusOK, Body: mocksite.RemovedBody, FailFirst: 1})

	var (
		mu       sync.Mutex
		outcomes []*webhook.Result
	)
	f.disp.SetHooks(nil, func(_ context.Context, _ *storage.WebhookDelivery, r *webhook.Result) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, r)
	})

	results, err := f.disp.Notify(ctx, webhook.Notification{AppID: "site-a", StoryID: "story-1", Event: webhook.EventContentRevoked})
	require.NoError(t, err)
	require.Len(t, results, 1)
	first := results[0]
	assert.False(t, first.Delivered)
	assert.Equal(t, http.StatusServiceUnavailable, first.StatusCode)
	require.True(t, first.RetryScheduled())
	assert.True(t, first.NextAttemptAt.Equal(f.clock.Now().Add(time.Second)))

	sub, err := f.store.GetSubscription(ctx, reg.Subscription.ID)
	require.NoError(t, err)
	state := webhook.StateOf(sub)
	assert.Equal(t, storage.SubscriptionBackingOff, state.Kind)
	assert.Equal(t, 1, state.Attempt)

	// Not yet due.
	n, err := f.disp.RetryDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Second)
	n, err = f.disp.RetryDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mu.Lock()
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Delivered)
	assert.Equal(t, 2, outcomes[0].Attempts)
	mu.Unlock()

	got := f.site.Received()
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[1].Attempt)
	assert.Equal(t, got[0].DeliveryID, got[1].DeliveryID)

	sub, err = f.store.GetSubscription(ctx, reg.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.SubscriptionActive, webhook.StateOf(sub).Kind)
}

func TestClientErrorsArePermanent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusGone, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, fastPolicy())
			f.register(t, webhook.EventContentRevoked)
			f.site.SetBehaviour(mocksite.Behaviour{Status: tt.status})

			results, err := f.disp.Notify(context.Background(), webhook.Notification{
				AppID: "site-a", StoryID: "story-1", Event: webhook.EventContentRevoked,
			})
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.False(t, results[0].Delivered)
			assert.Equal(t, tt.permanent, results[0].Permanent)
			assert.Equal(t, !tt.permanent, results[0].RetryScheduled())
		})
	}
}

func TestAttemptTimeout(t *testing.T) {
	t.Parallel()
	p := fastPolicy()
	p.Timeout = 50 * time.Millisecond
	f := newFixture(t, p)
	f.register(t, webhook.EventContentRevoked)
	f.site.SetBehaviour(mocksite.Behaviour{Status: http.StatusOK, Delay: time.Second})

	start := time.Now()
	results, err := f.disp.Notify(context.Background(), webhook.Notification{
		AppID: "site-a", StoryID: "story-1", Event: webhook.EventContentRevoked,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, results, 1)
	assert.False(t, results[0].Delivered)
	assert.Contains(t, results[0].LastError, "timed out")
	assert.True(t, results[0].RetryScheduled())
}

func TestAttemptsExhausted(t *testing.T) {
	t.Parallel()
	p := fastPolicy()
	p.MaxAttempts = 2
	f := newFixture(t, p)
	ctx := context.Background()
	f.register(t, webhook.EventContentRevoked)
	f.site.SetBehaviour(mocksite.Behaviour{Status: http.StatusBadGateway})

	var terminal *webhook.Result
	f.disp.SetHooks(nil, func(_ context.Context, _ *storage.WebhookDelivery, r *webhook.Result) { terminal = r })

	results, err := f.disp.Notify(ctx, webhook.Notification{AppID: "site-a", StoryID: "story-1", Event: webhook.EventContentRevoked})
	require.NoError(t, err)
	require.True(t, results[0].RetryScheduled())

	f.clock.Advance(time.Second)
	_, err = f.disp.RetryDue(ctx)
	require.NoError(t, err)

	require.NotNil(t, terminal)
	assert.False(t, terminal.Delivered)
	assert.False(t, terminal.RetryScheduled())
	assert.Equal(t, 2, terminal.Attempts)

	del, err := f.store.GetDelivery(ctx, results[0].DeliveryID)
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryFailed, del.Status)
	assert.Equal(t, http.StatusBadGateway, del.LastStatusCode)
}

func TestThresholdDisablesSubscription(t *testing.T) {
	t.Parallel()
	p := fastPolicy()
	p.FailureThreshold = 3
	f := newFixture(t, p)
	ctx := context.Background()
	reg := f.register(t, webhook.EventContentRevoked, webhook.EventStoryUpdated)
	f.site.SetBehaviour(mocksite.Behaviour{Status: http.StatusInternalServerError})

	var firstID string
	for i := range 3 {
		results, err := f.disp.Notify(ctx, webhook.Notification{AppID: "site-a", StoryID: "story-1", Event: webhook.EventStoryUpdated})
		require.NoError(t, err)
		require.Len(t, results, 1)
		if i == 0 {
			firstID = results[0].DeliveryID
		}
		assert.Equal(t, i == 2, results[0].Disabled, "notification %d", i)
	}

	sub, err := f.store.GetSubscription(ctx, reg.Subscription.ID)
	require.NoError(t, err)
	assert.True(t, webhook.StateOf(sub).Disabled())
	assert.False(t, sub.IsActive)

	// Earlier deliveries waiting to retry are abandoned.
	del, err := f.store.GetDelivery(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryAbandoned, del.Status)

	before := len(f.site.Received())
	results, err := f.disp.Notify(ctx, webhook.Notification{AppID: "site-a", StoryID: "story-1", Event: webhook.EventStoryUpdated})
	require.NoError(t, err)
	assert.Empty(t, results)
	_, err = f.disp.Deliver(ctx, webhook.Target{SubscriptionID: sub.ID, URL: sub.URL, Secret: reg.Secret},
		webhook.Envelope{StoryID: "story-1", Event: webhook.EventStoryUpdated})
	require.ErrorIs(t, err, webhook.ErrSubscriptionDisabled)
	assert.Len(t, f.site.Received(), before, "disabled subscriptions get no attempts")

	f.clock.Advance(time.Hour)
	_, err = f.disp.RetryDue(ctx)
	require.NoError(t, err)
	assert.Len(t, f.site.Received(), before)

	require.NoError(t, f.disp.Reactivate(ctx, sub.ID))
	f.site.SetBehaviour(mocksite.Behaviour{Status: http.StatusOK})
	results, err = f.disp.Notify(ctx, webhook.Notification{AppID: "site-a", StoryID: "story-1", Event: webhook.EventStoryUpdated})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Delivered)

	entries, err := f.store.ListAuditForEntity(ctx, audit.EntitySubscription, sub.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "disabled", entries[0].NewState)
	assert.Equal(t, "active", entries[1].NewState)
}

func TestRetryFilterAbandons(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastPolicy())
	ctx := context.Background()
	f.register(t, webhook.EventContentRevoked)
	f.site.SetBehaviour(mocksite.Behaviour{Status: http.StatusServiceUnavailable})

	results, err := f.disp.Notify(ctx, webhook.Notification{AppID: "site-a", StoryID: "story-1", Event: webhook.EventContentRevoked})
	require.NoError(t, err)

	hookCalled := false
	f.disp.SetHooks(
		func(context.Context, *storage.WebhookDelivery) bool { return false },
		func(context.Context, *storage.WebhookDelivery, *webhook.Result) { hookCalled = true },
	)
	f.clock.Advance(time.Minute)
	n, err := f.disp.RetryDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, hookCalled)
	assert.Len(t, f.site.Received(), 1)

	del, err := f.store.GetDelivery(ctx, results[0].DeliveryID)
	require.NoError(t, err)
	assert.Equal(t, storage.DeliveryAbandoned, del.Status)
}

func TestDeliverToDistributionEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fastPolicy())
	ctx := context.Background()

	secret, err := webhook.NewSecret()
	require.NoError(t, err)
	d, _, err := f.store.CreateDistributionIfAbsent(ctx, &storage.Distribution{
		StoryID: "story-1", SiteID: "site-a", WebhookURL: f.site.WebhookURL(), WebhookSecret: secret,
	})
	require.NoError(t, err)
	f.site.SetSecret(secret)
	f.site.SetBehaviour(mocksite.Behaviour{Status: http.StatusOK, FailFirst: 1})

	res, err := f.disp.Deliver(ctx, webhook.Target{DistributionID: d.ID, SiteID: "site-a", URL: d.WebhookURL, Secret: secret},
		webhook.Envelope{StoryID: "story-1", Event: webhook.EventContentRevoked})
	require.NoError(t, err)
	require.True(t, res.RetryScheduled())

	// The retry signs with the distribution's stored secret.
	f.clock.Advance(time.Second)
	_, err = f.disp.RetryDue(ctx)
	require.NoError(t, err)
	got := f.site.Received()
	require.Len(t, got, 2)
	assert.True(t, got[1].SignatureValid)

	_, err = f.disp.Deliver(ctx, webhook.Target{DistributionID: d.ID}, webhook.Envelope{StoryID: "story-1"})
	assert.True(t, errors.Is(err, webhook.ErrNoEndpoint))
}
