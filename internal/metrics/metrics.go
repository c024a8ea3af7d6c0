// Package metrics provides Prometheus metrics collection for the gateway.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "syndication"

var (
	// Global metrics, loaded lock-free on the hot path. Nil until Init runs.
	requestsTotal           atomic.Pointer[prometheus.CounterVec]
	requestDuration         atomic.Pointer[prometheus.HistogramVec]
	authFailuresTotal       atomic.Pointer[prometheus.CounterVec]
	tokenValidationsTotal   atomic.Pointer[prometheus.CounterVec]
	tokensIssuedTotal       atomic.Pointer[prometheus.CounterVec]
	consentDecisionsTotal   atomic.Pointer[prometheus.CounterVec]
	webhookDeliveriesTotal  atomic.Pointer[prometheus.CounterVec]
	subscriptionsDisabled   atomic.Pointer[prometheus.Counter]
	revocationsTotal        atomic.Pointer[prometheus.CounterVec]
	distributionTransitions atomic.Pointer[prometheus.CounterVec]
	rateLimitedTotal        atomic.Pointer[prometheus.CounterVec]
)

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// Init initializes all Prometheus metrics and registers them with the provided registry.
// This should be called once at application startup.
func Init(reg prometheus.Registerer) error {
	requestsTotalVec := counterVec("http", "requests_total", "Total number of HTTP requests handled", "method", "route", "status")
	requestDurationVec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	authFailuresVec := counterVec("http", "auth_failures_total", "Total number of API key authentication failures", "reason")
	tokenValidationsVec := counterVec("embed", "token_validations_total", "Embed token validations by result", "result")
	tokensIssuedVec := counterVec("embed", "tokens_issued_total", "Embed tokens handed out, split by whether an active token was reused", "reused")
	consentDecisionsVec := counterVec("consent", "decisions_total", "Consent decisions by outcome", "outcome")
	webhookDeliveriesVec := counterVec("webhook", "deliveries_total", "Webhook delivery attempts by event and outcome", "event", "outcome")
	disabled := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "subscriptions_disabled_total",
		Help:      "Subscriptions disabled after reaching the consecutive failure threshold",
	})
	revocationsVec := counterVec("revocation", "requests_total", "Revocation requests by aggregate outcome", "outcome")
	transitionsVec := counterVec("distribution", "transitions_total", "Distribution status transitions", "from", "to")
	rateLimitedVec := counterVec("http", "rate_limited_total", "Requests rejected by the rate limiter", "route")

	infoGaugeVec := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Gateway version and build information",
		},
		[]string{"version"},
	)

	collectors := []struct {
		name string
		c    prometheus.Collector
	}{
		{"requestsTotal", requestsTotalVec},
		{"requestDuration", requestDurationVec},
		{"authFailuresTotal", authFailuresVec},
		{"tokenValidationsTotal", tokenValidationsVec},
		{"tokensIssuedTotal", tokensIssuedVec},
		{"consentDecisionsTotal", consentDecisionsVec},
		{"webhookDeliveriesTotal", webhookDeliveriesVec},
		{"subscriptionsDisabled", disabled},
		{"revocationsTotal", revocationsVec},
		{"distributionTransitions", transitionsVec},
		{"rateLimitedTotal", rateLimitedVec},
		{"infoGauge", infoGaugeVec},
	}
	for _, c := range collectors {
		if err := reg.Register(c.c); err != nil {
			return fmt.Errorf("failed to register %s: %w", c.name, err)
		}
	}
	infoGaugeVec.WithLabelValues("1.0.0").Set(1)

	requestsTotal.Store(requestsTotalVec)
	requestDuration.Store(requestDurationVec)
	authFailuresTotal.Store(authFailuresVec)
	tokenValidationsTotal.Store(tokenValidationsVec)
	tokensIssuedTotal.Store(tokensIssuedVec)
	consentDecisionsTotal.Store(consentDecisionsVec)
	webhookDeliveriesTotal.Store(webhookDeliveriesVec)
	subscriptionsDisabled.Store(&disabled)
	revocationsTotal.Store(revocationsVec)
	distributionTransitions.Store(transitionsVec)
	rateLimitedTotal.Store(rateLimitedVec)

	return nil
}

// RecordRequest increments the requests counter. route should be a pattern
// such as "/v1/stories/{storyID}/revoke", never a raw path.
func RecordRequest(method, route, statusCode string) {
	if counter := requestsTotal.Load(); counter != nil {
		counter.WithLabelValues(method, route, statusCode).Inc()
	}
}

// RecordRequestDuration records the latency for a request in seconds.
func RecordRequestDuration(method, route, statusCode string, durationSeconds float64) {
	if histogram := requestDuration.Load(); histogram != nil {
		histogram.WithLabelValues(method, route, statusCode).Observe(durationSeconds)
	}
}

// RecordAuthFailure increments the auth failures counter for the given reason.
// Common reasons: "missing_key", "invalid_key", "forbidden".
func RecordAuthFailure(reason string) {
	if counter := authFailuresTotal.Load(); counter != nil {
		counter.WithLabelValues(reason).Inc()
	}
}

// RecordTokenValidation counts one validation; result is "valid" or the failure reason.
func RecordTokenValidation(result string) {
	if counter := tokenValidationsTotal.Load(); counter != nil {
		counter.WithLabelValues(result).Inc()
	}
}

// RecordTokenIssued counts a token handed out.
func RecordTokenIssued(reused bool) {
	if counter := tokensIssuedTotal.Load(); counter != nil {
		counter.WithLabelValues(strconv.FormatBool(reused)).Inc()
	}
}

// RecordConsentDecision counts a decision; outcome is "allowed" or the denial reason.
func RecordConsentDecision(outcome string) {
	if counter := consentDecisionsTotal.Load(); counter != nil {
		counter.WithLabelValues(outcome).Inc()
	}
}

// RecordWebhookDelivery counts one delivery attempt.
// Outcomes: "delivered", "failed", "permanent_failure", "skipped".
func RecordWebhookDelivery(event, outcome string) {
	if counter := webhookDeliveriesTotal.Load(); counter != nil {
		counter.WithLabelValues(event, outcome).Inc()
	}
}

// RecordSubscriptionDisabled counts a subscription crossing the failure threshold.
func RecordSubscriptionDisabled() {
	if counter := subscriptionsDisabled.Load(); counter != nil {
		(*counter).Inc()
	}
}

// RecordRevocation counts a revocation request by outcome ("complete" or "in_progress").
func RecordRevocation(outcome string) {
	if counter := revocationsTotal.Load(); counter != nil {
		counter.WithLabelValues(outcome).Inc()
	}
}

// RecordDistributionTransition counts a status change.
func RecordDistributionTransition(from, to string) {
	if counter := distributionTransitions.Load(); counter != nil {
		counter.WithLabelValues(from, to).Inc()
	}
}

// RecordRateLimited counts a request rejected by the limiter.
func RecordRateLimited(route string) {
	if counter := rateLimitedTotal.Load(); counter != nil {
		counter.WithLabelValues(route).Inc()
	}
}

// Handler returns an HTTP handler for Prometheus metrics in text format.
// This handler should be registered at /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves metrics gathered from a specific registry.
func HandlerFor(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// GetMetricsText returns the Prometheus text-format output from a registry.
// This is useful for testing and debugging.
func GetMetricsText(reg prometheus.Gatherer) (string, error) {
	handler := HandlerFor(reg)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	body, err := io.ReadAll(w.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read metrics output: %w", err)
	}

	return string(body), nil
}
