package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestInitRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total", Help: "clash",
	}))
	if err := Init(reg); err == nil {
		t.Fatal("expected registration conflict")
	}
}

func TestDomainCountersExposed(t *testing.T) {
	t.Parallel()

	RecordTokenValidation("expired")
	RecordTokenIssued(true)
	RecordConsentDecision("sacred_content")
	RecordWebhookDelivery("content_revoked", "failed")
	RecordSubscriptionDisabled()
	RecordRevocation("in_progress")
	RecordDistributionTransition("active", "pending_removal")
	RecordRateLimited("/v1/embed/stories/{storyID}")
	RecordAuthFailure("invalid_key")

	text, err := GetMetricsText(testRegistry)
	if err != nil {
		t.Fatalf("GetMetricsText() error = %v", err)
	}
	for _, want := range []string{
		`syndication_embed_token_validations_total{result="expired"}`,
		`syndication_embed_tokens_issued_total{reused="true"}`,
		`syndication_consent_decisions_total{outcome="sacred_content"}`,
		`syndication_webhook_deliveries_total{event="content_revoked",outcome="failed"}`,
		`syndication_webhook_subscriptions_disabled_total`,
		`syndication_revocation_requests_total{outcome="in_progress"}`,
		`syndication_distribution_transitions_total{from="active",to="pending_removal"}`,
		`syndication_http_rate_limited_total`,
		`syndication_http_auth_failures_total{reason="invalid_key"}`,
		`syndication_info{version="1.0.0"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestHandlerForServesText(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	HandlerFor(testRegistry).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "syndication_info") {
		t.Error("expected info gauge in output")
	}
}
