package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("numhub", "GET", 200, time.Millisecond)
	m.IncRetry("numhub", "status_503")
	m.IncRateLimited("numhub")
	m.IncTokenRefresh("numhub", "success")
	m.IncWebhook("twilio", "rejected")
}

func TestHandlerExposesCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveRequest("numhub", "POST", 201, 15*time.Millisecond)
	m.IncRateLimited("numhub")
	m.IncWebhook("telnyx", "accepted")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		`voicecore_provider_requests_total{code="201",method="POST",provider="numhub"} 1`,
		`voicecore_provider_rate_limited_total{provider="numhub"} 1`,
		`voicecore_webhooks_total{outcome="accepted",provider="telnyx"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected exposition to contain %q\n%s", want, text)
		}
	}
}
