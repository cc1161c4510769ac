// Package metrics exposes Prometheus collectors for outbound provider traffic
// and inbound webhooks. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voicecore"

// Metrics groups the collectors used across the service.
type Metrics struct {
	requests       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	webhooks       *prometheus.CounterVec
}

// New registers collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Outbound provider requests by final status code (0 for transport failures).",
		}, []string{"provider", "method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Latency of individual outbound provider attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "method"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Outbound retries by reason.",
		}, []string{"provider", "reason"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_rate_limited_total",
			Help:      "Requests rejected by the local rate limiter before reaching the provider.",
		}, []string{"provider"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_token_refreshes_total",
			Help:      "Remote authentication calls by outcome.",
		}, []string{"provider", "outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Inbound provider webhooks by verification outcome.",
		}, []string{"provider", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.latency, m.retries, m.rateLimited, m.tokenRefreshes, m.webhooks)
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(provider, method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(provider, method, strconv.Itoa(code)).Inc()
	m.latency.WithLabelValues(provider, method).Observe(d.Seconds())
}

func (m *Metrics) IncRetry(provider, reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) IncRateLimited(provider string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(provider).Inc()
}

func (m *Metrics) IncTokenRefresh(provider, outcome string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) IncWebhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(provider, outcome).Inc()
}
