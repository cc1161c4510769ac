package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/brandcall/voicecore/internal/api"
	"github.com/brandcall/voicecore/internal/brands"
	"github.com/brandcall/voicecore/internal/metrics"
	"github.com/brandcall/voicecore/internal/voice"
)

const (
	acmeKey      = "acme-0123456789abcdef0123456789"
	northwindKey = "northwind-0123456789abcdef01234"
)

const directoryYAML = `
brands:
  - id: acme
    name: ACME Pharmacy
    phone_numbers: ["+14155550100"]
    api_key: acme-0123456789abcdef0123456789
  - id: northwind
    name: Northwind Trade Co
    phone_numbers: ["+14155550199"]
    api_key: northwind-0123456789abcdef01234
    driver: stub
`

// stubProvider is a scripted driver that also parses webhooks.
type stubProvider struct {
	*voice.NullProvider
	mu      sync.Mutex
	calls   []voice.CallRequest
	result  voice.CallResult
	status  voice.CallStatus
	hangups []string
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Call(_ context.Context, req voice.CallRequest) voice.CallResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	return p.result
}

func (p *stubProvider) GetCallStatus(_ context.Context, sid string) voice.CallStatus {
	st := p.status
	st.CallSID = sid
	return st
}

func (p *stubProvider) Hangup(_ context.Context, sid string) voice.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangups = append(p.hangups, sid)
	return voice.Result{Success: true}
}

func (p *stubProvider) VerifyWebhook(env voice.WebhookEnvelope) bool {
	return env.Headers.Get("X-Stub-Signature") == "ok:"+env.URL
}

func (p *stubProvider) ParseWebhook(env voice.WebhookEnvelope) (voice.CallEvent, error) {
	var body struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		return voice.CallEvent{}, err
	}
	if body.SID == "" {
		return voice.CallEvent{}, voice.ErrUnparseableWebhook
	}
	return voice.CallEvent{Provider: "stub", CallSID: body.SID, Status: body.Status}, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []voice.CallEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev voice.CallEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type fixture struct {
	handler http.Handler
	stub    *stubProvider
	pub     *recordingPublisher
	calls   *api.CallLog
	reg     *prometheus.Registry
}

func newFixture(t *testing.T, mutate func(*api.Dependencies)) *fixture {
	t.Helper()
	dir, err := brands.Parse([]byte(directoryYAML))
	if err != nil {
		t.Fatalf("brands: %v", err)
	}
	stub := &stubProvider{
		NullProvider: voice.NewNullProvider(zerolog.Nop()),
		result:       voice.CallResult{Success: true, Provider: "stub", CallSID: "CA-1", Status: voice.StatusQueued},
		status:       voice.CallStatus{Success: true, Status: voice.StatusInProgress, Duration: 12 * time.Second},
	}
	mgr := voice.NewManager(voice.NullName, zerolog.Nop())
	mgr.MustRegister(voice.NullName, func() (voice.Provider, error) {
		return voice.NewNullProvider(zerolog.Nop(), voice.WithUnsignedWebhooks()), nil
	})
	mgr.MustRegister("stub", func() (voice.Provider, error) { return stub, nil })

	reg := prometheus.NewRegistry()
	pub := &recordingPublisher{}
	calls := api.NewCallLog(10)
	deps := api.Dependencies{
		Voice:     mgr,
		Brands:    dir,
		Events:    pub,
		Calls:     calls,
		Metrics:   metrics.New(reg),
		Gatherer:  reg,
		Limits:    api.Limits{CallReasonMaxLen: 10, MetaMaxEntries: 2, MetaMaxKeyLen: 8, MetaMaxValueLen: 8},
		PublicURL: "https://voice.example/",
		Now:       func() time.Time { return time.Unix(1_700_000_000, 0) },
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &fixture{handler: api.New(deps).Handler(), stub: stub, pub: pub, calls: calls, reg: reg}
}

func (f *fixture) do(method, path, key string, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	failing := true
	f := newFixture(t, func(d *api.Dependencies) {
		d.Checks = map[string]api.ReadyCheck{
			"database": func(ctx context.Context) error {
				if _, ok := ctx.Deadline(); !ok {
					return errors.New("no deadline")
				}
				if failing {
					return errors.New("connection refused")
				}
				return nil
			},
		}
	})

	if rec := f.do(http.MethodGet, "/healthz", "", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}

	rec := f.do(http.MethodGet, "/readyz", "", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d, want 503", rec.Code)
	}
	checks, _ := decode(t, rec)["checks"].(map[string]any)
	if checks["database"] != "connection refused" {
		t.Fatalf("unexpected checks %v", checks)
	}

	failing = false
	if rec := f.do(http.MethodGet, "/readyz", "", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d after recovery", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(http.MethodPost, "/webhooks/stub", "", `{}`, nil)

	rec := f.do(http.MethodGet, "/metrics", "", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "voicecore_webhooks_total") {
		t.Fatalf("unexpected metrics response %d %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookVerifiedAndPublished(t *testing.T) {
	f := newFixture(t, nil)
	f.calls.Add(api.CallRecord{CallSID: "CA-9", BrandID: "acme", Driver: "stub", Status: voice.StatusQueued})

	rec := f.do(http.MethodPost, "/webhooks/stub?tenant=1", "", `{"sid":"CA-9","status":"completed"}`,
		map[string]string{"X-Stub-Signature": "ok:https://voice.example/webhooks/stub?tenant=1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if len(f.pub.events) != 1 {
		t.Fatalf("expected one published event, got %d", len(f.pub.events))
	}
	ev := f.pub.events[0]
	if ev.ID == "" || ev.CallSID != "CA-9" || !ev.OccurredAt.Equal(time.Unix(1_700_000_000, 0)) {
		t.Fatalf("unexpected event %+v", ev)
	}
	if got, _ := f.calls.Get("CA-9"); got.Status != voice.StatusCompleted {
		t.Fatalf("call log not updated: %+v", got)
	}
	if v := webhookCount(t, f.reg, "stub", "verified"); v != 1 {
		t.Fatalf("verified counter = %v", v)
	}
}

func TestWebhookRejectedWithoutProcessing(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/webhooks/stub", "", `{"sid":"CA-9","status":"completed"}`,
		map[string]string{"X-Stub-Signature": "ok:https://attacker.example/webhooks/stub"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(f.pub.events) != 0 {
		t.Fatalf("rejected webhook must not publish")
	}
	if v := webhookCount(t, f.reg, "stub", "rejected"); v != 1 {
		t.Fatalf("rejected counter = %v", v)
	}
}

func TestWebhookEdgeCases(t *testing.T) {
	sig := map[string]string{"X-Stub-Signature": "ok:https://voice.example/webhooks/stub"}

	f := newFixture(t, nil)
	if rec := f.do(http.MethodPost, "/webhooks/pigeon", "", `{}`, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown provider = %d, want 404", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/webhooks/stub", "", `{"status":"ringing"}`, sig); rec.Code != http.StatusOK || decode(t, rec)["status"] != "ignored" {
		t.Fatalf("unparseable webhook should be acknowledged, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/webhooks/stub", "", `not json`, sig); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed webhook = %d, want 400", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/webhooks/null", "", `anything`, nil); rec.Code != http.StatusOK {
		t.Fatalf("null webhook = %d", rec.Code)
	}

	f.pub.err = errors.New("broker down")
	if rec := f.do(http.MethodPost, "/webhooks/stub", "", `{"sid":"CA-1","status":"completed"}`, sig); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("publish failure = %d, want 503", rec.Code)
	}
}

func TestWebhookURLFromRequestWithoutPublicURL(t *testing.T) {
	f := newFixture(t, func(d *api.Dependencies) { d.PublicURL = "" })
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stub", bytes.NewBufferString(`{"sid":"CA-2","status":"ringing"}`))
	req.Host = "edge.example"
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Stub-Signature", "ok:https://edge.example/webhooks/stub")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func webhookCount(t *testing.T, reg *prometheus.Registry, provider, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "voicecore_webhooks_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["provider"] == provider && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}
