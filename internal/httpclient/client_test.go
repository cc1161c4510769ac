package httpclient_test

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/brandcall/voicecore/internal/apierror"
	"github.com/brandcall/voicecore/internal/httpclient"
	"github.com/brandcall/voicecore/internal/ratelimit"
	"github.com/brandcall/voicecore/internal/store"
)

type scriptedDoer struct {
	mu        sync.Mutex
	responses []scripted
	requests  []*http.Request
	bodies    [][]byte
}

type scripted struct {
	status int
	body   string
	header http.Header
	err    error
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	d.requests = append(d.requests, req)
	d.bodies = append(d.bodies, body)

	idx := len(d.requests) - 1
	if idx >= len(d.responses) {
		idx = len(d.responses) - 1
	}
	s := d.responses[idx]
	if s.err != nil {
		return nil, s.err
	}
	header := s.header
	if header == nil {
		header = http.Header{"Content-Type": []string{"application/json"}}
	}
	return &http.Response{
		StatusCode: s.status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(s.body)),
	}, nil
}

func (d *scriptedDoer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

type countingCreds struct {
	mu          sync.Mutex
	token       string
	generation  int
	invalidated int
}

func (c *countingCreds) Apply(_ context.Context, req *http.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	req.Header.Set("Authorization", "Bearer "+c.token+"-"+string(rune('0'+c.generation)))
	return nil
}

func (c *countingCreds) Invalidate(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated++
	c.generation++
}

func noSleep(calls *[]time.Duration) httpclient.Sleeper {
	return func(_ context.Context, d time.Duration) error {
		if calls != nil {
			*calls = append(*calls, d)
		}
		return nil
	}
}

func newClient(t *testing.T, doer httpclient.Doer, creds httpclient.Credentials, opts ...httpclient.Option) *httpclient.Client {
	t.Helper()
	cfg := httpclient.Config{
		Provider: "numhub",
		BaseURL:  "https://brandidentity-api.numhub.com/api/v1/",
		Retry:    httpclient.DefaultRetryPolicy(),
	}
	opts = append([]httpclient.Option{httpclient.WithHTTPClient(doer), httpclient.WithSleeper(noSleep(nil))}, opts...)
	client, err := httpclient.New(cfg, creds, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return client
}

func TestExecuteRefreshesCredentialsOnceAfterUnauthorized(t *testing.T) {
	doer := &scriptedDoer{responses: []scripted{
		{status: http.StatusUnauthorized, body: `{"message":"expired"}`},
		{status: http.StatusOK, body: `{"id":"app-1"}`},
	}}
	creds := &countingCreds{token: "tok"}
	client := newClient(t, doer, creds)

	var out struct {
		ID string `json:"id"`
	}
	if err := client.Do(context.Background(), httpclient.Request{Method: http.MethodGet, Path: "/applications/app-1"}, &out); err != nil {
		t.Fatalf("expected success after refresh, got %v", err)
	}
	if out.ID != "app-1" {
		t.Fatalf("unexpected body %+v", out)
	}
	if doer.calls() != 2 {
		t.Fatalf("expected 2 calls, got %d", doer.calls())
	}
	if creds.invalidated != 1 {
		t.Fatalf("expected one invalidation, got %d", creds.invalidated)
	}
	if a, b := doer.requests[0].Header.Get("Authorization"), doer.requests[1].Header.Get("Authorization"); a == b {
		t.Fatalf("expected fresh credentials on retry, both were %q", a)
	}
	if got := doer.requests[0].URL.String(); got != "https://brandidentity-api.numhub.com/api/v1/applications/app-1" {
		t.Fatalf("unexpected url %s", got)
	}
}

func TestExecuteSurfacesAuthenticationOnSecondUnauthorized(t *testing.T) {
	doer := &scriptedDoer{responses: []scripted{
		{status: http.StatusUnauthorized, body: `{"message":"expired"}`},
		{status: http.StatusUnauthorized, body: `{"message":"bad credentials"}`},
	}}
	creds := &countingCreds{token: "tok"}
	client := newClient(t, doer, creds)

	_, err := client.Execute(context.Background(), httpclient.Request{Path: "/deals"})
	if !errors.Is(err, apierror.ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if doer.calls() != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", doer.calls())
	}
	if creds.invalidated != 1 {
		t.Fatalf("expected one invalidation, got %d", creds.invalidated)
	}
}

func TestExecuteRetriesServerErrorsUpToConfiguredAttempts(t *testing.T) {
	doer := &scriptedDoer{responses: []scripted{{status: http.StatusServiceUnavailable, body: `{"message":"down"}`}}}
	var sleeps []time.Duration
	client := newClient(t, doer, nil, httpclient.WithSleeper(noSleep(&sleeps)))

	_, err := client.Execute(context.Background(), httpclient.Request{Path: "/deals"})
	if !errors.Is(err, apierror.ErrAPI) {
		t.Fatalf("expected api error, got %v", err)
	}
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) || apiErr.HTTPStatus() != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 on error, got %v", err)
	}
	if doer.calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", doer.calls())
	}
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != time.Second {
		t.Fatalf("expected two fixed 1s sleeps, got %v", sleeps)
	}
}

func TestExecuteRecoversFromTransientTransportError(t *testing.T) {
	doer := &scriptedDoer{responses: []scripted{
		{err: errors.New("connection reset")},
		{status: http.StatusCreated, body: `{}`},
	}}
	client := newClient(t, doer, nil)

	resp, err := client.Execute(context.Background(), httpclient.Request{Method: http.MethodPost, Path: "/deals", JSON: map[string]string{"name": "x"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if string(doer.bodies[0]) != string(doer.bodies[1]) {
		t.Fatalf("expected identical body on retry")
	}
}

func TestExecuteDoesNotRetryValidationFailures(t *testing.T) {
	doer := &scriptedDoer{responses: []scripted{{
		status: http.StatusUnprocessableEntity,
		body:   `{"message":"The given data was invalid.","errors":{"ein":["EIN is required"]}}`,
	}}}
	client := newClient(t, doer, nil)

	_, err := client.Execute(context.Background(), httpclient.Request{Method: http.MethodPost, Path: "/applications"})
	if !errors.Is(err, apierror.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var apiErr *apierror.Error
	errors.As(err, &apiErr)
	if got := apiErr.Details()["ein"]; len(got) != 1 || got[0] != "EIN is required" {
		t.Fatalf("unexpected details %v", apiErr.Details())
	}
	if apiErr.Provider() != "numhub" {
		t.Fatalf("expected provider tag, got %q", apiErr.Provider())
	}
	if doer.calls() != 1 {
		t.Fatalf("expected no retries, got %d calls", doer.calls())
	}
}

func TestExecuteFailsFastWhenLocalLimitExhausted(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	limiter, err := ratelimit.New("numhub:test", 1, time.Minute, store.NewMemory(), ratelimit.WithClock(clock))
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	doer := &scriptedDoer{responses: []scripted{{status: http.StatusOK, body: `{}`}}}
	client := newClient(t, doer, nil, httpclient.WithLimiter(limiter), httpclient.WithClock(clock))

	if _, err := client.Execute(context.Background(), httpclient.Request{Path: "/deals"}); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	_, err = client.Execute(context.Background(), httpclient.Request{Path: "/deals"})
	if !errors.Is(err, apierror.ErrRateLimit) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if ra := apierror.RetryAfterOf(err); ra != time.Minute {
		t.Fatalf("expected retry after 1m, got %s", ra)
	}
	if doer.calls() != 1 {
		t.Fatalf("expected denied request to stay local, got %d calls", doer.calls())
	}
}

func TestExecuteCountsEveryAttemptAgainstLimiter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	limiter, err := ratelimit.New("numhub:attempts", 10, time.Minute, store.NewMemory(), ratelimit.WithClock(clock))
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	doer := &scriptedDoer{responses: []scripted{{status: http.StatusServiceUnavailable, body: `{}`}}}
	client := newClient(t, doer, nil, httpclient.WithLimiter(limiter), httpclient.WithClock(clock))

	if _, err := client.Execute(context.Background(), httpclient.Request{Path: "/deals"}); !errors.Is(err, apierror.ErrAPI) {
		t.Fatalf("expected api error, got %v", err)
	}
	remaining, err := limiter.Remaining(context.Background())
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if doer.calls() != 3 || remaining != 7 {
		t.Fatalf("expected 3 calls and 7 remaining, got %d calls and %d remaining", doer.calls(), remaining)
	}
}

func TestExecuteStopsRetryingWhenLimiterDenies(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	limiter, err := ratelimit.New("numhub:retries", 2, time.Minute, store.NewMemory(), ratelimit.WithClock(clock))
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	doer := &scriptedDoer{responses: []scripted{{status: http.StatusServiceUnavailable, body: `{}`}}}
	client := newClient(t, doer, nil, httpclient.WithLimiter(limiter), httpclient.WithClock(clock))

	_, err = client.Execute(context.Background(), httpclient.Request{Path: "/deals"})
	if !errors.Is(err, apierror.ErrRateLimit) {
		t.Fatalf("expected local rate limit error, got %v", err)
	}
	if doer.calls() != 2 {
		t.Fatalf("expected the third attempt to stay local, got %d calls", doer.calls())
	}
}

func TestExecuteReturnsRetryAfterBeyondMaxSleep(t *testing.T) {
	doer := &scriptedDoer{responses: []scripted{
		{status: http.StatusTooManyRequests, body: `{"message":"quota"}`, header: http.Header{"Retry-After": {"86400"}}},
		{status: http.StatusOK, body: `{}`},
	}}
	var sleeps []time.Duration
	client := newClient(t, doer, nil, httpclient.WithSleeper(noSleep(&sleeps)))

	_, err := client.Execute(context.Background(), httpclient.Request{Path: "/deals"})
	if !errors.Is(err, apierror.ErrRateLimit) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if ra := apierror.RetryAfterOf(err); ra != 24*time.Hour {
		t.Fatalf("expected retry after 24h, got %s", ra)
	}
	if doer.calls() != 1 || len(sleeps) != 0 {
		t.Fatalf("expected no wait and no retry, got %d calls and sleeps %v", doer.calls(), sleeps)
	}
}

func TestExecuteHonoursRetryAfterWithinMaxSleep(t *testing.T) {
	doer := &scriptedDoer{responses: []scripted{
		{status: http.StatusTooManyRequests, body: `{}`, header: http.Header{"Retry-After": {"5"}}},
		{status: http.StatusOK, body: `{}`},
	}}
	var sleeps []time.Duration
	client := newClient(t, doer, nil, httpclient.WithSleeper(noSleep(&sleeps)))

	if _, err := client.Execute(context.Background(), httpclient.Request{Path: "/deals"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sleeps) != 1 || sleeps[0] != 5*time.Second {
		t.Fatalf("expected one 5s sleep, got %v", sleeps)
	}
}

func TestExecuteExponentialBackoffIsCapped(t *testing.T) {
	doer := &scriptedDoer{responses: []scripted{{status: http.StatusBadGateway, body: `{}`}}}
	var sleeps []time.Duration
	cfg := httpclient.Config{
		Provider: "numhub",
		BaseURL:  "https://brandidentity-api.numhub.com/api/v1/",
		Retry: httpclient.RetryPolicy{
			Times:    5,
			Sleep:    100 * time.Millisecond,
			MaxSleep: 300 * time.Millisecond,
			Strategy: httpclient.BackoffExponential,
		},
	}
	client, err := httpclient.New(cfg, nil, zerolog.Nop(), httpclient.WithHTTPClient(doer), httpclient.WithSleeper(noSleep(&sleeps)))
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	if _, err := client.Execute(context.Background(), httpclient.Request{Path: "/deals"}); !errors.Is(err, apierror.ErrAPI) {
		t.Fatalf("expected api error, got %v", err)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	if len(sleeps) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), sleeps)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Fatalf("sleep %d = %s, want %s", i, sleeps[i], want[i])
		}
	}
}

func TestExecuteJitterStaysWithinBackoff(t *testing.T) {
	doer := &scriptedDoer{responses: []scripted{{status: http.StatusServiceUnavailable, body: `{}`}}}
	var sleeps []time.Duration
	cfg := httpclient.Config{
		Provider: "numhub",
		BaseURL:  "https://brandidentity-api.numhub.com/api/v1/",
		Retry:    httpclient.RetryPolicy{Times: 20, Sleep: 100 * time.Millisecond, Jitter: true},
	}
	client, err := httpclient.New(cfg, nil, zerolog.Nop(), httpclient.WithHTTPClient(doer), httpclient.WithSleeper(noSleep(&sleeps)))
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	_, _ = client.Execute(context.Background(), httpclient.Request{Path: "/deals"})
	if len(sleeps) != 19 {
		t.Fatalf("expected 19 sleeps, got %d", len(sleeps))
	}
	for _, d := range sleeps {
		if d < 0 || d > 100*time.Millisecond {
			t.Fatalf("jittered sleep %s outside [0, 100ms]", d)
		}
	}
}

// hangingDoer blocks until the request context ends.
type hangingDoer struct {
	mu    sync.Mutex
	count int
}

func (d *hangingDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	d.count++
	d.mu.Unlock()
	<-req.Context().Done()
	return nil, req.Context().Err()
}

func TestExecuteRetriesAttemptTimeout(t *testing.T) {
	doer := &hangingDoer{}
	cfg := httpclient.Config{
		Provider: "numhub",
		BaseURL:  "https://brandidentity-api.numhub.com/api/v1/",
		Timeout:  20 * time.Millisecond,
		Retry:    httpclient.RetryPolicy{Times: 2},
	}
	client, err := httpclient.New(cfg, nil, zerolog.Nop(), httpclient.WithHTTPClient(doer), httpclient.WithSleeper(noSleep(nil)))
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	_, err = client.Execute(context.Background(), httpclient.Request{Path: "/deals"})
	if !errors.Is(err, apierror.ErrAPI) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected api transport error wrapping the deadline, got %v", err)
	}
	doer.mu.Lock()
	defer doer.mu.Unlock()
	if doer.count != 2 {
		t.Fatalf("expected each attempt to time out and retry, got %d calls", doer.count)
	}
}

func TestExecuteMockModeSkipsNetwork(t *testing.T) {
	doer := &scriptedDoer{responses: []scripted{{err: errors.New("should not be called")}}}
	client := newClient(t, doer, nil, httpclient.WithResponder(func(req httpclient.Request) (*httpclient.Response, bool) {
		if req.Path == "/otp/generate" {
			return &httpclient.Response{Body: []byte(`{"sent":true}`)}, true
		}
		return nil, false
	}))

	resp, err := client.Execute(context.Background(), httpclient.Request{Method: http.MethodPost, Path: "/otp/generate"})
	if err != nil || string(resp.Body) != `{"sent":true}` || resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected mock response %+v err=%v", resp, err)
	}
	resp, err = client.Execute(context.Background(), httpclient.Request{Path: "/unknown"})
	if err != nil || !strings.Contains(string(resp.Body), `"mock":true`) {
		t.Fatalf("expected generic mock success, got %+v err=%v", resp, err)
	}
	if doer.calls() != 0 {
		t.Fatalf("mock mode must not reach transport")
	}
}

func TestExecuteEncodesFormAndQuery(t *testing.T) {
	doer := &scriptedDoer{responses: []scripted{{status: http.StatusOK, body: `{}`}}}
	client := newClient(t, doer, httpclient.BasicAuth{Username: "AC1", Password: "secret"})

	form := url.Values{"To": {"+15551230000"}, "From": {"+15559870000"}}
	_, err := client.Execute(context.Background(), httpclient.Request{
		Method: http.MethodPost,
		Path:   "/Accounts/AC1/Calls.json",
		Query:  url.Values{"PageSize": {"20"}},
		Form:   form,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := doer.requests[0]
	if ct := req.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
		t.Fatalf("unexpected content type %s", ct)
	}
	if req.URL.Query().Get("PageSize") != "20" {
		t.Fatalf("expected query to be preserved, got %s", req.URL.RawQuery)
	}
	parsed, _ := url.ParseQuery(string(doer.bodies[0]))
	if parsed.Get("To") != "+15551230000" {
		t.Fatalf("unexpected form body %s", doer.bodies[0])
	}
	if user, pass, ok := req.BasicAuth(); !ok || user != "AC1" || pass != "secret" {
		t.Fatalf("expected basic auth")
	}
}

func TestExecuteEncodesMultipartUpload(t *testing.T) {
	doer := &scriptedDoer{responses: []scripted{{status: http.StatusOK, body: `{}`}}}
	client := newClient(t, doer, nil)

	_, err := client.Execute(context.Background(), httpclient.Request{
		Method: http.MethodPost,
		Path:   "/applications/app-1/documents",
		Fields: map[string]string{"documentType": "LOA"},
		File:   &httpclient.FilePart{FieldName: "file", FileName: "loa.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.4")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mediaType, params, err := mime.ParseMediaType(doer.requests[0].Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		t.Fatalf("unexpected content type %q: %v", mediaType, err)
	}
	reader := multipart.NewReader(strings.NewReader(string(doer.bodies[0])), params["boundary"])
	form, err := reader.ReadForm(1 << 20)
	if err != nil {
		t.Fatalf("read form: %v", err)
	}
	if form.Value["documentType"][0] != "LOA" {
		t.Fatalf("unexpected fields %v", form.Value)
	}
	if files := form.File["file"]; len(files) != 1 || files[0].Filename != "loa.pdf" {
		t.Fatalf("unexpected files %v", form.File)
	}
}

func TestNewRejectsInvalidBaseURL(t *testing.T) {
	if _, err := httpclient.New(httpclient.Config{Provider: "x", BaseURL: "not a url"}, nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for invalid base url")
	}
	if _, err := httpclient.New(httpclient.Config{BaseURL: "https://example.com"}, nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for missing provider")
	}
}
