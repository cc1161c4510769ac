// Package httpclient is the single choke point for outbound provider calls.
// It enforces the local rate limit, applies credentials, retries transient
// failures, refreshes credentials once on 401 and classifies every terminal
// failure through apierror.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/brandcall/voicecore/internal/apierror"
	"github.com/brandcall/voicecore/internal/metrics"
	"github.com/brandcall/voicecore/internal/ratelimit"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 4 << 20
	userAgent           = "voicecore/1.0"
)

// Doer abstracts the http.Client Do method for easier testing.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Limiter is the admission check consulted before every request.
type Limiter interface {
	TryAcquire(ctx context.Context) (ratelimit.Decision, error)
}

// Responder answers requests without touching the network. It is used for
// mock mode; returning false falls through to a generic success body.
type Responder func(req Request) (*Response, bool)

// Config is the immutable per-provider configuration.
type Config struct {
	Provider     string
	BaseURL      string
	Timeout      time.Duration
	Headers      map[string]string
	Retry        RetryPolicy
	LogTraffic   bool
	MaxBodyBytes int64
}

// FilePart is a single multipart file upload.
type FilePart struct {
	FieldName   string
	FileName    string
	ContentType string
	Content     []byte
}

// Request describes one logical call. At most one of JSON, Form or File is set.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	JSON   any
	Form   url.Values
	File   *FilePart
	Fields map[string]string
	// NoReauth disables the invalidate-and-retry cycle on 401. Login calls set it.
	NoReauth bool
}

// Response is a successful (2xx) provider answer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient overrides the transport. Useful for tests.
func WithHTTPClient(d Doer) Option {
	return func(c *Client) {
		if d != nil {
			c.http = d
		}
	}
}

// WithLimiter enables local admission control.
func WithLimiter(l Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithMetrics records request counters and latencies.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithResponder switches the client into mock mode.
func WithResponder(r Responder) Option {
	return func(c *Client) {
		c.responder = r
	}
}

// WithSleeper overrides how retry delays are waited out.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) {
		if s != nil {
			c.sleep = s
		}
	}
}

// WithClock overrides the clock used for retry-after computations.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client executes requests against one provider base URL.
type Client struct {
	cfg       Config
	baseURL   *url.URL
	creds     Credentials
	http      Doer
	limiter   Limiter
	metrics   *metrics.Metrics
	responder Responder
	backoff   *backoff
	sleep     Sleeper
	now       func() time.Time
	logger    zerolog.Logger
}

// New constructs a Client. creds may be nil for unauthenticated APIs.
func New(cfg Config, creds Credentials, logger zerolog.Logger, opts ...Option) (*Client, error) {
	cfg.Provider = strings.TrimSpace(cfg.Provider)
	if cfg.Provider == "" {
		return nil, errors.New("httpclient: provider name is required")
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("httpclient: %s: invalid base url %q", cfg.Provider, cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	cfg.Retry = cfg.Retry.normalized()
	if creds == nil {
		creds = NoAuth{}
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	c := &Client{
		cfg:     cfg,
		baseURL: base,
		creds:   creds,
		http:    &http.Client{},
		backoff: newBackoff(cfg.Retry),
		sleep:   sleepContext,
		now:     time.Now,
		logger:  logger.With().Str("component", "httpclient").Str("provider", cfg.Provider).Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Provider returns the configured provider name.
func (c *Client) Provider() string { return c.cfg.Provider }

// Mock reports whether the client answers from a Responder.
func (c *Client) Mock() bool { return c.responder != nil }

// Do executes req and decodes a JSON body into out when out is non-nil.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	resp, err := c.Execute(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return apierror.New(apierror.KindAPI, resp.StatusCode,
			fmt.Sprintf("decode %s %s response: %v", req.Method, req.Path, err),
			apierror.WithProvider(c.cfg.Provider), apierror.WithCause(err))
	}
	return nil
}

// Execute runs req through admission, credentials, retries and error mapping.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if c.responder != nil {
		return c.mockResponse(req), nil
	}

	body, contentType, err := encodeBody(req)
	if err != nil {
		return nil, apierror.Validation(err.Error(), nil, apierror.WithProvider(c.cfg.Provider))
	}
	target := c.resolve(req)

	attempt := 1
	reauthenticated := false
	for {
		// Every round trip counts against the remote quota, retries included.
		if err := c.admit(ctx, req); err != nil {
			return nil, err
		}
		status, resp, err := c.attempt(ctx, req, target, body, contentType, attempt)
		if err != nil {
			var apiErr *apierror.Error
			if errors.As(err, &apiErr) {
				// Credential failures come back typed from the token manager.
				return nil, err
			}
			if ctx.Err() != nil || attempt >= c.cfg.Retry.Times {
				return nil, apierror.Transport(err, apierror.WithProvider(c.cfg.Provider))
			}
			if err := c.wait(ctx, req, attempt, "transport", 0); err != nil {
				return nil, apierror.Transport(err, apierror.WithProvider(c.cfg.Provider))
			}
			attempt++
			continue
		}

		if status >= 200 && status < 300 {
			return resp, nil
		}

		if status == http.StatusUnauthorized && !reauthenticated && !req.NoReauth {
			reauthenticated = true
			c.metrics.IncRetry(c.cfg.Provider, "unauthorized")
			c.logger.Info().
				Str("method", req.Method).
				Str("path", req.Path).
				Msg("unauthorized response; refreshing credentials and retrying once")
			c.creds.Invalidate(ctx)
			continue
		}

		apiErr := apierror.FromResponse(status, resp.Header, resp.Body, apierror.WithProvider(c.cfg.Provider))
		if status != http.StatusUnauthorized && c.cfg.Retry.retryable(status) && attempt < c.cfg.Retry.Times {
			hint := apiErr.RetryAfter()
			if hint > c.cfg.Retry.MaxSleep {
				c.logger.Warn().
					Str("method", req.Method).
					Str("path", req.Path).
					Dur("retry_after", hint).
					Msg("provider retry-after exceeds max sleep; returning to caller")
				return nil, apiErr
			}
			if err := c.wait(ctx, req, attempt, fmt.Sprintf("status_%d", status), hint); err != nil {
				return nil, apierror.Transport(err, apierror.WithProvider(c.cfg.Provider))
			}
			attempt++
			continue
		}
		return nil, apiErr
	}
}

// admit consults the local limiter. A denial never reaches the provider.
func (c *Client) admit(ctx context.Context, req Request) error {
	if c.limiter == nil {
		return nil
	}
	decision, err := c.limiter.TryAcquire(ctx)
	if err != nil {
		return apierror.New(apierror.KindAPI, 0, "rate limiter unavailable",
			apierror.WithProvider(c.cfg.Provider), apierror.WithCause(err))
	}
	if decision.Allowed {
		return nil
	}
	c.metrics.IncRateLimited(c.cfg.Provider)
	retryAfter := decision.RetryAfter(c.now())
	c.logger.Warn().
		Str("method", req.Method).
		Str("path", req.Path).
		Dur("retry_after", retryAfter).
		Msg("local rate limit exhausted; request not sent")
	return apierror.New(apierror.KindRateLimit, http.StatusTooManyRequests, "local rate limit exceeded",
		apierror.WithProvider(c.cfg.Provider), apierror.WithRetryAfter(retryAfter))
}

// attempt performs one round trip. A non-nil error means no usable response.
func (c *Client) attempt(ctx context.Context, req Request, target string, body []byte, contentType string, n int) (int, *Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, target, reader)
	if err != nil {
		return 0, nil, apierror.New(apierror.KindAPI, 0, fmt.Sprintf("build request: %v", err),
			apierror.WithProvider(c.cfg.Provider), apierror.WithCause(err))
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if err := c.creds.Apply(ctx, httpReq); err != nil {
		return 0, nil, err
	}

	if c.cfg.LogTraffic {
		c.logger.Debug().
			Int("attempt", n).
			Str("method", req.Method).
			Str("url", target).
			RawJSON("headers", redactHeaders(httpReq.Header)).
			Str("body", redactBody(body, contentType)).
			Msg("provider request")
	}

	start := c.now()
	httpResp, err := c.http.Do(httpReq)
	elapsed := c.now().Sub(start)
	if err != nil {
		c.metrics.ObserveRequest(c.cfg.Provider, req.Method, 0, elapsed)
		c.logger.Warn().Err(err).Int("attempt", n).Str("method", req.Method).Str("path", req.Path).Msg("provider transport failure")
		return 0, nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		c.metrics.ObserveRequest(c.cfg.Provider, req.Method, 0, elapsed)
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	c.metrics.ObserveRequest(c.cfg.Provider, req.Method, httpResp.StatusCode, elapsed)

	if c.cfg.LogTraffic {
		c.logger.Debug().
			Int("attempt", n).
			Int("status", httpResp.StatusCode).
			Dur("duration", elapsed).
			Str("body", redactBody(data, httpResp.Header.Get("Content-Type"))).
			Msg("provider response")
	}

	return httpResp.StatusCode, &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header.Clone(), Body: data}, nil
}

func (c *Client) wait(ctx context.Context, req Request, attempt int, reason string, hint time.Duration) error {
	d := c.backoff.delay(attempt)
	if hint > d {
		d = hint
	}
	c.metrics.IncRetry(c.cfg.Provider, reason)
	c.logger.Warn().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("attempt", attempt).
		Int("max_attempts", c.cfg.Retry.Times).
		Str("reason", reason).
		Dur("backoff", d).
		Msg("retrying provider request")
	return c.sleep(ctx, d)
}

func (c *Client) resolve(req Request) string {
	var u *url.URL
	if strings.HasPrefix(req.Path, "http://") || strings.HasPrefix(req.Path, "https://") {
		parsed, err := url.Parse(req.Path)
		if err == nil {
			u = parsed
		}
	}
	if u == nil {
		clone := *c.baseURL
		clone.Path = strings.TrimRight(clone.Path, "/") + "/" + strings.TrimLeft(req.Path, "/")
		u = &clone
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, values := range req.Query {
			for _, v := range values {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) mockResponse(req Request) *Response {
	if resp, ok := c.responder(req); ok && resp != nil {
		if resp.StatusCode == 0 {
			resp.StatusCode = http.StatusOK
		}
		return resp
	}
	c.logger.Debug().Str("method", req.Method).Str("path", req.Path).Msg("mock mode: generic success")
	return &Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(`{"success":true,"mock":true}`)}
}

func encodeBody(req Request) ([]byte, string, error) {
	switch {
	case req.File != nil:
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for k, v := range req.Fields {
			if err := w.WriteField(k, v); err != nil {
				return nil, "", fmt.Errorf("multipart field %s: %w", k, err)
			}
		}
		field := req.File.FieldName
		if field == "" {
			field = "file"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, req.File.FileName))
		if req.File.ContentType != "" {
			h.Set("Content-Type", req.File.ContentType)
		}
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("multipart file: %w", err)
		}
		if _, err := part.Write(req.File.Content); err != nil {
			return nil, "", fmt.Errorf("multipart file: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("multipart close: %w", err)
		}
		return buf.Bytes(), w.FormDataContentType(), nil
	case req.Form != nil:
		return []byte(req.Form.Encode()), "application/x-www-form-urlencoded", nil
	case req.JSON != nil:
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, "", fmt.Errorf("encode json body: %w", err)
		}
		return data, "application/json", nil
	default:
		return nil, "", nil
	}
}
