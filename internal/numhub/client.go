// Package numhub is a typed client for the NumHub BrandControl API.
package numhub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/brandcall/voicecore/internal/apierror"
	"github.com/brandcall/voicecore/internal/httpclient"
	"github.com/brandcall/voicecore/internal/metrics"
	"github.com/brandcall/voicecore/internal/ratelimit"
	"github.com/brandcall/voicecore/internal/store"
)

const (
	ProviderName      = "numhub"
	DefaultBaseURL    = "https://brandidentity-api.numhub.com/api/v1"
	DefaultAuthScheme = "ATLAASROPG"
)

// Config is the canonical NumHub configuration.
type Config struct {
	BaseURL         string
	Email           string
	Password        string
	ClientID        string
	AuthScheme      string
	TokenTTL        time.Duration
	SafetyMargin    time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	Timeout         time.Duration
	Retry           httpclient.RetryPolicy
	Mock            bool
	LogTraffic      bool
}

// Store is the shared state a client needs.
type Store interface {
	store.TokenStore
	store.CounterStore
}

// API is the full BrandControl surface. *Client implements it.
type API interface {
	Authenticate(ctx context.Context) (AccessToken, error)
	InvalidateToken(ctx context.Context)
	GetRateLimitRemaining(ctx context.Context) (int, error)

	ListApplications(ctx context.Context, page int) (Page[Application], error)
	GetApplication(ctx context.Context, id string) (Application, error)
	CreateApplication(ctx context.Context, req ApplicationRequest) (Application, error)
	UpdateApplication(ctx context.Context, id string, req ApplicationRequest) (Application, error)
	SubmitApplication(ctx context.Context, id string) (Application, error)
	DeleteApplication(ctx context.Context, id string) error

	ListDocuments(ctx context.Context, applicationID string) ([]Document, error)
	UploadDocument(ctx context.Context, applicationID string, upload DocumentUpload) (Document, error)
	DeleteDocument(ctx context.Context, applicationID, documentID string) error

	GenerateOTP(ctx context.Context, req OTPRequest) (OTPChallenge, error)
	VerifyOTP(ctx context.Context, req OTPVerification) (OTPResult, error)

	ListDisplayIdentities(ctx context.Context, page int) (Page[DisplayIdentity], error)
	GetDisplayIdentity(ctx context.Context, id string) (DisplayIdentity, error)
	CreateDisplayIdentity(ctx context.Context, req DisplayIdentityRequest) (DisplayIdentity, error)
	UpdateDisplayIdentity(ctx context.Context, id string, req DisplayIdentityRequest) (DisplayIdentity, error)
	DeleteDisplayIdentity(ctx context.Context, id string) error

	ListDeals(ctx context.Context, page int) (Page[Deal], error)
	GetDeal(ctx context.Context, id string) (Deal, error)
	CreateDeal(ctx context.Context, req DealRequest) (Deal, error)
	UpdateDeal(ctx context.Context, id string, req DealRequest) (Deal, error)

	ListDefaultFees(ctx context.Context) ([]DefaultFee, error)
	CreateDefaultFee(ctx context.Context, req DefaultFeeRequest) (DefaultFee, error)
	UpdateDefaultFee(ctx context.Context, id string, req DefaultFeeRequest) (DefaultFee, error)
	DeleteDefaultFee(ctx context.Context, id string) error

	GetSettlementReports(ctx context.Context, filter SettlementFilter) (Page[SettlementReport], error)
}

// Option customises the client.
type Option func(*options)

type options struct {
	doer    httpclient.Doer
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   httpclient.Sleeper
}

// WithHTTPClient overrides the transport used for every NumHub call.
func WithHTTPClient(d httpclient.Doer) Option {
	return func(o *options) { o.doer = d }
}

// WithMetrics records outbound traffic and token refreshes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides the clock shared by the token cache and rate limiter.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSleeper overrides how retry delays are waited out.
func WithSleeper(s httpclient.Sleeper) Option {
	return func(o *options) { o.sleep = s }
}

// Client talks to NumHub through the shared HTTP client wrapper.
type Client struct {
	http    *httpclient.Client
	tokens  *TokenManager
	limiter *ratelimit.Limiter
	mock    bool
	logger  zerolog.Logger
}

var _ API = (*Client)(nil)

// New wires a token manager, a rate limiter and an HTTP client around st.
func New(cfg Config, st Store, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if st == nil {
		return nil, errors.New("numhub: store is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	cfg = withDefaults(cfg)
	if !cfg.Mock {
		var missing []string
		if cfg.Email == "" {
			missing = append(missing, "email")
		}
		if cfg.Password == "" {
			missing = append(missing, "password")
		}
		if cfg.ClientID == "" {
			missing = append(missing, "client id")
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("numhub: missing %s", strings.Join(missing, ", "))
		}
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	limiter, err := ratelimit.New(ProviderName+":"+cfg.ClientID, cfg.RateLimitMax, cfg.RateLimitWindow, st, ratelimit.WithClock(o.now))
	if err != nil {
		return nil, fmt.Errorf("numhub: %w", err)
	}

	httpCfg := httpclient.Config{
		Provider:   ProviderName,
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Timeout,
		Retry:      cfg.Retry,
		LogTraffic: cfg.LogTraffic,
		Headers: map[string]string{
			"X-Auth-Scheme": cfg.AuthScheme,
			"client-id":     cfg.ClientID,
		},
	}
	httpOpts := []httpclient.Option{
		httpclient.WithLimiter(limiter),
		httpclient.WithMetrics(o.metrics),
		httpclient.WithClock(o.now),
	}
	if o.doer != nil {
		httpOpts = append(httpOpts, httpclient.WithHTTPClient(o.doer))
	}
	if o.sleep != nil {
		httpOpts = append(httpOpts, httpclient.WithSleeper(o.sleep))
	}
	if cfg.Mock {
		httpOpts = append(httpOpts, httpclient.WithResponder(mockResponder(o.now)))
	}

	login, err := httpclient.New(httpCfg, httpclient.NoAuth{}, logger, httpOpts...)
	if err != nil {
		return nil, fmt.Errorf("numhub: %w", err)
	}
	tokens, err := NewTokenManager(cfg, login, st, logger, o.metrics, o.now)
	if err != nil {
		return nil, err
	}
	api, err := httpclient.New(httpCfg, tokens, logger, httpOpts...)
	if err != nil {
		return nil, fmt.Errorf("numhub: %w", err)
	}

	return &Client{
		http:    api,
		tokens:  tokens,
		limiter: limiter,
		mock:    cfg.Mock,
		logger:  logger.With().Str("component", "numhub_client").Logger(),
	}, nil
}

func withDefaults(cfg Config) Config {
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.AuthScheme = strings.TrimSpace(cfg.AuthScheme)
	if cfg.AuthScheme == "" {
		cfg.AuthScheme = DefaultAuthScheme
	}
	cfg.Email = strings.TrimSpace(cfg.Email)
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = ratelimit.DefaultMaxRequests
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = ratelimit.DefaultWindow
	}
	if cfg.Retry.Times <= 0 {
		cfg.Retry = httpclient.DefaultRetryPolicy()
	}
	return cfg
}

// Mock reports whether the client answers from canned responses.
func (c *Client) Mock() bool { return c.mock }

func (c *Client) Authenticate(ctx context.Context) (AccessToken, error) {
	return c.tokens.Authenticate(ctx)
}

func (c *Client) InvalidateToken(ctx context.Context) {
	c.tokens.InvalidateToken(ctx)
}

// GetRateLimitRemaining reports requests left in the local window.
func (c *Client) GetRateLimitRemaining(ctx context.Context) (int, error) {
	return c.limiter.Remaining(ctx)
}

// Applications

func (c *Client) ListApplications(ctx context.Context, page int) (Page[Application], error) {
	var out Page[Application]
	err := c.http.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: "/applications", Query: pageQuery(page)}, &out)
	return out, err
}

func (c *Client) GetApplication(ctx context.Context, id string) (Application, error) {
	if err := requireID("application id", id); err != nil {
		return Application{}, err
	}
	return getOne[Application](ctx, c, http.MethodGet, "/applications/"+url.PathEscape(id), nil)
}

func (c *Client) CreateApplication(ctx context.Context, req ApplicationRequest) (Application, error) {
	if err := req.validate(); err != nil {
		return Application{}, err
	}
	return getOne[Application](ctx, c, http.MethodPost, "/applications", req)
}

func (c *Client) UpdateApplication(ctx context.Context, id string, req ApplicationRequest) (Application, error) {
	if err := requireID("application id", id); err != nil {
		return Application{}, err
	}
	return getOne[Application](ctx, c, http.MethodPut, "/applications/"+url.PathEscape(id), req)
}

// SubmitApplication moves a draft application into review.
func (c *Client) SubmitApplication(ctx context.Context, id string) (Application, error) {
	if err := requireID("application id", id); err != nil {
		return Application{}, err
	}
	return getOne[Application](ctx, c, http.MethodPost, "/applications/"+url.PathEscape(id)+"/submit", nil)
}

func (c *Client) DeleteApplication(ctx context.Context, id string) error {
	if err := requireID("application id", id); err != nil {
		return err
	}
	return c.http.Do(ctx, httpclient.Request{Method: http.MethodDelete, Path: "/applications/" + url.PathEscape(id)}, nil)
}

// Documents

func (c *Client) ListDocuments(ctx context.Context, applicationID string) ([]Document, error) {
	if err := requireID("application id", applicationID); err != nil {
		return nil, err
	}
	var out envelope[[]Document]
	err := c.http.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: documentsPath(applicationID)}, &out)
	return out.Data, err
}

// UploadDocument validates the file against its document type before sending.
func (c *Client) UploadDocument(ctx context.Context, applicationID string, upload DocumentUpload) (Document, error) {
	if err := requireID("application id", applicationID); err != nil {
		return Document{}, err
	}
	if err := upload.Validate(); err != nil {
		c.logger.Warn().Str("document_type", string(upload.Type)).Str("file_name", upload.FileName).Err(err).Msg("document rejected locally")
		return Document{}, err
	}
	var out envelope[Document]
	err := c.http.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   documentsPath(applicationID),
		Fields: map[string]string{"documentType": string(upload.Type)},
		File: &httpclient.FilePart{
			FieldName:   "file",
			FileName:    upload.FileName,
			ContentType: upload.ContentType,
			Content:     upload.Content,
		},
	}, &out)
	return out.Data, err
}

func (c *Client) DeleteDocument(ctx context.Context, applicationID, documentID string) error {
	if err := requireID("application id", applicationID); err != nil {
		return err
	}
	if err := requireID("document id", documentID); err != nil {
		return err
	}
	return c.http.Do(ctx, httpclient.Request{
		Method: http.MethodDelete,
		Path:   documentsPath(applicationID) + "/" + url.PathEscape(documentID),
	}, nil)
}

// OTP

func (c *Client) GenerateOTP(ctx context.Context, req OTPRequest) (OTPChallenge, error) {
	if strings.TrimSpace(req.PhoneNumber) == "" {
		return OTPChallenge{}, apierror.Validation("phone number is required", map[string][]string{"phoneNumber": {"required"}},
			apierror.WithProvider(ProviderName))
	}
	return getOne[OTPChallenge](ctx, c, http.MethodPost, "/otp/generate", req)
}

func (c *Client) VerifyOTP(ctx context.Context, req OTPVerification) (OTPResult, error) {
	if strings.TrimSpace(req.Code) == "" {
		return OTPResult{}, apierror.Validation("otp code is required", map[string][]string{"code": {"required"}},
			apierror.WithProvider(ProviderName))
	}
	return getOne[OTPResult](ctx, c, http.MethodPost, "/otp/verify", req)
}

// Display identities

func (c *Client) ListDisplayIdentities(ctx context.Context, page int) (Page[DisplayIdentity], error) {
	var out Page[DisplayIdentity]
	err := c.http.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: "/display-identities", Query: pageQuery(page)}, &out)
	return out, err
}

func (c *Client) GetDisplayIdentity(ctx context.Context, id string) (DisplayIdentity, error) {
	if err := requireID("display identity id", id); err != nil {
		return DisplayIdentity{}, err
	}
	return getOne[DisplayIdentity](ctx, c, http.MethodGet, "/display-identities/"+url.PathEscape(id), nil)
}

func (c *Client) CreateDisplayIdentity(ctx context.Context, req DisplayIdentityRequest) (DisplayIdentity, error) {
	return getOne[DisplayIdentity](ctx, c, http.MethodPost, "/display-identities", req)
}

func (c *Client) UpdateDisplayIdentity(ctx context.Context, id string, req DisplayIdentityRequest) (DisplayIdentity, error) {
	if err := requireID("display identity id", id); err != nil {
		return DisplayIdentity{}, err
	}
	return getOne[DisplayIdentity](ctx, c, http.MethodPut, "/display-identities/"+url.PathEscape(id), req)
}

func (c *Client) DeleteDisplayIdentity(ctx context.Context, id string) error {
	if err := requireID("display identity id", id); err != nil {
		return err
	}
	return c.http.Do(ctx, httpclient.Request{Method: http.MethodDelete, Path: "/display-identities/" + url.PathEscape(id)}, nil)
}

// Deals

func (c *Client) ListDeals(ctx context.Context, page int) (Page[Deal], error) {
	var out Page[Deal]
	err := c.http.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: "/deals", Query: pageQuery(page)}, &out)
	return out, err
}

func (c *Client) GetDeal(ctx context.Context, id string) (Deal, error) {
	if err := requireID("deal id", id); err != nil {
		return Deal{}, err
	}
	return getOne[Deal](ctx, c, http.MethodGet, "/deals/"+url.PathEscape(id), nil)
}

func (c *Client) CreateDeal(ctx context.Context, req DealRequest) (Deal, error) {
	return getOne[Deal](ctx, c, http.MethodPost, "/deals", req)
}

func (c *Client) UpdateDeal(ctx context.Context, id string, req DealRequest) (Deal, error) {
	if err := requireID("deal id", id); err != nil {
		return Deal{}, err
	}
	return getOne[Deal](ctx, c, http.MethodPut, "/deals/"+url.PathEscape(id), req)
}

// Default fees

func (c *Client) ListDefaultFees(ctx context.Context) ([]DefaultFee, error) {
	var out envelope[[]DefaultFee]
	err := c.http.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: "/default-fees"}, &out)
	return out.Data, err
}

func (c *Client) CreateDefaultFee(ctx context.Context, req DefaultFeeRequest) (DefaultFee, error) {
	return getOne[DefaultFee](ctx, c, http.MethodPost, "/default-fees", req)
}

func (c *Client) UpdateDefaultFee(ctx context.Context, id string, req DefaultFeeRequest) (DefaultFee, error) {
	if err := requireID("default fee id", id); err != nil {
		return DefaultFee{}, err
	}
	return getOne[DefaultFee](ctx, c, http.MethodPut, "/default-fees/"+url.PathEscape(id), req)
}

func (c *Client) DeleteDefaultFee(ctx context.Context, id string) error {
	if err := requireID("default fee id", id); err != nil {
		return err
	}
	return c.http.Do(ctx, httpclient.Request{Method: http.MethodDelete, Path: "/default-fees/" + url.PathEscape(id)}, nil)
}

// Settlement reports

func (c *Client) GetSettlementReports(ctx context.Context, filter SettlementFilter) (Page[SettlementReport], error) {
	var out Page[SettlementReport]
	err := c.http.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: "/settlement-reports", Query: filter.query()}, &out)
	return out, err
}

func getOne[T any](ctx context.Context, c *Client, method, path string, body any) (T, error) {
	var out envelope[T]
	req := httpclient.Request{Method: method, Path: path}
	if body != nil {
		req.JSON = body
	}
	err := c.http.Do(ctx, req, &out)
	return out.Data, err
}

func documentsPath(applicationID string) string {
	return "/applications/" + url.PathEscape(applicationID) + "/documents"
}

func pageQuery(page int) url.Values {
	if page <= 1 {
		return nil
	}
	return url.Values{"page": {strconv.Itoa(page)}}
}

func requireID(field, id string) error {
	if strings.TrimSpace(id) != "" {
		return nil
	}
	return apierror.Validation(field+" is required", nil, apierror.WithProvider(ProviderName))
}
