package numhub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/brandcall/voicecore/internal/apierror"
	"github.com/brandcall/voicecore/internal/httpclient"
	"github.com/brandcall/voicecore/internal/metrics"
	"github.com/brandcall/voicecore/internal/store"
)

const (
	DefaultTokenTTL     = 84600 * time.Second
	DefaultSafetyMargin = 5 * time.Minute

	loginPath = "/authenticate"
	// loginTimeout bounds a shared login, including its retries.
	loginTimeout = 2 * time.Minute
)

// AccessToken is an issued bearer credential. It is never modified after issue.
type AccessToken struct {
	Token     string
	ExpiresAt time.Time
	ClientID  string
	Scope     string
}

// usable reports whether the token can still be handed out at now.
func (t AccessToken) usable(now time.Time, margin time.Duration) bool {
	return t.Token != "" && now.Add(margin).Before(t.ExpiresAt)
}

type loginResponse struct {
	AccessToken      string `json:"accessToken"`
	AccessTokenSnake string `json:"access_token"`
	Token            string `json:"token"`
	ExpiresIn        int64  `json:"expiresIn"`
	ExpiresInSnake   int64  `json:"expires_in"`
	Scope            string `json:"scope"`
}

func (r loginResponse) token() string {
	for _, v := range []string{r.AccessToken, r.AccessTokenSnake, r.Token} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func (r loginResponse) expiresIn() time.Duration {
	if r.ExpiresIn > 0 {
		return time.Duration(r.ExpiresIn) * time.Second
	}
	if r.ExpiresInSnake > 0 {
		return time.Duration(r.ExpiresInSnake) * time.Second
	}
	return 0
}

// TokenManager owns the NumHub bearer token: it caches it in a shared store,
// refreshes it at most once per credential at a time, and evicts it on demand.
type TokenManager struct {
	login    *httpclient.Client
	tokens   store.TokenStore
	key      string
	email    string
	password string
	clientID string
	maxTTL   time.Duration
	margin   time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	group singleflight.Group
}

// NewTokenManager builds a manager that logs in through login. login must not
// carry credentials of its own.
func NewTokenManager(cfg Config, login *httpclient.Client, tokens store.TokenStore, logger zerolog.Logger, m *metrics.Metrics, now func() time.Time) (*TokenManager, error) {
	if login == nil {
		return nil, errors.New("numhub: token manager: login client is required")
	}
	if tokens == nil {
		return nil, errors.New("numhub: token manager: token store is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if now == nil {
		now = time.Now
	}
	maxTTL := cfg.TokenTTL
	if maxTTL <= 0 {
		maxTTL = DefaultTokenTTL
	}
	margin := cfg.SafetyMargin
	if margin <= 0 {
		margin = DefaultSafetyMargin
	}
	return &TokenManager{
		login:    login,
		tokens:   tokens,
		key:      TokenCacheKey(cfg.ClientID, cfg.Email),
		email:    cfg.Email,
		password: cfg.Password,
		clientID: cfg.ClientID,
		maxTTL:   maxTTL,
		margin:   margin,
		now:      now,
		metrics:  m,
		logger:   logger.With().Str("component", "numhub_token_manager").Logger(),
	}, nil
}

// TokenCacheKey scopes a cached token to one NumHub credential.
func TokenCacheKey(clientID, email string) string {
	return fmt.Sprintf("numhub:%s:%s", strings.TrimSpace(clientID), strings.ToLower(strings.TrimSpace(email)))
}

// Authenticate returns a usable token, logging in when none is cached.
// Concurrent callers share one login. The login runs detached from any single
// caller, so a caller that gives up does not fail the others.
func (m *TokenManager) Authenticate(ctx context.Context) (AccessToken, error) {
	if tok, ok := m.cached(ctx); ok {
		return tok, nil
	}

	ch := m.group.DoChan(m.key, func() (any, error) {
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loginTimeout)
		defer cancel()
		return m.loginOnce(loginCtx)
	})

	select {
	case <-ctx.Done():
		return AccessToken{}, apierror.Transport(ctx.Err(), apierror.WithProvider(m.login.Provider()))
	case res := <-ch:
		if res.Err != nil {
			return AccessToken{}, res.Err
		}
		if res.Shared {
			m.logger.Debug().Msg("joined in-flight authentication")
		}
		return res.Val.(AccessToken), nil
	}
}

func (m *TokenManager) loginOnce(ctx context.Context) (AccessToken, error) {
	locker, ok := m.tokens.(store.RefreshLocker)
	if !ok {
		return m.refresh(ctx)
	}
	var tok AccessToken
	err := locker.WithRefreshLock(ctx, m.key, func(ctx context.Context) error {
		// Another process may have refreshed while we waited for the lock.
		if cached, ok := m.cached(ctx); ok {
			tok = cached
			return nil
		}
		fresh, err := m.refresh(ctx)
		if err != nil {
			return err
		}
		tok = fresh
		return nil
	})
	return tok, err
}

// InvalidateToken evicts the cached token. Store failures are logged only.
func (m *TokenManager) InvalidateToken(ctx context.Context) {
	m.group.Forget(m.key)
	if err := m.tokens.DeleteToken(ctx, m.key); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn().Err(err).Msg("failed to evict cached token")
		return
	}
	m.logger.Info().Msg("cached token invalidated")
}

// Apply attaches the bearer token to req.
func (m *TokenManager) Apply(ctx context.Context, req *http.Request) error {
	tok, err := m.Authenticate(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	return nil
}

// Invalidate satisfies httpclient.Credentials.
func (m *TokenManager) Invalidate(ctx context.Context) {
	m.InvalidateToken(ctx)
}

func (m *TokenManager) cached(ctx context.Context) (AccessToken, bool) {
	now := m.now()
	stored, err := m.tokens.GetToken(ctx, m.key, now)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn().Err(err).Msg("token store read failed; logging in")
		}
		return AccessToken{}, false
	}
	tok := AccessToken{Token: stored.Value, ExpiresAt: stored.ExpiresAt, ClientID: stored.ClientID, Scope: stored.Scope}
	if !tok.usable(now, m.margin) {
		return AccessToken{}, false
	}
	return tok, true
}

func (m *TokenManager) refresh(ctx context.Context) (AccessToken, error) {
	var out loginResponse
	err := m.login.Do(ctx, httpclient.Request{
		Method:   http.MethodPost,
		Path:     loginPath,
		JSON:     map[string]string{"email": m.email, "password": m.password},
		NoReauth: true,
	}, &out)
	if err != nil {
		m.metrics.IncTokenRefresh(m.login.Provider(), "failure")
		var apiErr *apierror.Error
		if errors.As(err, &apiErr) && apiErr.Kind() == apierror.KindAuthorization {
			// Rejected credentials are not transient, whichever code says so.
			return AccessToken{}, apierror.New(apierror.KindAuthentication, apiErr.HTTPStatus(), apiErr.Message(),
				apierror.WithProvider(apiErr.Provider()), apierror.WithCause(err))
		}
		m.logger.Error().Err(err).Msg("authentication failed")
		return AccessToken{}, err
	}

	value := out.token()
	if value == "" {
		m.metrics.IncTokenRefresh(m.login.Provider(), "failure")
		return AccessToken{}, apierror.New(apierror.KindAPI, http.StatusOK, "login response carried no access token",
			apierror.WithProvider(m.login.Provider()))
	}

	issued := m.now()
	ttl := m.maxTTL
	if server := out.expiresIn(); server > 0 && server < ttl {
		ttl = server
	}
	tok := AccessToken{Token: value, ExpiresAt: issued.Add(ttl), ClientID: m.clientID, Scope: out.Scope}

	if err := m.tokens.PutToken(ctx, m.key, store.Token{
		Value:     tok.Token,
		ClientID:  tok.ClientID,
		Scope:     tok.Scope,
		IssuedAt:  issued,
		ExpiresAt: tok.ExpiresAt,
	}); err != nil {
		m.logger.Warn().Err(err).Msg("failed to cache token; continuing with in-memory copy")
	}

	m.metrics.IncTokenRefresh(m.login.Provider(), "success")
	m.logger.Info().Time("expires_at", tok.ExpiresAt).Msg("authenticated with numhub")
	return tok, nil
}
