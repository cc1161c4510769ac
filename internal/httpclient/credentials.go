package httpclient

import (
	"context"
	"net/http"
	"strings"
)

// Credentials decorates outbound requests with authentication. Invalidate is
// called once after a 401 so the next Apply fetches fresh material; it must
// not fail.
type Credentials interface {
	Apply(ctx context.Context, req *http.Request) error
	Invalidate(ctx context.Context)
}

// NoAuth sends requests unauthenticated.
type NoAuth struct{}

func (NoAuth) Apply(context.Context, *http.Request) error { return nil }

func (NoAuth) Invalidate(context.Context) {}

// StaticBearer sends a fixed API key as a bearer token.
type StaticBearer string

func (s StaticBearer) Apply(_ context.Context, req *http.Request) error {
	if key := strings.TrimSpace(string(s)); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return nil
}

func (StaticBearer) Invalidate(context.Context) {}

// BasicAuth sends HTTP basic credentials, as Twilio expects.
type BasicAuth struct {
	Username string
	Password string
}

func (b BasicAuth) Apply(_ context.Context, req *http.Request) error {
	req.SetBasicAuth(b.Username, b.Password)
	return nil
}

func (BasicAuth) Invalidate(context.Context) {}
