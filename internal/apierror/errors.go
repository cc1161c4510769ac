// Package apierror classifies failures returned by outbound provider APIs.
//
// Every failure surfaced by the HTTP client wrapper is an *Error carrying one
// Kind. Callers match either generically (errors.As into *Error) or
// specifically (errors.Is against one of the Err* sentinels).
package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind enumerates the failure classes.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindValidation     Kind = "validation"
	KindEntityNotFound Kind = "entity_not_found"
	KindRateLimit      Kind = "rate_limit"
	KindAPI            Kind = "api"
)

// Sentinels usable with errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrAuthorization  = errors.New("not authorized")
	ErrValidation     = errors.New("validation failed")
	ErrEntityNotFound = errors.New("entity not found")
	ErrRateLimit      = errors.New("rate limit exceeded")
	ErrAPI            = errors.New("provider api error")
)

var sentinels = map[Kind]error{
	KindAuthentication: ErrAuthentication,
	KindAuthorization:  ErrAuthorization,
	KindValidation:     ErrValidation,
	KindEntityNotFound: ErrEntityNotFound,
	KindRateLimit:      ErrRateLimit,
	KindAPI:            ErrAPI,
}

// Error is an immutable, classified provider failure.
type Error struct {
	kind       Kind
	provider   string
	httpStatus int
	message    string
	details    map[string][]string
	retryAfter time.Duration
	cause      error
}

// Option customises an Error at construction time.
type Option func(*Error)

// WithDetails attaches field level messages. The map is copied.
func WithDetails(details map[string][]string) Option {
	return func(e *Error) {
		e.details = cloneDetails(details)
	}
}

// WithRetryAfter records how long the caller should wait before retrying.
func WithRetryAfter(d time.Duration) Option {
	return func(e *Error) {
		if d > 0 {
			e.retryAfter = d
		}
	}
}

// WithProvider tags the error with the provider that produced it.
func WithProvider(name string) Option {
	return func(e *Error) {
		e.provider = strings.TrimSpace(name)
	}
}

// WithCause keeps the underlying error reachable through errors.Unwrap.
func WithCause(err error) Option {
	return func(e *Error) {
		e.cause = err
	}
}

// New constructs a classified error.
func New(kind Kind, httpStatus int, message string, opts ...Option) *Error {
	if _, ok := sentinels[kind]; !ok {
		kind = KindAPI
	}
	e := &Error{
		kind:       kind,
		httpStatus: httpStatus,
		message:    strings.TrimSpace(message),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.message == "" {
		e.message = sentinels[kind].Error()
	}
	return e
}

// Validation builds a local validation failure that never reached the network.
func Validation(message string, details map[string][]string, opts ...Option) *Error {
	return New(KindValidation, http.StatusBadRequest, message, append([]Option{WithDetails(details)}, opts...)...)
}

// Transport wraps a network level failure (dial, TLS, timeout) as an API error.
func Transport(err error, opts ...Option) *Error {
	msg := "transport failure"
	if err != nil {
		msg = fmt.Sprintf("transport failure: %v", err)
	}
	return New(KindAPI, 0, msg, append(opts, WithCause(err))...)
}

// KindForStatus maps an HTTP status code to a failure kind.
func KindForStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindValidation
	case http.StatusUnauthorized:
		return KindAuthentication
	case http.StatusForbidden:
		return KindAuthorization
	case http.StatusNotFound:
		return KindEntityNotFound
	case http.StatusTooManyRequests:
		return KindRateLimit
	default:
		return KindAPI
	}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.provider != "" {
		b.WriteString(e.provider)
		b.WriteString(": ")
	}
	b.WriteString(string(e.kind))
	if e.httpStatus > 0 {
		fmt.Fprintf(&b, " (http %d)", e.httpStatus)
	}
	b.WriteString(": ")
	b.WriteString(e.message)
	return b.String()
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.kind] == target
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Kind() Kind { return e.kind }

func (e *Error) Provider() string { return e.provider }

func (e *Error) HTTPStatus() int { return e.httpStatus }

func (e *Error) Message() string { return e.message }

// Details returns a copy of the field level messages.
func (e *Error) Details() map[string][]string { return cloneDetails(e.details) }

// RetryAfter is zero unless the provider (or local limiter) supplied a hint.
func (e *Error) RetryAfter() time.Duration { return e.retryAfter }

// KindOf reports the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.kind
	}
	return ""
}

// IsRetryable reports whether err is worth retrying later: rate limits,
// transport failures and 5xx answers.
func IsRetryable(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.kind {
	case KindRateLimit:
		return true
	case KindAPI:
		return apiErr.httpStatus == 0 || apiErr.httpStatus >= 500
	default:
		return false
	}
}

// RetryAfterOf extracts the retry hint from err when present.
func RetryAfterOf(err error) time.Duration {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.retryAfter
	}
	return 0
}

func cloneDetails(in map[string][]string) map[string][]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
