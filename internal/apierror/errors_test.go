package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestKindForStatus(t *testing.T) {
	cases := map[int]Kind{
		http.StatusBadRequest:          KindValidation,
		http.StatusUnprocessableEntity: KindValidation,
		http.StatusUnauthorized:        KindAuthentication,
		http.StatusForbidden:           KindAuthorization,
		http.StatusNotFound:            KindEntityNotFound,
		http.StatusTooManyRequests:     KindRateLimit,
		http.StatusInternalServerError: KindAPI,
		http.StatusConflict:            KindAPI,
	}
	for status, want := range cases {
		if got := KindForStatus(status); got != want {
			t.Fatalf("status %d: expected %s, got %s", status, want, got)
		}
	}
}

func TestErrorMatchesSentinelOfItsKind(t *testing.T) {
	err := fmt.Errorf("numhub: create application: %w", New(KindEntityNotFound, 404, "no such application"))

	if !errors.Is(err, ErrEntityNotFound) {
		t.Fatalf("expected wrapped error to match ErrEntityNotFound")
	}
	if errors.Is(err, ErrValidation) {
		t.Fatalf("did not expect match against ErrValidation")
	}
	if KindOf(err) != KindEntityNotFound {
		t.Fatalf("unexpected kind %q", KindOf(err))
	}
}

func TestDetailsAreCopied(t *testing.T) {
	details := map[string][]string{"email": {"is required"}}
	err := Validation("invalid payload", details)

	details["email"][0] = "mutated"
	got := err.Details()
	if got["email"][0] != "is required" {
		t.Fatalf("expected constructor to copy details, got %v", got)
	}

	got["email"][0] = "mutated again"
	if err.Details()["email"][0] != "is required" {
		t.Fatalf("expected accessor to return a copy")
	}
}

func TestFromResponseParsesFieldErrors(t *testing.T) {
	body := []byte(`{"message":"The given data was invalid.","errors":{"businessName":["is required"],"ein":["must be 9 digits"]}}`)
	err := FromResponse(http.StatusBadRequest, http.Header{}, body, WithProvider("numhub"))

	if err.Kind() != KindValidation {
		t.Fatalf("expected validation kind, got %s", err.Kind())
	}
	if err.Message() != "The given data was invalid." {
		t.Fatalf("unexpected message %q", err.Message())
	}
	if got := err.Details()["ein"]; len(got) != 1 || got[0] != "must be 9 digits" {
		t.Fatalf("unexpected details %v", err.Details())
	}
	if !strings.HasPrefix(err.Error(), "numhub: validation (http 400)") {
		t.Fatalf("unexpected error string %q", err.Error())
	}
}

func TestFromResponseParsesJSONAPIErrors(t *testing.T) {
	body := []byte(`{"errors":[{"code":"10015","title":"Invalid value","detail":"to must be E.164","source":{"pointer":"/to"}}]}`)
	err := FromResponse(http.StatusUnprocessableEntity, http.Header{}, body)

	if err.Message() != "Invalid value" {
		t.Fatalf("unexpected message %q", err.Message())
	}
	if got := err.Details()["to"]; len(got) != 1 || got[0] != "to must be E.164" {
		t.Fatalf("unexpected details %v", err.Details())
	}
}

func TestFromResponseRateLimitRetryAfter(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "42")

	err := FromResponse(http.StatusTooManyRequests, header, []byte(`{"message":"slow down"}`))
	if !errors.Is(err, ErrRateLimit) {
		t.Fatalf("expected rate limit error")
	}
	if err.RetryAfter() != 42*time.Second {
		t.Fatalf("expected retry after 42s, got %s", err.RetryAfter())
	}
	if RetryAfterOf(fmt.Errorf("wrapped: %w", err)) != 42*time.Second {
		t.Fatalf("expected RetryAfterOf to unwrap")
	}
}

func TestFromResponseFallsBackToStatusText(t *testing.T) {
	err := FromResponse(http.StatusBadGateway, http.Header{}, nil)
	if err.Message() != http.StatusText(http.StatusBadGateway) {
		t.Fatalf("unexpected message %q", err.Message())
	}
	if err.Kind() != KindAPI {
		t.Fatalf("expected api kind, got %s", err.Kind())
	}
}

func TestFromResponseTruncatesOnRuneBoundary(t *testing.T) {
	body := "x" + strings.Repeat("é", 300)
	err := FromResponse(http.StatusBadGateway, http.Header{}, []byte(body))
	msg := err.Message()
	if !utf8.ValidString(msg) {
		t.Fatalf("message is not valid utf-8: %q", msg)
	}
	if len(msg) != 511 || !strings.HasPrefix(body, msg) {
		t.Fatalf("unexpected truncation to %d bytes", len(msg))
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	value := now.Add(90 * time.Second).Format(http.TimeFormat)

	if got := ParseRetryAfter(value, now); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	if got := ParseRetryAfter("soon", now); got != 0 {
		t.Fatalf("expected 0 for garbage, got %s", got)
	}
}

func TestTransportKeepsCause(t *testing.T) {
	base := errors.New("dial tcp: connection refused")
	err := Transport(base)

	if !errors.Is(err, base) {
		t.Fatalf("expected cause to be reachable")
	}
	if !errors.Is(err, ErrAPI) {
		t.Fatalf("expected transport failures to classify as api errors")
	}
	if err.HTTPStatus() != 0 {
		t.Fatalf("expected no http status, got %d", err.HTTPStatus())
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(New(KindRateLimit, 429, "slow down")) {
		t.Fatalf("rate limits should be retryable")
	}
	if !IsRetryable(Transport(errors.New("timeout"))) {
		t.Fatalf("transport failures should be retryable")
	}
	if !IsRetryable(fmt.Errorf("wrapped: %w", New(KindAPI, 503, "down"))) {
		t.Fatalf("wrapped 503 should be retryable")
	}
	if IsRetryable(New(KindValidation, 422, "bad")) {
		t.Fatalf("validation failures are not retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatalf("unclassified errors are not retryable")
	}
}
