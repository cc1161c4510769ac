package util

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeEmail(t *testing.T) {
	addr, err := NormalizeEmail("User@example.com")
	if err != nil {
		t.Fatalf("expected valid email: %v", err)
	}
	if addr != "user@example.com" {
		t.Fatalf("expected lowercased email, got %q", addr)
	}

	_, err = NormalizeEmail("User <user@example.com>")
	if !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail for display name, got %v", err)
	}
}

func TestNormalizeE164(t *testing.T) {
	num, err := NormalizeE164(" +14155552671 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if num != "+14155552671" {
		t.Fatalf("unexpected normalization result: %q", num)
	}

	for _, bad := range []string{"4155552671", "+0123", "+1415555267100000", ""} {
		if _, err := NormalizeE164(bad); !errors.Is(err, ErrInvalidPhone) {
			t.Fatalf("expected ErrInvalidPhone for %q, got %v", bad, err)
		}
	}
}

func TestNormalizeE164List(t *testing.T) {
	phones, err := NormalizeE164List([]string{"+14155552671", "+441234567890"}, 1, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(phones) != 2 {
		t.Fatalf("expected 2 phone numbers, got %d", len(phones))
	}

	if _, err := NormalizeE164List([]string{}, 1, 2); err == nil {
		t.Fatalf("expected error when below min entries")
	}
	if _, err := NormalizeE164List([]string{"+14155552671", "nope"}, 0, 0); !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone from list, got %v", err)
	}
}

func TestNormalizeAttestation(t *testing.T) {
	if level, err := NormalizeAttestation(" b "); err != nil || level != "B" {
		t.Fatalf("expected B, got %q err=%v", level, err)
	}
	if level, err := NormalizeAttestation(""); err != nil || level != "" {
		t.Fatalf("expected empty level to pass, got %q err=%v", level, err)
	}
	if _, err := NormalizeAttestation("D"); !errors.Is(err, ErrInvalidAttestation) {
		t.Fatalf("expected ErrInvalidAttestation, got %v", err)
	}
}

func TestValidateMetadata(t *testing.T) {
	meta, err := ValidateMetadata(map[string]string{
		" Trace ":  " value ",
		"tenantID": "abc",
	}, 5, 10, 10)
	if err != nil {
		t.Fatalf("unexpected error validating metadata: %v", err)
	}
	if meta["Trace"] != "value" {
		t.Fatalf("expected trimmed metadata, got %q", meta["Trace"])
	}

	_, err = ValidateMetadata(map[string]string{"": "invalid"}, 5, 10, 10)
	if err == nil || !strings.Contains(err.Error(), "cannot be empty") {
		t.Fatalf("expected metadata key empty error, got %v", err)
	}

	_, err = ValidateMetadata(map[string]string{"toolong": "value"}, 5, 3, 10)
	if err == nil {
		t.Fatalf("expected error for exceeding key length")
	}
}

func TestEnsureMaxRunesAndEnsureMinRunes(t *testing.T) {
	if err := EnsureMaxRunes("call_reason", "hello", 10); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if err := EnsureMaxRunes("call_reason", "hello world", 5); err == nil {
		t.Fatalf("expected error for exceeding rune length")
	}

	if err := EnsureMinRunes("api_key", "hello", 3); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if err := EnsureMinRunes("api_key", "hi", 3); err == nil {
		t.Fatalf("expected min rune error")
	}
}

func TestTruncateRunes(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"ACME", 15, "ACME"},
		{"ACME Pharmacy Downtown", 15, "ACME Pharmacy D"},
		{"Café Crème Brûlée Ltd", 15, "Café Crème Brûl"},
		{"Northwind Trade Co", 15, "Northwind Trade"},
		{"ACME Pharmacy   X", 15, "ACME Pharmacy"},
		{"anything", 0, ""},
	}
	for _, tc := range cases {
		if got := TruncateRunes(tc.in, tc.max); got != tc.want {
			t.Fatalf("TruncateRunes(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}

func TestValidateHTTPURL(t *testing.T) {
	url, err := ValidateHTTPURL("https://example.com/path")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "https://example.com/path" {
		t.Fatalf("unexpected normalized url %q", url)
	}

	if _, err := ValidateHTTPURL("ftp://example.com"); !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("expected ErrInvalidURL for unsupported scheme, got %v", err)
	}
}
