// Package voice defines the vendor-neutral calling contract and the drivers
// that implement it. Callers branch on Features, never on concrete types.
package voice

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/brandcall/voicecore/internal/apierror"
	"github.com/brandcall/voicecore/internal/util"
)

// MaxCNAMLength is the carrier limit for caller name display.
const MaxCNAMLength = 15

// ErrorKind classifies a failed result. It reuses the apierror kinds and adds
// unsupported for capabilities a driver does not have.
type ErrorKind string

const (
	ErrorUnsupported    ErrorKind = "unsupported"
	ErrorInvalidRequest ErrorKind = "invalid_request"
	ErrorNotConfigured  ErrorKind = "not_configured"
	ErrorProvider       ErrorKind = ErrorKind(apierror.KindAPI)
)

// Canonical call statuses. Drivers map vendor states onto these.
const (
	StatusQueued     = "queued"
	StatusInitiated  = "initiated"
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusBusy       = "busy"
	StatusNoAnswer   = "no-answer"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
	StatusUnknown    = "unknown"
)

// Features is the static capability set of a driver.
type Features struct {
	STIRShaken     bool `json:"stir_shaken"`
	CNAM           bool `json:"cnam"`
	RichCallData   bool `json:"rich_call_data"`
	NumberPurchase bool `json:"number_purchase"`
}

// Brand is the business whose identity is attached to calls.
type Brand struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	DisplayName  string   `json:"display_name" yaml:"display_name"`
	CallReason   string   `json:"call_reason,omitempty" yaml:"call_reason"`
	LogoURL      string   `json:"logo_url,omitempty" yaml:"logo_url"`
	EIN          string   `json:"ein,omitempty" yaml:"ein"`
	Website      string   `json:"website,omitempty" yaml:"website"`
	ContactEmail string   `json:"contact_email,omitempty" yaml:"contact_email"`
	PhoneNumbers []string `json:"phone_numbers,omitempty" yaml:"phone_numbers"`
	// ProviderID is the vendor-side identity, e.g. a NumHub display identity id.
	ProviderID string `json:"provider_id,omitempty" yaml:"provider_id"`
}

// CallerName is the name shown to the callee.
func (b Brand) CallerName() string {
	if n := strings.TrimSpace(b.DisplayName); n != "" {
		return n
	}
	return strings.TrimSpace(b.Name)
}

// CallRequest initiates one branded call. Numbers are E.164 and have been
// validated by the caller.
type CallRequest struct {
	Brand            Brand
	From             string
	To               string
	CallReason       string
	AttestationLevel string
	Metadata         map[string]string
}

type CallResult struct {
	Success          bool      `json:"success"`
	Provider         string    `json:"provider"`
	CallSID          string    `json:"call_sid,omitempty"`
	Status           string    `json:"status,omitempty"`
	AttestationLevel string    `json:"attestation_level,omitempty"`
	Error            string    `json:"error,omitempty"`
	ErrorKind        ErrorKind `json:"error_kind,omitempty"`
	// RetryAfter is the provider's back-off hint for rate limited calls.
	RetryAfter time.Duration `json:"-"`
}

type CallStatus struct {
	Success   bool          `json:"success"`
	CallSID   string        `json:"call_sid,omitempty"`
	Status    string        `json:"status,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
}

// Result is the outcome of a write without a payload.
type Result struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}

type BrandRegistration struct {
	Success    bool      `json:"success"`
	ProviderID string    `json:"provider_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
}

// WebhookEnvelope is an inbound callback exactly as received. URL is the
// public callback URL; Twilio signs it.
type WebhookEnvelope struct {
	Payload   []byte
	Signature string
	Headers   http.Header
	URL       string
}

// Provider is implemented by every vendor driver. Operations report failures
// in their results rather than as errors.
type Provider interface {
	Name() string
	IsConfigured() bool
	Features() Features
	Call(ctx context.Context, req CallRequest) CallResult
	GetCallStatus(ctx context.Context, callSID string) CallStatus
	Hangup(ctx context.Context, callSID string) Result
	RegisterBrand(ctx context.Context, brand Brand) BrandRegistration
	RegisterNumber(ctx context.Context, phoneNumber string) Result
	UpdateCNAM(ctx context.Context, phoneNumber, callerName string) Result
	VerifyWebhook(env WebhookEnvelope) bool
}

// CallEvent is a normalised status change parsed from a verified webhook.
type CallEvent struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	CallSID    string    `json:"call_sid"`
	Status     string    `json:"status"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	DurationS  int       `json:"duration_seconds,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	VendorType string    `json:"vendor_type,omitempty"`
}

// WebhookParser is implemented by drivers whose callbacks carry call state.
type WebhookParser interface {
	ParseWebhook(env WebhookEnvelope) (CallEvent, error)
}

// ErrUnparseableWebhook is returned when a verified payload has no call state.
var ErrUnparseableWebhook = errors.New("voice: webhook carries no call event")

// kindOf maps an error onto a result kind.
func kindOf(err error) ErrorKind {
	if k := apierror.KindOf(err); k != "" {
		return ErrorKind(k)
	}
	return ErrorProvider
}

func callFailed(provider string, err error) CallResult {
	return CallResult{
		Provider:   provider,
		Error:      err.Error(),
		ErrorKind:  kindOf(err),
		RetryAfter: apierror.RetryAfterOf(err),
	}
}

func failed(err error) Result {
	return Result{Error: err.Error(), ErrorKind: kindOf(err)}
}

func unsupported(provider, capability string) Result {
	return Result{
		Error:     fmt.Sprintf("%s does not support %s", provider, capability),
		ErrorKind: ErrorUnsupported,
	}
}

// truncateCNAM enforces the carrier caller name limit on a rune boundary.
func truncateCNAM(name string) (string, bool) {
	name = strings.TrimSpace(name)
	out := util.TruncateRunes(name, MaxCNAMLength)
	return out, out != name
}
