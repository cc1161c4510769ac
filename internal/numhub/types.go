package numhub

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brandcall/voicecore/internal/apierror"
)

// envelope unwraps the {"data": ...} wrapper NumHub puts around resources.
type envelope[T any] struct {
	Data T `json:"data"`
}

// PageMeta is NumHub's pagination block.
type PageMeta struct {
	CurrentPage int `json:"current_page"`
	LastPage    int `json:"last_page"`
	PerPage     int `json:"per_page"`
	Total       int `json:"total"`
}

// Page is one page of a list endpoint.
type Page[T any] struct {
	Data []T      `json:"data"`
	Meta PageMeta `json:"meta"`
}

// Application statuses.
const (
	ApplicationDraft     = "draft"
	ApplicationSubmitted = "submitted"
	ApplicationApproved  = "approved"
	ApplicationRejected  = "rejected"
)

type Application struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	BusinessName string    `json:"businessName"`
	DBAName      string    `json:"dbaName,omitempty"`
	EIN          string    `json:"ein"`
	Website      string    `json:"website,omitempty"`
	Address      Address   `json:"address"`
	Contact      Contact   `json:"contact"`
	PhoneNumbers []string  `json:"phoneNumbers,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// ApplicationRequest creates or updates a brand application.
type ApplicationRequest struct {
	BusinessName string   `json:"businessName"`
	DBAName      string   `json:"dbaName,omitempty"`
	EIN          string   `json:"ein"`
	Website      string   `json:"website,omitempty"`
	Address      Address  `json:"address"`
	Contact      Contact  `json:"contact"`
	PhoneNumbers []string `json:"phoneNumbers,omitempty"`
}

func (r ApplicationRequest) validate() error {
	details := map[string][]string{}
	if strings.TrimSpace(r.BusinessName) == "" {
		details["businessName"] = append(details["businessName"], "business name is required")
	}
	if strings.TrimSpace(r.EIN) == "" {
		details["ein"] = append(details["ein"], "EIN is required")
	}
	if len(details) == 0 {
		return nil
	}
	return apierror.Validation("application is incomplete", details, apierror.WithProvider(ProviderName))
}

type Document struct {
	ID            string       `json:"id"`
	ApplicationID string       `json:"applicationId"`
	DocumentType  DocumentType `json:"documentType"`
	FileName      string       `json:"fileName"`
	MimeType      string       `json:"mimeType"`
	Status        string       `json:"status"`
	UploadedAt    time.Time    `json:"uploadedAt"`
}

// OTP delivery channels.
const (
	OTPChannelSMS   = "sms"
	OTPChannelVoice = "voice"
)

type OTPRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Channel     string `json:"channel,omitempty"`
}

type OTPChallenge struct {
	RequestID string    `json:"requestId"`
	Sent      bool      `json:"sent"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type OTPVerification struct {
	RequestID   string `json:"requestId,omitempty"`
	PhoneNumber string `json:"phoneNumber"`
	Code        string `json:"code"`
}

type OTPResult struct {
	Verified bool   `json:"verified"`
	Message  string `json:"message,omitempty"`
}

// Display identity statuses.
const (
	IdentityPending  = "pending"
	IdentityActive   = "active"
	IdentityInactive = "inactive"
)

// DisplayIdentity is what the terminating carrier renders: caller name, logo
// and call reason for a set of numbers.
type DisplayIdentity struct {
	ID               string   `json:"id"`
	ApplicationID    string   `json:"applicationId"`
	CallerName       string   `json:"callerName"`
	CallReason       string   `json:"callReason,omitempty"`
	LogoURL          string   `json:"logoUrl,omitempty"`
	AttestationLevel string   `json:"attestationLevel,omitempty"`
	PhoneNumbers     []string `json:"phoneNumbers"`
	Status           string   `json:"status"`
}

// Active reports whether carriers will display the identity.
func (d DisplayIdentity) Active() bool {
	return strings.EqualFold(d.Status, IdentityActive)
}

type DisplayIdentityRequest struct {
	ApplicationID    string   `json:"applicationId,omitempty"`
	CallerName       string   `json:"callerName,omitempty"`
	CallReason       string   `json:"callReason,omitempty"`
	LogoURL          string   `json:"logoUrl,omitempty"`
	AttestationLevel string   `json:"attestationLevel,omitempty"`
	PhoneNumbers     []string `json:"phoneNumbers,omitempty"`
}

type Deal struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	Rate      float64 `json:"rate"`
	Currency  string  `json:"currency"`
	StartDate string  `json:"startDate,omitempty"`
	EndDate   string  `json:"endDate,omitempty"`
}

type DealRequest struct {
	Name      string  `json:"name"`
	Rate      float64 `json:"rate"`
	Currency  string  `json:"currency,omitempty"`
	StartDate string  `json:"startDate,omitempty"`
	EndDate   string  `json:"endDate,omitempty"`
}

type DefaultFee struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	FeeType  string  `json:"feeType"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

type DefaultFeeRequest struct {
	Name     string  `json:"name"`
	FeeType  string  `json:"feeType"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
}

type SettlementReport struct {
	ID          string  `json:"id"`
	PeriodStart string  `json:"periodStart"`
	PeriodEnd   string  `json:"periodEnd"`
	TotalCalls  int64   `json:"totalCalls"`
	TotalAmount float64 `json:"totalAmount"`
	Currency    string  `json:"currency"`
	Status      string  `json:"status"`
	DownloadURL string  `json:"downloadUrl,omitempty"`
}

// SettlementFilter narrows GetSettlementReports. Zero values are omitted.
type SettlementFilter struct {
	From   time.Time
	To     time.Time
	Status string
	Page   int
}

func (f SettlementFilter) query() url.Values {
	q := url.Values{}
	if !f.From.IsZero() {
		q.Set("from", f.From.Format("2006-01-02"))
	}
	if !f.To.IsZero() {
		q.Set("to", f.To.Format("2006-01-02"))
	}
	if s := strings.TrimSpace(f.Status); s != "" {
		q.Set("status", s)
	}
	if f.Page > 1 {
		q.Set("page", strconv.Itoa(f.Page))
	}
	if len(q) == 0 {
		return nil
	}
	return q
}
