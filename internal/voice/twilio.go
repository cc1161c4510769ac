package voice

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/brandcall/voicecore/internal/httpclient"
)

const defaultTwilioBaseURL = "https://api.twilio.com/2010-04-01"

// TwilioConfig configures the Twilio Programmable Voice driver.
type TwilioConfig struct {
	AccountSID        string
	AuthToken         string
	BaseURL           string
	StatusCallbackURL string
	// AnswerURL serves TwiML for answered calls. When empty the call is held
	// open with a pause so branding can be observed.
	AnswerURL string
	Timeout   time.Duration
	Retry     httpclient.RetryPolicy
}

// twilioPassthrough lists call metadata keys forwarded as Calls.json params.
var twilioPassthrough = map[string]bool{
	"MachineDetection": true,
	"Timeout":          true,
	"Record":           true,
	"CallerId":         true,
	"SendDigits":       true,
	"TimeLimit":        true,
}

// TwilioProvider places calls through Twilio. Twilio has no brand or CNAM
// registration API, so those operations report unsupported.
type TwilioProvider struct {
	cfg    TwilioConfig
	http   *httpclient.Client
	logger zerolog.Logger
}

// NewTwilioProvider constructs the driver. Missing credentials are allowed;
// the driver then reports IsConfigured false and refuses to place calls.
func NewTwilioProvider(cfg TwilioConfig, logger zerolog.Logger, opts ...Option) (*TwilioProvider, error) {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	cfg.AccountSID = strings.TrimSpace(cfg.AccountSID)
	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultTwilioBaseURL
	}
	if cfg.Retry.Times <= 0 {
		cfg.Retry = httpclient.DefaultRetryPolicy()
	}

	o := buildOptions(opts)
	client, err := httpclient.New(httpclient.Config{
		Provider: TwilioName,
		BaseURL:  cfg.BaseURL,
		Timeout:  cfg.Timeout,
		Retry:    cfg.Retry,
	}, httpclient.BasicAuth{Username: cfg.AccountSID, Password: cfg.AuthToken}, logger, o.httpOptions()...)
	if err != nil {
		return nil, fmt.Errorf("twilio voice provider: %w", err)
	}

	return &TwilioProvider{
		cfg:    cfg,
		http:   client,
		logger: logger.With().Str("provider", TwilioName).Logger(),
	}, nil
}

func (p *TwilioProvider) Name() string { return TwilioName }

func (p *TwilioProvider) IsConfigured() bool {
	return p.cfg.AccountSID != "" && p.cfg.AuthToken != ""
}

func (p *TwilioProvider) Features() Features {
	return Features{STIRShaken: true, NumberPurchase: true}
}

type twilioCall struct {
	SID      string `json:"sid"`
	Status   string `json:"status"`
	Duration string `json:"duration"`
}

func (p *TwilioProvider) Call(ctx context.Context, req CallRequest) CallResult {
	if !p.IsConfigured() {
		return CallResult{Provider: TwilioName, Error: "twilio credentials are not configured", ErrorKind: ErrorNotConfigured}
	}

	params := url.Values{}
	params.Set("To", req.To)
	params.Set("From", req.From)
	if p.cfg.AnswerURL != "" {
		params.Set("Url", p.cfg.AnswerURL)
	} else {
		params.Set("Twiml", `<Response><Pause length="30"/></Response>`)
	}
	if p.cfg.StatusCallbackURL != "" {
		params.Set("StatusCallback", p.cfg.StatusCallbackURL)
		params.Set("StatusCallbackMethod", http.MethodPost)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			params.Add("StatusCallbackEvent", ev)
		}
	}
	for key, value := range req.Metadata {
		name := normalizeTwilioParam(key)
		value = strings.TrimSpace(value)
		if value == "" || !twilioPassthrough[name] {
			continue
		}
		params.Set(name, value)
	}

	var out twilioCall
	err := p.http.Do(ctx, httpclient.Request{Method: http.MethodPost, Path: p.accountPath("Calls.json"), Form: params}, &out)
	if err != nil {
		p.logger.Warn().Err(err).Str("to", req.To).Msg("twilio call rejected")
		return callFailed(TwilioName, err)
	}

	p.logger.Info().Str("call_sid", out.SID).Str("status", out.Status).Msg("twilio call created")
	return CallResult{
		Success:          true,
		Provider:         TwilioName,
		CallSID:          out.SID,
		Status:           normalizeTwilioStatus(out.Status),
		AttestationLevel: req.AttestationLevel,
	}
}

func (p *TwilioProvider) GetCallStatus(ctx context.Context, callSID string) CallStatus {
	if strings.TrimSpace(callSID) == "" {
		return CallStatus{Error: "call sid is required", ErrorKind: ErrorInvalidRequest}
	}
	var out twilioCall
	err := p.http.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: p.accountPath("Calls/" + url.PathEscape(callSID) + ".json")}, &out)
	if err != nil {
		return CallStatus{CallSID: callSID, Error: err.Error(), ErrorKind: kindOf(err)}
	}
	status := CallStatus{Success: true, CallSID: callSID, Status: normalizeTwilioStatus(out.Status)}
	if secs, err := strconv.Atoi(strings.TrimSpace(out.Duration)); err == nil {
		status.Duration = time.Duration(secs) * time.Second
	}
	return status
}

func (p *TwilioProvider) Hangup(ctx context.Context, callSID string) Result {
	if strings.TrimSpace(callSID) == "" {
		return Result{Error: "call sid is required", ErrorKind: ErrorInvalidRequest}
	}
	err := p.http.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   p.accountPath("Calls/" + url.PathEscape(callSID) + ".json"),
		Form:   url.Values{"Status": {"completed"}},
	}, nil)
	if err != nil {
		return failed(err)
	}
	return Result{Success: true}
}

func (p *TwilioProvider) RegisterBrand(context.Context, Brand) BrandRegistration {
	r := unsupported(TwilioName, "brand registration")
	return BrandRegistration{Error: r.Error, ErrorKind: r.ErrorKind}
}

// RegisterNumber purchases phoneNumber into the account.
func (p *TwilioProvider) RegisterNumber(ctx context.Context, phoneNumber string) Result {
	if !p.IsConfigured() {
		return Result{Error: "twilio credentials are not configured", ErrorKind: ErrorNotConfigured}
	}
	params := url.Values{"PhoneNumber": {phoneNumber}}
	if p.cfg.StatusCallbackURL != "" {
		params.Set("StatusCallback", p.cfg.StatusCallbackURL)
	}
	if err := p.http.Do(ctx, httpclient.Request{Method: http.MethodPost, Path: p.accountPath("IncomingPhoneNumbers.json"), Form: params}, nil); err != nil {
		return failed(err)
	}
	return Result{Success: true}
}

func (p *TwilioProvider) UpdateCNAM(context.Context, string, string) Result {
	return unsupported(TwilioName, "CNAM updates")
}

func (p *TwilioProvider) VerifyWebhook(env WebhookEnvelope) bool {
	signature := env.Signature
	if signature == "" {
		signature = env.Headers.Get("X-Twilio-Signature")
	}
	params, err := url.ParseQuery(string(env.Payload))
	if err != nil {
		return false
	}
	return VerifyHMACSHA1Base64(p.cfg.AuthToken, env.URL, params, signature)
}

// ParseWebhook reads a Twilio status callback.
func (p *TwilioProvider) ParseWebhook(env WebhookEnvelope) (CallEvent, error) {
	params, err := url.ParseQuery(string(env.Payload))
	if err != nil {
		return CallEvent{}, fmt.Errorf("twilio webhook: %w", err)
	}
	sid := params.Get("CallSid")
	if sid == "" {
		return CallEvent{}, ErrUnparseableWebhook
	}
	ev := CallEvent{
		Provider:   TwilioName,
		CallSID:    sid,
		Status:     normalizeTwilioStatus(params.Get("CallStatus")),
		From:       params.Get("From"),
		To:         params.Get("To"),
		VendorType: params.Get("CallStatus"),
	}
	if d, err := strconv.Atoi(params.Get("CallDuration")); err == nil {
		ev.DurationS = d
	}
	if ts, err := time.Parse(time.RFC1123Z, params.Get("Timestamp")); err == nil {
		ev.OccurredAt = ts.UTC()
	}
	return ev, nil
}

func (p *TwilioProvider) accountPath(suffix string) string {
	return "/Accounts/" + url.PathEscape(p.cfg.AccountSID) + "/" + suffix
}

func normalizeTwilioStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued":
		return StatusQueued
	case "initiated":
		return StatusInitiated
	case "ringing":
		return StatusRinging
	case "in-progress", "answered":
		return StatusInProgress
	case "completed":
		return StatusCompleted
	case "busy":
		return StatusBusy
	case "no-answer":
		return StatusNoAnswer
	case "failed":
		return StatusFailed
	case "canceled":
		return StatusCanceled
	default:
		return StatusUnknown
	}
}

// normalizeTwilioParam converts snake or kebab case keys into Twilio's
// PascalCase parameter names.
func normalizeTwilioParam(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return key
	}
	if unicode.IsUpper([]rune(key)[0]) {
		return key
	}
	parts := strings.FieldsFunc(key, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	for i, part := range parts {
		if part == "" {
			continue
		}
		parts[i] = strings.ToUpper(part[:1]) + strings.ToLower(part[1:])
	}
	return strings.Join(parts, "")
}

var _ WebhookParser = (*TwilioProvider)(nil)
