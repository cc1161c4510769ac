package voice

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/brandcall/voicecore/internal/apierror"
	"github.com/brandcall/voicecore/internal/httpclient"
)

const defaultTelnyxBaseURL = "https://api.telnyx.com/v2"

// TelnyxConfig configures the Telnyx Call Control driver.
type TelnyxConfig struct {
	APIKey           string
	ConnectionID     string
	WebhookPublicKey string
	WebhookURL       string
	BaseURL          string
	WebhookTolerance time.Duration
	Timeout          time.Duration
	Retry            httpclient.RetryPolicy
}

// TelnyxProvider places calls through Telnyx Call Control v2.
type TelnyxProvider struct {
	cfg       TelnyxConfig
	publicKey ed25519.PublicKey
	http      *httpclient.Client
	now       func() time.Time
	logger    zerolog.Logger
}

// NewTelnyxProvider constructs the driver. An unparsable webhook key is an
// error; a missing one makes every webhook fail verification.
func NewTelnyxProvider(cfg TelnyxConfig, logger zerolog.Logger, opts ...Option) (*TelnyxProvider, error) {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.ConnectionID = strings.TrimSpace(cfg.ConnectionID)
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultTelnyxBaseURL
	}
	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = DefaultWebhookTolerance
	}
	if cfg.Retry.Times <= 0 {
		cfg.Retry = httpclient.DefaultRetryPolicy()
	}

	var key ed25519.PublicKey
	if strings.TrimSpace(cfg.WebhookPublicKey) != "" {
		parsed, ok := ParseEd25519PublicKey(cfg.WebhookPublicKey)
		if !ok {
			return nil, fmt.Errorf("telnyx voice provider: webhook public key is not a valid ed25519 key")
		}
		key = parsed
	}

	o := buildOptions(opts)
	client, err := httpclient.New(httpclient.Config{
		Provider: TelnyxName,
		BaseURL:  cfg.BaseURL,
		Timeout:  cfg.Timeout,
		Retry:    cfg.Retry,
	}, httpclient.StaticBearer(cfg.APIKey), logger, o.httpOptions()...)
	if err != nil {
		return nil, fmt.Errorf("telnyx voice provider: %w", err)
	}

	return &TelnyxProvider{
		cfg:       cfg,
		publicKey: key,
		http:      client,
		now:       o.now,
		logger:    logger.With().Str("provider", TelnyxName).Logger(),
	}, nil
}

func (p *TelnyxProvider) Name() string { return TelnyxName }

func (p *TelnyxProvider) IsConfigured() bool {
	return p.cfg.APIKey != "" && p.cfg.ConnectionID != ""
}

func (p *TelnyxProvider) Features() Features {
	return Features{STIRShaken: true, CNAM: true, NumberPurchase: true}
}

type telnyxData[T any] struct {
	Data T `json:"data"`
}

type telnyxCall struct {
	CallControlID string `json:"call_control_id"`
	CallLegID     string `json:"call_leg_id"`
	CallSessionID string `json:"call_session_id"`
	IsAlive       bool   `json:"is_alive"`
	CallDuration  int    `json:"call_duration"`
}

type telnyxDial struct {
	ConnectionID    string `json:"connection_id"`
	To              string `json:"to"`
	From            string `json:"from"`
	FromDisplayName string `json:"from_display_name,omitempty"`
	WebhookURL      string `json:"webhook_url,omitempty"`
	ClientState     string `json:"client_state,omitempty"`
}

func (p *TelnyxProvider) Call(ctx context.Context, req CallRequest) CallResult {
	if !p.IsConfigured() {
		return CallResult{Provider: TelnyxName, Error: "telnyx credentials are not configured", ErrorKind: ErrorNotConfigured}
	}

	display, truncated := truncateCNAM(req.Brand.CallerName())
	if truncated {
		p.logger.Info().Str("brand", req.Brand.ID).Str("display_name", display).Msg("caller name truncated to carrier limit")
	}
	dial := telnyxDial{
		ConnectionID:    p.cfg.ConnectionID,
		To:              req.To,
		From:            req.From,
		FromDisplayName: display,
		WebhookURL:      p.cfg.WebhookURL,
	}
	if len(req.Metadata) > 0 {
		// client_state is echoed back on every webhook for this call.
		if state, err := json.Marshal(req.Metadata); err == nil {
			dial.ClientState = base64.StdEncoding.EncodeToString(state)
		}
	}

	var out telnyxData[telnyxCall]
	if err := p.http.Do(ctx, httpclient.Request{Method: http.MethodPost, Path: "/calls", JSON: dial}, &out); err != nil {
		p.logger.Warn().Err(err).Str("to", req.To).Msg("telnyx dial rejected")
		return callFailed(TelnyxName, err)
	}

	p.logger.Info().Str("call_control_id", out.Data.CallControlID).Msg("telnyx call created")
	return CallResult{
		Success:          true,
		Provider:         TelnyxName,
		CallSID:          out.Data.CallControlID,
		Status:           StatusInitiated,
		AttestationLevel: req.AttestationLevel,
	}
}

func (p *TelnyxProvider) GetCallStatus(ctx context.Context, callSID string) CallStatus {
	if strings.TrimSpace(callSID) == "" {
		return CallStatus{Error: "call control id is required", ErrorKind: ErrorInvalidRequest}
	}
	var out telnyxData[telnyxCall]
	if err := p.http.Do(ctx, httpclient.Request{Method: http.MethodGet, Path: "/calls/" + url.PathEscape(callSID)}, &out); err != nil {
		return CallStatus{CallSID: callSID, Error: err.Error(), ErrorKind: kindOf(err)}
	}
	status := StatusCompleted
	if out.Data.IsAlive {
		status = StatusInProgress
	}
	return CallStatus{
		Success:  true,
		CallSID:  callSID,
		Status:   status,
		Duration: time.Duration(out.Data.CallDuration) * time.Second,
	}
}

func (p *TelnyxProvider) Hangup(ctx context.Context, callSID string) Result {
	if strings.TrimSpace(callSID) == "" {
		return Result{Error: "call control id is required", ErrorKind: ErrorInvalidRequest}
	}
	err := p.http.Do(ctx, httpclient.Request{
		Method: http.MethodPost,
		Path:   "/calls/" + url.PathEscape(callSID) + "/actions/hangup",
		JSON:   map[string]string{},
	}, nil)
	if err != nil {
		return failed(err)
	}
	return Result{Success: true}
}

func (p *TelnyxProvider) RegisterBrand(context.Context, Brand) BrandRegistration {
	r := unsupported(TelnyxName, "brand registration")
	return BrandRegistration{Error: r.Error, ErrorKind: r.ErrorKind}
}

// RegisterNumber places a number order attached to the configured connection.
func (p *TelnyxProvider) RegisterNumber(ctx context.Context, phoneNumber string) Result {
	if !p.IsConfigured() {
		return Result{Error: "telnyx credentials are not configured", ErrorKind: ErrorNotConfigured}
	}
	order := map[string]any{
		"phone_numbers": []map[string]string{{"phone_number": phoneNumber}},
		"connection_id": p.cfg.ConnectionID,
	}
	if err := p.http.Do(ctx, httpclient.Request{Method: http.MethodPost, Path: "/number_orders", JSON: order}, nil); err != nil {
		return failed(err)
	}
	return Result{Success: true}
}

type telnyxNumber struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phone_number"`
}

// UpdateCNAM enables a CNAM listing for an owned number.
func (p *TelnyxProvider) UpdateCNAM(ctx context.Context, phoneNumber, callerName string) Result {
	if !p.IsConfigured() {
		return Result{Error: "telnyx credentials are not configured", ErrorKind: ErrorNotConfigured}
	}
	name, truncated := truncateCNAM(callerName)
	if name == "" {
		return Result{Error: "caller name is required", ErrorKind: ErrorInvalidRequest}
	}
	if truncated {
		p.logger.Info().Str("phone_number", phoneNumber).Str("cnam", name).Msg("caller name truncated to carrier limit")
	}

	var found telnyxData[[]telnyxNumber]
	err := p.http.Do(ctx, httpclient.Request{
		Method: http.MethodGet,
		Path:   "/phone_numbers",
		Query:  url.Values{"filter[phone_number]": {phoneNumber}},
	}, &found)
	if err != nil {
		return failed(err)
	}
	if len(found.Data) == 0 {
		return Result{Error: fmt.Sprintf("telnyx: number %s is not on this account", phoneNumber), ErrorKind: ErrorKind(apierror.KindEntityNotFound)}
	}

	update := map[string]any{
		"cnam_listing": map[string]any{
			"cnam_listing_enabled": true,
			"cnam_listing_details": name,
		},
	}
	if err := p.http.Do(ctx, httpclient.Request{
		Method: http.MethodPatch,
		Path:   "/phone_numbers/" + url.PathEscape(found.Data[0].ID) + "/voice",
		JSON:   update,
	}, nil); err != nil {
		return failed(err)
	}
	return Result{Success: true}
}

func (p *TelnyxProvider) VerifyWebhook(env WebhookEnvelope) bool {
	if p.publicKey == nil {
		return false
	}
	signature := env.Signature
	if signature == "" {
		signature = env.Headers.Get("Telnyx-Signature-Ed25519")
	}
	timestamp := env.Headers.Get("Telnyx-Timestamp")
	return VerifyEd25519(p.publicKey, timestamp, env.Payload, signature, p.cfg.WebhookTolerance, p.now())
}

type telnyxEvent struct {
	Data struct {
		ID         string    `json:"id"`
		EventType  string    `json:"event_type"`
		OccurredAt time.Time `json:"occurred_at"`
		Payload    struct {
			CallControlID string `json:"call_control_id"`
			From          string `json:"from"`
			To            string `json:"to"`
			HangupCause   string `json:"hangup_cause"`
			StartTime     string `json:"start_time"`
			EndTime       string `json:"end_time"`
		} `json:"payload"`
	} `json:"data"`
}

// ParseWebhook reads a Call Control event.
func (p *TelnyxProvider) ParseWebhook(env WebhookEnvelope) (CallEvent, error) {
	var ev telnyxEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		return CallEvent{}, fmt.Errorf("telnyx webhook: %w", err)
	}
	if ev.Data.Payload.CallControlID == "" || !strings.HasPrefix(ev.Data.EventType, "call.") {
		return CallEvent{}, ErrUnparseableWebhook
	}
	out := CallEvent{
		ID:         ev.Data.ID,
		Provider:   TelnyxName,
		CallSID:    ev.Data.Payload.CallControlID,
		Status:     telnyxStatus(ev.Data.EventType, ev.Data.Payload.HangupCause),
		From:       ev.Data.Payload.From,
		To:         ev.Data.Payload.To,
		OccurredAt: ev.Data.OccurredAt.UTC(),
		VendorType: ev.Data.EventType,
	}
	start, errStart := time.Parse(time.RFC3339, ev.Data.Payload.StartTime)
	end, errEnd := time.Parse(time.RFC3339, ev.Data.Payload.EndTime)
	if errStart == nil && errEnd == nil && end.After(start) {
		out.DurationS = int(end.Sub(start) / time.Second)
	}
	return out, nil
}

func telnyxStatus(eventType, hangupCause string) string {
	switch eventType {
	case "call.initiated":
		return StatusInitiated
	case "call.ringing":
		return StatusRinging
	case "call.answered", "call.bridged":
		return StatusInProgress
	case "call.hangup":
		switch hangupCause {
		case "", "normal_clearing":
			return StatusCompleted
		case "user_busy":
			return StatusBusy
		case "timeout", "no_answer":
			return StatusNoAnswer
		case "originator_cancel":
			return StatusCanceled
		default:
			return StatusFailed
		}
	default:
		return StatusUnknown
	}
}

var _ WebhookParser = (*TelnyxProvider)(nil)
