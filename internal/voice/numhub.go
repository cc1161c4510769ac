package voice

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/rs/zerolog"

	"github.com/brandcall/voicecore/internal/apierror"
	"github.com/brandcall/voicecore/internal/numhub"
)

// NumHubDriverConfig configures the NumHub branding driver.
type NumHubDriverConfig struct {
	// WebhookSecret signs NumHub callbacks with hex HMAC-SHA256.
	WebhookSecret string
	// DisplayIdentityID receives numbers passed to RegisterNumber.
	DisplayIdentityID string
	// MaxIdentityPages bounds the scan UpdateCNAM does to find a number.
	MaxIdentityPages int
}

// NumHubProvider attaches branding through NumHub BrandControl. NumHub does
// not carry calls: when a carrier driver is set, Call confirms the brand's
// display identity is active and originates through the carrier.
type NumHubProvider struct {
	api     numhub.API
	carrier Provider
	cfg     NumHubDriverConfig
	logger  zerolog.Logger
}

// NewNumHubProvider builds the driver. carrier may be nil.
func NewNumHubProvider(api numhub.API, carrier Provider, cfg NumHubDriverConfig, logger zerolog.Logger) *NumHubProvider {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if cfg.MaxIdentityPages <= 0 {
		cfg.MaxIdentityPages = 20
	}
	return &NumHubProvider{
		api:     api,
		carrier: carrier,
		cfg:     cfg,
		logger:  logger.With().Str("provider", NumHubName).Logger(),
	}
}

func (p *NumHubProvider) Name() string { return NumHubName }

func (p *NumHubProvider) IsConfigured() bool { return p.api != nil }

func (p *NumHubProvider) Features() Features {
	return Features{STIRShaken: true, CNAM: true, RichCallData: true}
}

func (p *NumHubProvider) Call(ctx context.Context, req CallRequest) CallResult {
	if p.api == nil {
		return CallResult{Provider: NumHubName, Error: "numhub client is not configured", ErrorKind: ErrorNotConfigured}
	}
	if strings.TrimSpace(req.Brand.ProviderID) == "" {
		return CallResult{Provider: NumHubName, Error: "brand has no numhub display identity", ErrorKind: ErrorInvalidRequest}
	}

	identity, err := p.api.GetDisplayIdentity(ctx, req.Brand.ProviderID)
	if err != nil {
		return callFailed(NumHubName, err)
	}
	if !identity.Active() {
		return CallResult{
			Provider:  NumHubName,
			Error:     fmt.Sprintf("display identity %s is %s, not active", identity.ID, identity.Status),
			ErrorKind: ErrorKind(apierror.KindValidation),
		}
	}
	if !containsNumber(identity.PhoneNumbers, req.From) {
		p.logger.Warn().
			Str("display_identity", identity.ID).
			Str("from", req.From).
			Msg("originating number is not on the display identity; branding will not render")
	}

	if p.carrier == nil {
		r := unsupported(NumHubName, "call origination without a carrier driver")
		return CallResult{Provider: NumHubName, Error: r.Error, ErrorKind: r.ErrorKind}
	}

	if req.CallReason == "" {
		req.CallReason = identity.CallReason
	}
	if req.AttestationLevel == "" {
		req.AttestationLevel = identity.AttestationLevel
	}
	res := p.carrier.Call(ctx, req)
	if res.Success && res.AttestationLevel == "" {
		res.AttestationLevel = identity.AttestationLevel
	}
	res.Provider = NumHubName + "+" + p.carrier.Name()
	return res
}

func (p *NumHubProvider) GetCallStatus(ctx context.Context, callSID string) CallStatus {
	if p.carrier == nil {
		r := unsupported(NumHubName, "call status")
		return CallStatus{CallSID: callSID, Error: r.Error, ErrorKind: r.ErrorKind}
	}
	return p.carrier.GetCallStatus(ctx, callSID)
}

func (p *NumHubProvider) Hangup(ctx context.Context, callSID string) Result {
	if p.carrier == nil {
		return unsupported(NumHubName, "hangup")
	}
	return p.carrier.Hangup(ctx, callSID)
}

// RegisterBrand files an application, submits it, and creates the display
// identity carriers will render. ProviderID is the identity id.
func (p *NumHubProvider) RegisterBrand(ctx context.Context, brand Brand) BrandRegistration {
	if p.api == nil {
		return BrandRegistration{Error: "numhub client is not configured", ErrorKind: ErrorNotConfigured}
	}

	app, err := p.api.CreateApplication(ctx, numhub.ApplicationRequest{
		BusinessName: brand.Name,
		EIN:          brand.EIN,
		Website:      brand.Website,
		Contact:      numhub.Contact{Name: brand.Name, Email: brand.ContactEmail},
		PhoneNumbers: brand.PhoneNumbers,
	})
	if err != nil {
		return brandFailure(err)
	}
	if _, err := p.api.SubmitApplication(ctx, app.ID); err != nil {
		return brandFailure(err)
	}

	name, truncated := truncateCNAM(brand.CallerName())
	if truncated {
		p.logger.Info().Str("brand", brand.ID).Str("caller_name", name).Msg("caller name truncated to carrier limit")
	}
	identity, err := p.api.CreateDisplayIdentity(ctx, numhub.DisplayIdentityRequest{
		ApplicationID: app.ID,
		CallerName:    name,
		CallReason:    brand.CallReason,
		LogoURL:       brand.LogoURL,
		PhoneNumbers:  brand.PhoneNumbers,
	})
	if err != nil {
		return brandFailure(err)
	}

	p.logger.Info().
		Str("brand", brand.ID).
		Str("application", app.ID).
		Str("display_identity", identity.ID).
		Msg("brand registered with numhub")
	return BrandRegistration{Success: true, ProviderID: identity.ID}
}

// RegisterNumber adds phoneNumber to the configured display identity.
func (p *NumHubProvider) RegisterNumber(ctx context.Context, phoneNumber string) Result {
	if p.api == nil {
		return Result{Error: "numhub client is not configured", ErrorKind: ErrorNotConfigured}
	}
	if p.cfg.DisplayIdentityID == "" {
		return Result{Error: "no numhub display identity configured for number registration", ErrorKind: ErrorNotConfigured}
	}

	identity, err := p.api.GetDisplayIdentity(ctx, p.cfg.DisplayIdentityID)
	if err != nil {
		return failed(err)
	}
	if containsNumber(identity.PhoneNumbers, phoneNumber) {
		return Result{Success: true}
	}
	numbers := append(append([]string(nil), identity.PhoneNumbers...), phoneNumber)
	if _, err := p.api.UpdateDisplayIdentity(ctx, identity.ID, numhub.DisplayIdentityRequest{PhoneNumbers: numbers}); err != nil {
		return failed(err)
	}
	return Result{Success: true}
}

// UpdateCNAM renames the display identity that owns phoneNumber.
func (p *NumHubProvider) UpdateCNAM(ctx context.Context, phoneNumber, callerName string) Result {
	if p.api == nil {
		return Result{Error: "numhub client is not configured", ErrorKind: ErrorNotConfigured}
	}
	name, truncated := truncateCNAM(callerName)
	if name == "" {
		return Result{Error: "caller name is required", ErrorKind: ErrorInvalidRequest}
	}
	if truncated {
		p.logger.Info().Str("phone_number", phoneNumber).Str("cnam", name).Msg("caller name truncated to carrier limit")
	}

	identity, err := p.findIdentity(ctx, phoneNumber)
	if err != nil {
		return failed(err)
	}
	if _, err := p.api.UpdateDisplayIdentity(ctx, identity.ID, numhub.DisplayIdentityRequest{CallerName: name}); err != nil {
		return failed(err)
	}
	return Result{Success: true}
}

func (p *NumHubProvider) VerifyWebhook(env WebhookEnvelope) bool {
	signature := env.Signature
	if signature == "" {
		signature = env.Headers.Get("X-NumHub-Signature")
	}
	return VerifyHMACSHA256Hex([]byte(p.cfg.WebhookSecret), env.Payload, signature)
}

var errNumberNotBranded = errors.New("number is not on any display identity")

func (p *NumHubProvider) findIdentity(ctx context.Context, phoneNumber string) (numhub.DisplayIdentity, error) {
	for page := 1; page <= p.cfg.MaxIdentityPages; page++ {
		list, err := p.api.ListDisplayIdentities(ctx, page)
		if err != nil {
			return numhub.DisplayIdentity{}, err
		}
		for _, identity := range list.Data {
			if containsNumber(identity.PhoneNumbers, phoneNumber) {
				return identity, nil
			}
		}
		if list.Meta.LastPage <= page {
			break
		}
	}
	return numhub.DisplayIdentity{}, apierror.New(apierror.KindEntityNotFound, 0,
		fmt.Sprintf("%s: %v", phoneNumber, errNumberNotBranded),
		apierror.WithProvider(NumHubName), apierror.WithCause(errNumberNotBranded))
}

func brandFailure(err error) BrandRegistration {
	return BrandRegistration{Error: err.Error(), ErrorKind: kindOf(err)}
}

func containsNumber(numbers []string, n string) bool {
	n = strings.TrimSpace(n)
	for _, candidate := range numbers {
		if strings.TrimSpace(candidate) == n {
			return true
		}
	}
	return false
}
