package voice

import (
	"context"
	"reflect"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// NullProvider lets the service run without vendor credentials. Writes
// succeed, reads are neutral and nothing is advertised as supported.
type NullProvider struct {
	logger   zerolog.Logger
	unsigned bool
}

// NullOption configures the no-op driver.
type NullOption func(*NullProvider)

// WithUnsignedWebhooks makes the driver accept webhooks without a
// signature. Only enable it when null is the selected driver.
func WithUnsignedWebhooks() NullOption {
	return func(p *NullProvider) { p.unsigned = true }
}

// NewNullProvider constructs the no-op driver. Its webhooks are rejected
// unless WithUnsignedWebhooks is given.
func NewNullProvider(logger zerolog.Logger, opts ...NullOption) *NullProvider {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	p := &NullProvider{logger: logger.With().Str("provider", NullName).Logger()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *NullProvider) Name() string { return NullName }

func (p *NullProvider) IsConfigured() bool { return true }

func (p *NullProvider) Features() Features { return Features{} }

func (p *NullProvider) Call(_ context.Context, req CallRequest) CallResult {
	sid := "null-" + uuid.NewString()
	p.logger.Debug().Str("call_sid", sid).Str("to", req.To).Msg("null call accepted")
	return CallResult{Success: true, Provider: NullName, CallSID: sid, Status: StatusQueued, AttestationLevel: req.AttestationLevel}
}

func (p *NullProvider) GetCallStatus(_ context.Context, callSID string) CallStatus {
	return CallStatus{Success: true, CallSID: callSID, Status: StatusUnknown}
}

func (p *NullProvider) Hangup(context.Context, string) Result { return Result{Success: true} }

func (p *NullProvider) RegisterBrand(_ context.Context, brand Brand) BrandRegistration {
	return BrandRegistration{Success: true, ProviderID: brand.ProviderID}
}

func (p *NullProvider) RegisterNumber(context.Context, string) Result { return Result{Success: true} }

func (p *NullProvider) UpdateCNAM(context.Context, string, string) Result { return Result{Success: true} }

func (p *NullProvider) VerifyWebhook(WebhookEnvelope) bool { return p.unsigned }
