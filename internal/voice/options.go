package voice

import (
	"time"

	"github.com/brandcall/voicecore/internal/httpclient"
	"github.com/brandcall/voicecore/internal/metrics"
)

// Driver names.
const (
	NumHubName = "numhub"
	TelnyxName = "telnyx"
	TwilioName = "twilio"
	NullName   = "null"
)

// Option customises an HTTP-backed driver.
type Option func(*options)

type options struct {
	doer    httpclient.Doer
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   httpclient.Sleeper
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func (o options) httpOptions() []httpclient.Option {
	out := []httpclient.Option{httpclient.WithMetrics(o.metrics), httpclient.WithClock(o.now)}
	if o.doer != nil {
		out = append(out, httpclient.WithHTTPClient(o.doer))
	}
	if o.sleep != nil {
		out = append(out, httpclient.WithSleeper(o.sleep))
	}
	return out
}

// WithHTTPClient overrides the transport. Useful for tests.
func WithHTTPClient(d httpclient.Doer) Option {
	return func(o *options) { o.doer = d }
}

// WithMetrics records outbound traffic.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides the clock used for webhook tolerance checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSleeper overrides how retry delays are waited out.
func WithSleeper(s httpclient.Sleeper) Option {
	return func(o *options) { o.sleep = s }
}
