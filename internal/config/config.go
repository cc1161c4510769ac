package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the voice service. It is
// loaded once at startup and passed down by value; core packages never read
// the environment themselves.
type Config struct {
	App        AppConfig
	Voice      VoiceConfig
	NumHub     NumHubConfig
	Telnyx     TelnyxConfig
	Twilio     TwilioConfig
	Events     EventsConfig
	Database   DatabaseConfig
	Brands     BrandsConfig
	Validation ValidationConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env                    string
	Port                   int
	LogLevel               string
	PublicURL              string
	ShutdownTimeoutSeconds int
}

// VoiceConfig selects the drivers.
type VoiceConfig struct {
	// Driver is the default driver: numhub, telnyx, twilio or null.
	Driver string
	// Carrier is the driver NumHub-branded calls are originated through.
	Carrier         string
	BulkConcurrency int
}

// RetryConfig is the outbound retry policy.
type RetryConfig struct {
	Times      int
	SleepMs    int
	MaxSleepMs int
	Strategy   string
	Jitter     bool
	Statuses   []int
}

// NumHubConfig is the single canonical NumHub BrandControl block.
type NumHubConfig struct {
	BaseURL                string
	Email                  string
	Password               string
	ClientID               string
	AuthScheme             string
	TokenTTLSeconds        int
	RateLimitMax           int
	RateLimitWindowSeconds int
	TimeoutSeconds         int
	Retry                  RetryConfig
	Mock                   bool
	LoggingEnabled         bool
	WebhookSecret          string
	DisplayIdentityID      string
}

type TelnyxConfig struct {
	APIKey           string
	ConnectionID     string
	WebhookPublicKey string
	BaseURL          string
	WebhookURL       string
}

type TwilioConfig struct {
	AccountSID        string
	AuthToken         string
	BaseURL           string
	StatusCallbackURL string
	AnswerURL         string
}

// EventsConfig selects where verified call events are published.
type EventsConfig struct {
	Backend      string
	KafkaBrokers []string
	KafkaTopic   string
	AMQPURL      string
	AMQPExchange string
}

// DatabaseConfig enables the PostgreSQL token and rate-limit store. An empty
// URL keeps state in memory.
type DatabaseConfig struct {
	URL      string
	MaxConns int
}

type BrandsConfig struct {
	File string
}

// ValidationConfig holds the limits applied to inbound call requests.
type ValidationConfig struct {
	CallReasonMaxLen int
	MetaMaxEntries   int
	MetaMaxKeyLen    int
	MetaMaxValueLen  int
}

var (
	drivers  = []string{"numhub", "telnyx", "twilio", "null"}
	carriers = []string{"", "telnyx", "twilio"}
	backends = []string{"log", "kafka", "amqp"}
)

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.Port = ldr.getInt("APP_PORT", 8080, false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)
	cfg.App.PublicURL = strings.TrimRight(ldr.getString("APP_PUBLIC_URL", "", false), "/")
	cfg.App.ShutdownTimeoutSeconds = ldr.getInt("APP_SHUTDOWN_TIMEOUT_SECONDS", 15, false)

	cfg.Voice.Driver = ldr.getEnum("VOICE_DRIVER", "null", drivers)
	cfg.Voice.Carrier = ldr.getEnum("VOICE_CARRIER", "", carriers)
	cfg.Voice.BulkConcurrency = ldr.getInt("VOICE_BULK_CONCURRENCY", 4, false)

	needNumHub := cfg.Voice.Driver == "numhub"
	needTelnyx := cfg.Voice.Driver == "telnyx" || (needNumHub && cfg.Voice.Carrier == "telnyx")
	needTwilio := cfg.Voice.Driver == "twilio" || (needNumHub && cfg.Voice.Carrier == "twilio")

	cfg.NumHub.Mock = ldr.getBool("NUMHUB_MOCK", false, false)
	needNumHubCreds := needNumHub && !cfg.NumHub.Mock
	cfg.NumHub.BaseURL = ldr.getString("NUMHUB_BASE_URL", "https://brandidentity-api.numhub.com/api/v1", false)
	cfg.NumHub.Email = ldr.getString("NUMHUB_EMAIL", "", needNumHubCreds)
	cfg.NumHub.Password = ldr.getString("NUMHUB_PASSWORD", "", needNumHubCreds)
	cfg.NumHub.ClientID = ldr.getString("NUMHUB_CLIENT_ID", "", needNumHubCreds)
	cfg.NumHub.AuthScheme = ldr.getString("NUMHUB_AUTH_SCHEME", "ATLAASROPG", false)
	cfg.NumHub.TokenTTLSeconds = ldr.getInt("NUMHUB_TOKEN_TTL_SECONDS", 84600, false)
	cfg.NumHub.RateLimitMax = ldr.getInt("NUMHUB_RATE_LIMIT_MAX", 100, false)
	cfg.NumHub.RateLimitWindowSeconds = ldr.getInt("NUMHUB_RATE_LIMIT_WINDOW_SECONDS", 60, false)
	cfg.NumHub.TimeoutSeconds = ldr.getInt("NUMHUB_TIMEOUT_SECONDS", 30, false)
	cfg.NumHub.Retry.Times = ldr.getInt("NUMHUB_RETRY_TIMES", 3, false)
	cfg.NumHub.Retry.SleepMs = ldr.getInt("NUMHUB_RETRY_SLEEP_MS", 1000, false)
	cfg.NumHub.Retry.MaxSleepMs = ldr.getInt("NUMHUB_RETRY_MAX_SLEEP_MS", 30000, false)
	cfg.NumHub.Retry.Strategy = ldr.getEnum("NUMHUB_RETRY_STRATEGY", "fixed", []string{"fixed", "exponential"})
	cfg.NumHub.Retry.Jitter = ldr.getBool("NUMHUB_RETRY_JITTER", false, false)
	cfg.NumHub.Retry.Statuses = ldr.getIntSlice("NUMHUB_RETRY_STATUSES", []int{429, 500, 502, 503, 504})
	cfg.NumHub.LoggingEnabled = ldr.getBool("NUMHUB_LOGGING_ENABLED", false, false)
	cfg.NumHub.WebhookSecret = ldr.getString("NUMHUB_WEBHOOK_SECRET", "", false)
	cfg.NumHub.DisplayIdentityID = ldr.getString("NUMHUB_DISPLAY_IDENTITY_ID", "", false)

	cfg.Telnyx.APIKey = ldr.getString("TELNYX_API_KEY", "", needTelnyx)
	cfg.Telnyx.ConnectionID = ldr.getString("TELNYX_CONNECTION_ID", "", needTelnyx)
	cfg.Telnyx.WebhookPublicKey = ldr.getString("TELNYX_WEBHOOK_PUBLIC_KEY", "", false)
	cfg.Telnyx.BaseURL = ldr.getString("TELNYX_BASE_URL", "https://api.telnyx.com/v2", false)
	cfg.Telnyx.WebhookURL = ldr.getString("TELNYX_WEBHOOK_URL", webhookURL(cfg.App.PublicURL, "telnyx"), false)

	cfg.Twilio.AccountSID = ldr.getString("TWILIO_ACCOUNT_SID", "", needTwilio)
	cfg.Twilio.AuthToken = ldr.getString("TWILIO_AUTH_TOKEN", "", needTwilio)
	cfg.Twilio.BaseURL = ldr.getString("TWILIO_BASE_URL", "https://api.twilio.com/2010-04-01", false)
	cfg.Twilio.StatusCallbackURL = ldr.getString("TWILIO_STATUS_CALLBACK_URL", webhookURL(cfg.App.PublicURL, "twilio"), false)
	cfg.Twilio.AnswerURL = ldr.getString("TWILIO_ANSWER_URL", "", false)

	cfg.Events.Backend = ldr.getEnum("EVENTS_BACKEND", "log", backends)
	cfg.Events.KafkaBrokers = ldr.getStringSlice("KAFKA_BROKERS", cfg.Events.Backend == "kafka")
	cfg.Events.KafkaTopic = ldr.getString("KAFKA_CALL_EVENTS_TOPIC", "voice.call-events", false)
	cfg.Events.AMQPURL = ldr.getString("AMQP_URL", "", cfg.Events.Backend == "amqp")
	cfg.Events.AMQPExchange = ldr.getString("AMQP_EXCHANGE", "voice.events", false)

	cfg.Database.URL = ldr.getString("DATABASE_URL", "", false)
	cfg.Database.MaxConns = ldr.getInt("DATABASE_MAX_CONNS", 10, false)

	cfg.Brands.File = ldr.getString("BRANDS_FILE", "brands.yaml", false)

	cfg.Validation.CallReasonMaxLen = ldr.getInt("CALL_REASON_MAX_LEN", 64, false)
	cfg.Validation.MetaMaxEntries = ldr.getInt("META_MAX_ENTRIES", 20, false)
	cfg.Validation.MetaMaxKeyLen = ldr.getInt("META_MAX_KEY_LEN", 64, false)
	cfg.Validation.MetaMaxValueLen = ldr.getInt("META_MAX_VALUE_LEN", 256, false)

	if cfg.NumHub.RateLimitMax <= 0 {
		ldr.addError("NUMHUB_RATE_LIMIT_MAX must be positive")
	}
	if cfg.NumHub.Retry.Times <= 0 {
		ldr.addError("NUMHUB_RETRY_TIMES must be positive")
	}
	if cfg.NumHub.Retry.MaxSleepMs < cfg.NumHub.Retry.SleepMs {
		ldr.addError("NUMHUB_RETRY_MAX_SLEEP_MS must not be below NUMHUB_RETRY_SLEEP_MS")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func webhookURL(publicURL, provider string) string {
	if publicURL == "" {
		return ""
	}
	return publicURL + "/webhooks/" + provider
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getEnum(key, def string, allowed []string) string {
	val := strings.ToLower(l.getString(key, def, false))
	for _, a := range allowed {
		if val == a {
			return val
		}
	}
	l.addError(fmt.Sprintf("%s must be one of %s", key, strings.Join(nonEmpty(allowed), ", ")))
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid boolean", key))
			return def
		}
		return parsed
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) getIntSlice(key string, def []int) []int {
	raw := l.getStringSlice(key, false)
	if len(raw) == 0 {
		return append([]int(nil), def...)
	}
	out := make([]int, 0, len(raw))
	for _, p := range raw {
		i, err := strconv.Atoi(p)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a comma separated list of integers", key))
			return append([]int(nil), def...)
		}
		out = append(out, i)
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
