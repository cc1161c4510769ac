// Package factory turns configuration into wired drivers, stores and sinks.
package factory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/brandcall/voicecore/internal/config"
	"github.com/brandcall/voicecore/internal/events"
	"github.com/brandcall/voicecore/internal/httpclient"
	"github.com/brandcall/voicecore/internal/metrics"
	"github.com/brandcall/voicecore/internal/numhub"
	"github.com/brandcall/voicecore/internal/store"
	"github.com/brandcall/voicecore/internal/voice"
)

// Store returns the PostgreSQL store when a database URL is configured and
// the in-memory store otherwise. The pool is nil for the memory store.
func Store(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (numhub.Store, *pgxpool.Pool, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		logger.Info().Str("backend", "memory").Msg("state store initialised")
		return store.NewMemory(), nil, nil
	}
	pool, err := store.NewPool(ctx, cfg.URL, int32(cfg.MaxConns))
	if err != nil {
		return nil, nil, fmt.Errorf("factory: postgres store init: %w", err)
	}
	logger.Info().Str("backend", "postgres").Msg("state store initialised")
	return store.NewPostgres(pool), pool, nil
}

// NumHubConfig converts the env block into client configuration.
func NumHubConfig(cfg config.NumHubConfig) numhub.Config {
	return numhub.Config{
		BaseURL:         cfg.BaseURL,
		Email:           cfg.Email,
		Password:        cfg.Password,
		ClientID:        cfg.ClientID,
		AuthScheme:      cfg.AuthScheme,
		TokenTTL:        seconds(cfg.TokenTTLSeconds),
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: seconds(cfg.RateLimitWindowSeconds),
		Timeout:         seconds(cfg.TimeoutSeconds),
		Retry: httpclient.RetryPolicy{
			Times:    cfg.Retry.Times,
			Sleep:    time.Duration(cfg.Retry.SleepMs) * time.Millisecond,
			MaxSleep: time.Duration(cfg.Retry.MaxSleepMs) * time.Millisecond,
			Strategy: cfg.Retry.Strategy,
			Jitter:   cfg.Retry.Jitter,
			Statuses: append([]int(nil), cfg.Retry.Statuses...),
		},
		Mock:       cfg.Mock,
		LogTraffic: cfg.LoggingEnabled,
	}
}

// NumHub constructs the BrandControl client.
func NumHub(cfg config.NumHubConfig, st numhub.Store, m *metrics.Metrics, logger zerolog.Logger) (*numhub.Client, error) {
	client, err := numhub.New(NumHubConfig(cfg), st, logger, numhub.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("factory: numhub client init: %w", err)
	}
	logger.Info().
		Str("backend", numhub.ProviderName).
		Bool("mock", client.Mock()).
		Msg("numhub client initialised")
	return client, nil
}

// Voice registers every driver on a manager whose default is the configured
// driver. Drivers are built on first use, so unselected vendors need no
// credentials.
func Voice(cfg *config.Config, st numhub.Store, m *metrics.Metrics, logger zerolog.Logger) (*voice.Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("factory: config is required")
	}
	mgr := voice.NewManager(cfg.Voice.Driver, logger, voice.WithConcurrency(cfg.Voice.BulkConcurrency))
	driverLogger := func(name string) zerolog.Logger {
		return logger.With().Str("component", "voice-driver").Str("backend", name).Logger()
	}

	mgr.MustRegister(voice.NullName, func() (voice.Provider, error) {
		var opts []voice.NullOption
		if cfg.Voice.Driver == voice.NullName {
			opts = append(opts, voice.WithUnsignedWebhooks())
		}
		return voice.NewNullProvider(driverLogger(voice.NullName), opts...), nil
	})
	mgr.MustRegister(voice.TwilioName, func() (voice.Provider, error) {
		p, err := voice.NewTwilioProvider(voice.TwilioConfig{
			AccountSID:        cfg.Twilio.AccountSID,
			AuthToken:         cfg.Twilio.AuthToken,
			BaseURL:           cfg.Twilio.BaseURL,
			StatusCallbackURL: cfg.Twilio.StatusCallbackURL,
			AnswerURL:         cfg.Twilio.AnswerURL,
		}, driverLogger(voice.TwilioName), voice.WithMetrics(m))
		if err != nil {
			return nil, fmt.Errorf("factory: twilio voice provider init: %w", err)
		}
		return p, nil
	})
	mgr.MustRegister(voice.TelnyxName, func() (voice.Provider, error) {
		p, err := voice.NewTelnyxProvider(voice.TelnyxConfig{
			APIKey:           cfg.Telnyx.APIKey,
			ConnectionID:     cfg.Telnyx.ConnectionID,
			WebhookPublicKey: cfg.Telnyx.WebhookPublicKey,
			WebhookURL:       cfg.Telnyx.WebhookURL,
			BaseURL:          cfg.Telnyx.BaseURL,
		}, driverLogger(voice.TelnyxName), voice.WithMetrics(m))
		if err != nil {
			return nil, fmt.Errorf("factory: telnyx voice provider init: %w", err)
		}
		return p, nil
	})
	mgr.MustRegister(voice.NumHubName, func() (voice.Provider, error) {
		client, err := NumHub(cfg.NumHub, st, m, driverLogger(voice.NumHubName))
		if err != nil {
			return nil, err
		}
		var carrier voice.Provider
		if name := strings.TrimSpace(cfg.Voice.Carrier); name != "" {
			if carrier, err = mgr.Driver(name); err != nil {
				return nil, fmt.Errorf("factory: numhub carrier %s: %w", name, err)
			}
		}
		return voice.NewNumHubProvider(client, carrier, voice.NumHubDriverConfig{
			WebhookSecret:     cfg.NumHub.WebhookSecret,
			DisplayIdentityID: cfg.NumHub.DisplayIdentityID,
		}, driverLogger(voice.NumHubName)), nil
	})

	logger.Info().
		Str("default", mgr.DefaultName()).
		Strs("drivers", mgr.Names()).
		Msg("voice manager initialised")
	return mgr, nil
}

// Events constructs the configured call event sink.
func Events(cfg config.EventsConfig, logger zerolog.Logger) (events.Publisher, error) {
	pub, err := events.New(events.Config{
		Backend:      cfg.Backend,
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaTopic:   cfg.KafkaTopic,
		AMQPURL:      cfg.AMQPURL,
		AMQPExchange: cfg.AMQPExchange,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("factory: event publisher init: %w", err)
	}
	return pub, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
