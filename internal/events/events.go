// Package events publishes normalised call status changes to downstream
// consumers. Kafka and AMQP are supported; the log sink keeps webhooks
// flowing when neither broker is configured.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/brandcall/voicecore/internal/voice"
)

// Backend names accepted by New.
const (
	BackendKafka = "kafka"
	BackendAMQP  = "amqp"
	BackendLog   = "log"
)

var errPublisherNotInitialised = errors.New("events: publisher not initialised")

// ErrPublisherNotInitialised exposes the sentinel for callers and tests.
func ErrPublisherNotInitialised() error {
	return errPublisherNotInitialised
}

// Publisher delivers call events.
type Publisher interface {
	Publish(ctx context.Context, event voice.CallEvent) error
	Close() error
}

// ReadinessChecker is implemented by publishers backed by a broker
// connection.
type ReadinessChecker interface {
	Ready() bool
}

// Config selects and configures the sink.
type Config struct {
	Backend      string
	KafkaBrokers []string
	KafkaTopic   string
	AMQPURL      string
	AMQPExchange string
}

// New builds the publisher named by cfg.Backend. An empty backend means log.
func New(cfg Config, logger zerolog.Logger) (Publisher, error) {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = BackendLog
	}

	var (
		pub Publisher
		err error
	)
	switch backend {
	case BackendKafka:
		var prod *KafkaProducer
		prod, err = NewKafkaProducer(cfg.KafkaBrokers, logger)
		if err == nil {
			pub = NewKafkaPublisher(prod, cfg.KafkaTopic, logger)
		}
	case BackendAMQP:
		pub, err = DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, logger)
	case BackendLog:
		pub = NewLogPublisher(logger)
	default:
		return nil, fmt.Errorf("events: unsupported backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	logger.Info().Str("backend", backend).Msg("event publisher initialised")
	return pub, nil
}

// encode fills the event id when missing and returns the JSON body.
func encode(event *voice.CallEvent) ([]byte, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("events: marshal call event: %w", err)
	}
	return payload, nil
}

// routingKey is call.<provider>.<status>, used as the AMQP routing key.
func routingKey(event voice.CallEvent) string {
	provider := event.Provider
	if provider == "" {
		provider = "unknown"
	}
	status := event.Status
	if status == "" {
		status = voice.StatusUnknown
	}
	return "call." + provider + "." + status
}
