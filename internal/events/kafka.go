package events

import (
	"context"
	"fmt"
	"io"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/brandcall/voicecore/internal/voice"
)

// DefaultKafkaTopic receives call events when no topic is configured.
const DefaultKafkaTopic = "voice.call-events"

// SyncProducer is the subset of producer behaviour the Kafka publisher needs.
type SyncProducer interface {
	PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// KafkaPublisher writes call events keyed by call SID so one call's events
// stay ordered on a partition.
type KafkaPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewKafkaPublisher returns nil when prod is nil.
func NewKafkaPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *KafkaPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger.With().Str("component", "kafka_publisher").Logger(),
	}
}

func (p *KafkaPublisher) Publish(_ context.Context, event voice.CallEvent) error {
	if p == nil || p.producer == nil {
		return errPublisherNotInitialised
	}

	payload, err := encode(&event)
	if err != nil {
		return err
	}
	headers := map[string][]byte{
		"content-type": []byte("application/json"),
		"event-id":     []byte(event.ID),
		"provider":     []byte(event.Provider),
	}
	if err := p.producer.PublishSync(p.topic, []byte(event.CallSID), headers, payload); err != nil {
		return fmt.Errorf("events: kafka publish: %w", err)
	}
	p.logger.Debug().Str("call_sid", event.CallSID).Str("status", event.Status).Msg("call event published")
	return nil
}

// Ready reports producer readiness when the producer tracks it.
func (p *KafkaPublisher) Ready() bool {
	if p == nil {
		return false
	}
	if r, ok := p.producer.(interface{ IsReady() bool }); ok {
		return r.IsReady()
	}
	return true
}

// Close closes the producer when it owns resources.
func (p *KafkaPublisher) Close() error {
	if p == nil {
		return nil
	}
	if c, ok := p.producer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
