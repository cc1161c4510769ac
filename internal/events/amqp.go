package events

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/brandcall/voicecore/internal/voice"
)

// DefaultAMQPExchange is the topic exchange call events are published to.
const DefaultAMQPExchange = "voice.events"

// AMQPChannel is the subset of *amqp.Channel used for publishing.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelOpener returns a fresh channel per publish.
type ChannelOpener func() (AMQPChannel, error)

// AMQPPublisher publishes persistent JSON messages to a topic exchange with
// routing key call.<provider>.<status>.
type AMQPPublisher struct {
	open     ChannelOpener
	exchange string
	conn     *amqp.Connection
	now      func() time.Time
	logger   zerolog.Logger

	closeOnce sync.Once
}

// DialAMQP connects, declares the exchange and returns a publisher owning the
// connection.
func DialAMQP(url, exchange string, logger zerolog.Logger) (*AMQPPublisher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("events: amqp: url is required")
	}
	if exchange == "" {
		exchange = DefaultAMQPExchange
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: amqp: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: amqp: open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: amqp: declare exchange %s: %w", exchange, err)
	}

	pub := NewAMQPPublisher(func() (AMQPChannel, error) { return conn.Channel() }, exchange, logger)
	pub.conn = conn
	return pub, nil
}

// NewAMQPPublisher publishes through channels from open.
func NewAMQPPublisher(open ChannelOpener, exchange string, logger zerolog.Logger) *AMQPPublisher {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if exchange == "" {
		exchange = DefaultAMQPExchange
	}
	return &AMQPPublisher{
		open:     open,
		exchange: exchange,
		now:      time.Now,
		logger:   logger.With().Str("component", "amqp_publisher").Logger(),
	}
}

func (p *AMQPPublisher) Publish(ctx context.Context, event voice.CallEvent) error {
	if p == nil || p.open == nil {
		return errPublisherNotInitialised
	}

	body, err := encode(&event)
	if err != nil {
		return err
	}
	ch, err := p.open()
	if err != nil {
		return fmt.Errorf("events: amqp: open channel: %w", err)
	}
	defer ch.Close()

	key := routingKey(event)
	ts := event.OccurredAt
	if ts.IsZero() {
		ts = p.now().UTC()
	}
	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     event.ID,
		CorrelationId: event.CallSID,
		Type:          "call." + event.Status,
		Timestamp:     ts,
		AppId:         "voicecore",
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("events: amqp publish %s: %w", key, err)
	}
	p.logger.Debug().Str("routing_key", key).Str("call_sid", event.CallSID).Msg("call event published")
	return nil
}

// Ready reports whether the owned connection is open. Publishers built on a
// bare ChannelOpener are always ready.
func (p *AMQPPublisher) Ready() bool {
	if p == nil {
		return false
	}
	return p.conn == nil || !p.conn.IsClosed()
}

func (p *AMQPPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	var err error
	p.closeOnce.Do(func() { err = p.conn.Close() })
	return err
}
