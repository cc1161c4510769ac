package events

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

const defaultMetadataRefreshInterval = 30 * time.Second

// KafkaOption customises the producer during construction.
type KafkaOption func(*kafkaOptions)

type kafkaOptions struct {
	config          *sarama.Config
	refreshInterval time.Duration
}

// WithSaramaConfig supplies a preconfigured Sarama config. It is copied so the
// caller keeps ownership.
func WithSaramaConfig(cfg *sarama.Config) KafkaOption {
	return func(o *kafkaOptions) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// WithMetadataRefreshInterval overrides how often cluster metadata is
// refreshed to keep readiness current.
func WithMetadataRefreshInterval(interval time.Duration) KafkaOption {
	return func(o *kafkaOptions) {
		if interval > 0 {
			o.refreshInterval = interval
		}
	}
}

// KafkaProducer wraps a Sarama sync producer and tracks readiness from
// periodic metadata refreshes.
type KafkaProducer struct {
	logger zerolog.Logger

	client       sarama.Client
	syncProducer sarama.SyncProducer

	refreshInterval time.Duration
	ready           atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewKafkaProducer connects to brokers and starts the metadata watcher.
func NewKafkaProducer(brokers []string, logger zerolog.Logger, opts ...KafkaOption) (*KafkaProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("events: kafka producer: at least one broker is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	settings := &kafkaOptions{
		config:          defaultSaramaConfig(),
		refreshInterval: defaultMetadataRefreshInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}

	cfg := *settings.config
	cfg.Metadata.RefreshFrequency = settings.refreshInterval

	client, err := sarama.NewClient(brokers, &cfg)
	if err != nil {
		return nil, fmt.Errorf("events: kafka producer: create client: %w", err)
	}
	syncProd, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("events: kafka producer: create sync producer: %w", err)
	}

	p := &KafkaProducer{
		logger:          logger.With().Str("component", "kafka_producer").Logger(),
		client:          client,
		syncProducer:    syncProd,
		refreshInterval: settings.refreshInterval,
		stopCh:          make(chan struct{}),
	}
	if err := client.RefreshMetadata(); err != nil {
		p.logger.Error().Err(err).Msg("initial metadata refresh failed")
	} else {
		p.ready.Store(true)
	}

	p.wg.Add(1)
	go p.watchMetadata()
	return p, nil
}

// PublishSync sends one message and waits for the broker acknowledgement.
func (p *KafkaProducer) PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	if topic == "" {
		return errors.New("events: kafka producer: topic is required")
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(payload),
		Headers: toRecordHeaders(headers),
	}
	if len(key) > 0 {
		msg.Key = sarama.ByteEncoder(key)
	}

	partition, offset, err := p.syncProducer.SendMessage(msg)
	if err != nil {
		p.ready.Store(false)
		return fmt.Errorf("events: kafka producer: send: %w", err)
	}
	p.ready.Store(true)
	p.logger.Debug().Str("topic", topic).Int32("partition", partition).Int64("offset", offset).Msg("message acknowledged")
	return nil
}

// IsReady reports whether the last metadata refresh or send succeeded.
func (p *KafkaProducer) IsReady() bool {
	return p.ready.Load()
}

// Close stops the watcher and releases the producer and client.
func (p *KafkaProducer) Close() error {
	close(p.stopCh)
	p.wg.Wait()

	var errs []error
	if err := p.syncProducer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.client.Close(); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *KafkaProducer) watchMetadata() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.client.RefreshMetadata(); err != nil {
				p.logger.Error().Err(err).Msg("metadata refresh failed")
				p.ready.Store(false)
			} else {
				p.ready.Store(true)
			}
		}
	}
}

func toRecordHeaders(headers map[string][]byte) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: append([]byte(nil), v...)})
	}
	return out
}

func defaultSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 6
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Metadata.Full = false
	cfg.Metadata.RefreshFrequency = defaultMetadataRefreshInterval
	return cfg
}
