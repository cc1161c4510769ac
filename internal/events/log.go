package events

import (
	"context"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/brandcall/voicecore/internal/voice"
)

// LogPublisher writes call events to the structured log.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &LogPublisher{logger: logger.With().Str("component", "event_log").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, event voice.CallEvent) error {
	if _, err := encode(&event); err != nil {
		return err
	}
	p.logger.Info().
		Str("event_id", event.ID).
		Str("provider", event.Provider).
		Str("call_sid", event.CallSID).
		Str("status", event.Status).
		Int("duration_seconds", event.DurationS).
		Time("occurred_at", event.OccurredAt).
		Msg("call event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
