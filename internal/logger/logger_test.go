package logger_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/brandcall/voicecore/internal/logger"
)

func TestNewSetsGlobalLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"debug":    zerolog.DebugLevel,
		"Warn":     zerolog.WarnLevel,
		"ERROR":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
	}

	for input, want := range cases {
		t.Run("level_"+input, func(t *testing.T) {
			prev := zerolog.GlobalLevel()
			t.Cleanup(func() {
				zerolog.SetGlobalLevel(prev)
			})

			var buf bytes.Buffer
			if _, err := logger.New("production", input, &buf); err != nil {
				t.Fatalf("New returned error for level %q: %v", input, err)
			}
			if got := zerolog.GlobalLevel(); got != want {
				t.Fatalf("global level = %s, want %s", got, want)
			}
		})
	}
}

func TestNewInvalidLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(prev)
	})

	if _, err := logger.New("production", "not-a-level"); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestNewWritesServiceFields(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(prev)
	})

	var buf bytes.Buffer
	l, err := logger.New("Production", "info", &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cl := logger.Component(*l, "webhooks")
	cl.Info().Str("provider", "twilio").Msg("verified")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if line["service"] != logger.ServiceName || line["env"] != "production" || line["component"] != "webhooks" {
		t.Fatalf("unexpected fields %v", line)
	}
	if _, ok := line["time"]; !ok {
		t.Fatalf("expected timestamp field")
	}
}
