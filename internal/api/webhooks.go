package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/brandcall/voicecore/internal/voice"
)

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	driver, err := s.voice.Driver(name)
	if err != nil {
		if errors.Is(err, voice.ErrUnknownDriver) {
			writeError(w, http.StatusNotFound, "entity_not_found", "unknown provider", nil)
			return
		}
		s.logger.Error().Err(err).Str("provider", name).Msg("webhook driver unavailable")
		writeError(w, http.StatusServiceUnavailable, string(voice.ErrorNotConfigured), "provider unavailable", nil)
		return
	}
	provider := driver.Name()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "validation", "payload too large", nil)
		return
	}

	// Drivers read their vendor signature header from Headers.
	env := voice.WebhookEnvelope{
		Payload: body,
		Headers: r.Header.Clone(),
		URL:     s.callbackURL(r),
	}
	if !driver.VerifyWebhook(env) {
		s.metrics.IncWebhook(provider, "rejected")
		s.logger.Warn().Str("provider", provider).Msg("webhook signature rejected")
		writeError(w, http.StatusUnauthorized, "authentication", "invalid signature", nil)
		return
	}
	s.metrics.IncWebhook(provider, "verified")

	parser, ok := driver.(voice.WebhookParser)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	event, err := parser.ParseWebhook(env)
	if errors.Is(err, voice.ErrUnparseableWebhook) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("provider", provider).Msg("webhook payload rejected")
		writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	s.calls.UpdateStatus(event.CallSID, event.Status, event.OccurredAt)

	if s.events != nil {
		if err := s.events.Publish(r.Context(), event); err != nil {
			s.logger.Error().Err(err).Str("provider", provider).Str("call_sid", event.CallSID).Msg("call event publish failed")
			writeError(w, http.StatusServiceUnavailable, "api", "event sink unavailable", nil)
			return
		}
	}

	s.logger.Info().
		Str("provider", provider).
		Str("call_sid", event.CallSID).
		Str("status", event.Status).
		Msg("call event accepted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "event_id": event.ID})
}

// callbackURL rebuilds the URL the vendor posted to. Behind a proxy the
// configured public URL is authoritative.
func (s *Server) callbackURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
