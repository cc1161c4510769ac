package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/brandcall/voicecore/internal/brands"
	"github.com/brandcall/voicecore/internal/util"
	"github.com/brandcall/voicecore/internal/voice"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type ctxKey struct{}

type createCallRequest struct {
	From             string            `json:"from"`
	To               string            `json:"to"`
	CallReason       string            `json:"call_reason"`
	AttestationLevel string            `json:"attestation_level"`
	Metadata         map[string]string `json:"metadata"`
}

func brandFrom(ctx context.Context) (brands.Entry, bool) {
	entry, ok := ctx.Value(ctxKey{}).(brands.Entry)
	return entry, ok
}

// authMiddleware resolves the brand from its API key, sent either as a
// bearer token or in X-API-Key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if auth := r.Header.Get("Authorization"); key == "" && auth != "" {
			parts := strings.SplitN(auth, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				key = strings.TrimSpace(parts[1])
			}
		}
		if key == "" {
			writeError(w, http.StatusUnauthorized, "authentication", "missing api key", nil)
			return
		}
		if s.brands == nil {
			writeError(w, http.StatusUnauthorized, "authentication", "invalid api key", nil)
			return
		}
		entry, ok := s.brands.Authenticate(key)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication", "invalid api key", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, entry)))
	})
}

func (s *Server) driverFor(entry brands.Entry) (voice.Provider, error) {
	if entry.Driver != "" {
		return s.voice.Driver(entry.Driver)
	}
	return s.voice.Default()
}

// validate checks a call request before anything reaches a provider.
func (s *Server) validate(entry brands.Entry, in createCallRequest) (voice.CallRequest, map[string][]string) {
	details := map[string][]string{}
	add := func(field string, err error) {
		details[field] = append(details[field], err.Error())
	}

	from, err := util.NormalizeE164(in.From)
	if err != nil {
		add("from", err)
	} else if !entry.Owns(from) {
		add("from", errors.New("number is not registered to this brand"))
	}
	to, err := util.NormalizeE164(in.To)
	if err != nil {
		add("to", err)
	}
	level, err := util.NormalizeAttestation(in.AttestationLevel)
	if err != nil {
		add("attestation_level", err)
	}
	reason := strings.TrimSpace(in.CallReason)
	if err := util.EnsureMaxRunes("call_reason", reason, s.limits.CallReasonMaxLen); err != nil {
		add("call_reason", err)
	}
	meta, err := util.ValidateMetadata(in.Metadata, s.limits.MetaMaxEntries, s.limits.MetaMaxKeyLen, s.limits.MetaMaxValueLen)
	if err != nil {
		add("metadata", err)
	}
	if len(details) > 0 {
		return voice.CallRequest{}, details
	}
	return voice.CallRequest{
		Brand:            entry.Brand,
		From:             from,
		To:               to,
		CallReason:       reason,
		AttestationLevel: level,
		Metadata:         meta,
	}, nil
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	entry, _ := brandFrom(r.Context())

	var in createCallRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON body", nil)
		return
	}
	req, details := s.validate(entry, in)
	if details != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation", "invalid call request", details)
		return
	}

	driver, err := s.driverFor(entry)
	if err != nil {
		s.logger.Error().Err(err).Str("brand_id", entry.ID).Msg("voice driver unavailable")
		writeError(w, http.StatusServiceUnavailable, string(voice.ErrorNotConfigured), "voice driver unavailable", nil)
		return
	}

	res := driver.Call(r.Context(), req)
	if !res.Success {
		s.logger.Warn().
			Str("brand_id", entry.ID).
			Str("driver", driver.Name()).
			Str("kind", string(res.ErrorKind)).
			Str("error", res.Error).
			Msg("call initiation failed")
		writeResultError(w, res.ErrorKind, res.Error, res.RetryAfter)
		return
	}

	now := s.now().UTC()
	s.calls.Add(CallRecord{
		CallSID:          res.CallSID,
		BrandID:          entry.ID,
		Driver:           driver.Name(),
		Provider:         res.Provider,
		From:             req.From,
		To:               req.To,
		Status:           res.Status,
		AttestationLevel: res.AttestationLevel,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	s.logger.Info().
		Str("brand_id", entry.ID).
		Str("driver", driver.Name()).
		Str("call_sid", res.CallSID).
		Msg("call initiated")
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	entry, _ := brandFrom(r.Context())

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "validation", "limit must be a positive integer", nil)
			return
		}
		limit = min(n, maxListLimit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": s.calls.List(entry.ID, limit)})
}

// ownedCall loads a call and hides calls of other brands behind a 404.
func (s *Server) ownedCall(w http.ResponseWriter, r *http.Request) (CallRecord, voice.Provider, bool) {
	entry, _ := brandFrom(r.Context())
	rec, ok := s.calls.Get(chi.URLParam(r, "sid"))
	if !ok || rec.BrandID != entry.ID {
		writeError(w, http.StatusNotFound, "entity_not_found", "call not found", nil)
		return CallRecord{}, nil, false
	}
	driver, err := s.voice.Driver(rec.Driver)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, string(voice.ErrorNotConfigured), "voice driver unavailable", nil)
		return CallRecord{}, nil, false
	}
	return rec, driver, true
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	rec, driver, ok := s.ownedCall(w, r)
	if !ok {
		return
	}
	st := driver.GetCallStatus(r.Context(), rec.CallSID)
	if !st.Success {
		writeResultError(w, st.ErrorKind, st.Error, 0)
		return
	}
	if s.calls.UpdateStatus(rec.CallSID, st.Status, s.now().UTC()) {
		rec, _ = s.calls.Get(rec.CallSID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"call":             rec,
		"duration_seconds": int(st.Duration.Seconds()),
	})
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	rec, driver, ok := s.ownedCall(w, r)
	if !ok {
		return
	}
	res := driver.Hangup(r.Context(), rec.CallSID)
	if !res.Success {
		writeResultError(w, res.ErrorKind, res.Error, 0)
		return
	}
	s.calls.UpdateStatus(rec.CallSID, voice.StatusCompleted, s.now().UTC())
	writeJSON(w, http.StatusOK, res)
}
