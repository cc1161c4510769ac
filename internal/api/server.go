// Package api is the HTTP surface: provider webhooks, the brand calling API
// and the operational endpoints.
package api

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/brandcall/voicecore/internal/brands"
	"github.com/brandcall/voicecore/internal/events"
	"github.com/brandcall/voicecore/internal/metrics"
	"github.com/brandcall/voicecore/internal/voice"
)

const (
	maxWebhookBytes = 1 << 20
	maxRequestBytes = 64 << 10
	readyTimeout    = 2 * time.Second
)

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

// Limits bounds the fields of inbound call requests.
type Limits struct {
	CallReasonMaxLen int
	MetaMaxEntries   int
	MetaMaxKeyLen    int
	MetaMaxValueLen  int
}

// Dependencies wires the server.
type Dependencies struct {
	Voice     *voice.Manager
	Brands    *brands.Directory
	Events    events.Publisher
	Calls     *CallLog
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Checks    map[string]ReadyCheck
	Limits    Limits
	PublicURL string
	Logger    zerolog.Logger
	Now       func() time.Time
}

type Server struct {
	voice     *voice.Manager
	brands    *brands.Directory
	events    events.Publisher
	calls     *CallLog
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	checks    map[string]ReadyCheck
	limits    Limits
	publicURL string
	logger    zerolog.Logger
	now       func() time.Time
}

func New(deps Dependencies) *Server {
	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	calls := deps.Calls
	if calls == nil {
		calls = NewCallLog(DefaultCallLogSize)
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		voice:     deps.Voice,
		brands:    deps.Brands,
		events:    deps.Events,
		calls:     calls,
		metrics:   deps.Metrics,
		gatherer:  gatherer,
		checks:    deps.Checks,
		limits:    deps.Limits,
		publicURL: strings.TrimRight(strings.TrimSpace(deps.PublicURL), "/"),
		logger:    logger.With().Str("component", "api").Logger(),
		now:       now,
	}
}

// Handler returns the complete router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	s.Routes(r)
	return r
}

// Routes registers every endpoint on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))

	r.Post("/webhooks/{provider}", s.handleWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/calls", s.handleCreateCall)
		r.Get("/calls", s.handleListCalls)
		r.Get("/calls/{sid}", s.handleGetCall)
		r.Post("/calls/{sid}/hangup", s.handleHangup)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	failures := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn().Interface("failures", failures).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
