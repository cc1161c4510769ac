package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/brandcall/voicecore/internal/api"
	"github.com/brandcall/voicecore/internal/brands"
	"github.com/brandcall/voicecore/internal/config"
	"github.com/brandcall/voicecore/internal/events"
	"github.com/brandcall/voicecore/internal/logger"
	"github.com/brandcall/voicecore/internal/metrics"
	"github.com/brandcall/voicecore/internal/providers/factory"
	"github.com/brandcall/voicecore/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := *baseLogger

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	st, pool, err := factory.Store(ctx, cfg.Database, logger.Component(log, "store"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise state store")
	}
	if pool != nil {
		defer pool.Close()
	}

	directory, err := brands.Load(cfg.Brands.File)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.Brands.File).Msg("failed to load brand directory")
	}
	log.Info().Strs("brands", directory.IDs()).Msg("brand directory loaded")

	mgr, err := factory.Voice(cfg, st, m, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise voice manager")
	}
	if _, err := mgr.Default(); err != nil {
		log.Fatal().Err(err).Str("driver", mgr.DefaultName()).Msg("failed to initialise default voice driver")
	}

	pub, err := factory.Events(cfg.Events, logger.Component(log, "events"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise event publisher")
	}
	defer func() {
		if err := pub.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close event publisher")
		}
	}()

	checks := map[string]api.ReadyCheck{}
	if pool != nil {
		checks["database"] = func(ctx context.Context) error {
			return store.Ping(ctx, pool, time.Second)
		}
	}
	if rc, ok := pub.(events.ReadinessChecker); ok {
		checks["events"] = func(context.Context) error {
			if !rc.Ready() {
				return errors.New("event sink not ready")
			}
			return nil
		}
	}

	server := api.New(api.Dependencies{
		Voice:    mgr,
		Brands:   directory,
		Events:   pub,
		Calls:    api.NewCallLog(api.DefaultCallLogSize),
		Metrics:  m,
		Gatherer: reg,
		Checks:   checks,
		Limits: api.Limits{
			CallReasonMaxLen: cfg.Validation.CallReasonMaxLen,
			MetaMaxEntries:   cfg.Validation.MetaMaxEntries,
			MetaMaxKeyLen:    cfg.Validation.MetaMaxKeyLen,
			MetaMaxValueLen:  cfg.Validation.MetaMaxValueLen,
		},
		PublicURL: cfg.App.PublicURL,
		Logger:    log,
		Now:       time.Now,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().
		Int("port", cfg.App.Port).
		Str("driver", mgr.DefaultName()).
		Str("events", cfg.Events.Backend).
		Msg("brandcall api started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server terminated with error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.App.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("brandcall api init failed")
}
