/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/verdantlabs/stagehand/internal/api"
	"github.com/verdantlabs/stagehand/internal/config"
	"github.com/verdantlabs/stagehand/internal/db"
	"github.com/verdantlabs/stagehand/internal/eventbus"
	"github.com/verdantlabs/stagehand/internal/events"
	"github.com/verdantlabs/stagehand/internal/logbuffer"
	"github.com/verdantlabs/stagehand/internal/notifications"
	"github.com/verdantlabs/stagehand/internal/rig"
	"github.com/verdantlabs/stagehand/internal/scheduler"
	"github.com/verdantlabs/stagehand/internal/store"
	"github.com/verdantlabs/stagehand/internal/telemetry"
	"github.com/verdantlabs/stagehand/internal/version"
	"github.com/verdantlabs/stagehand/internal/webhooks"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db              *gorm.DB
	logBuffer       *logbuffer.Buffer
	api             *api.API
	rig             *rig.Rig
	archive         store.Store
	scheduler       *scheduler.Service
	bus             *events.Bus
	mirror          eventbus.Mirror
	notificationSvc *notifications.Service
	webhookSvc      *webhooks.Service
	updateChecker   *version.Checker

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}
	if strings.EqualFold(cfg.Environment, "production") && (cfg.ActuatorDriver == "sim" || cfg.CameraDriver == "sim") {
		logger.Warn().Msg("production environment with simulated hardware drivers: captured frames will be synthetic")
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware)
	router.Use(telemetry.MetricsMiddleware)
	// Run watchers hold their WebSocket open for the life of a run; everything
	// else is a short JSON exchange that the timeout middleware should cover.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		bus:       events.NewBus(),
		logBuffer: logBuf,
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:    addr,
		Handler: srv.router,
		// Keep the header deadline to protect against slowloris, but leave the
		// full-body and write deadlines off so WebSocket run watchers are not
		// cut off mid-run. The middleware timeout (60s) covers the JSON routes.
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       0,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	// Create the data tree first: the default sqlite DSN lives under DataDir.
	for _, dir := range []string{s.cfg.RunLogDir(), s.cfg.ScratchDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}
	s.logger.Info().Str("path", s.cfg.DataDir).Msg("data directories ready")

	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.RegisterCallbacks(database); err != nil {
		s.logger.Warn().Err(err).Msg("database telemetry callbacks not registered")
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	rg, err := rig.New(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("initialize rig: %w", err)
	}
	s.rig = rg
	s.DeferClose(s.rig.Close)

	archive, err := store.New(s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("initialize artifact store: %w", err)
	}
	s.archive = archive

	s.scheduler = scheduler.New(s.cfg, s.db, s.rig, s.archive, s.bus, s.logger)

	// Mirror local events to Redis/NATS when configured so dashboards on other
	// hosts can follow runs.
	mirror, err := eventbus.Start(s.cfg, s.bus, s.logger)
	if err != nil {
		return fmt.Errorf("start event mirror: %w", err)
	}
	if mirror != nil {
		s.mirror = mirror
		s.DeferClose(s.mirror.Close)
		s.logger.Info().Str("backend", s.mirror.Name()).Msg("event mirror started")
	}

	notifCfg := notifications.ConfigFrom(s.cfg)
	if notifCfg.Enabled() {
		s.notificationSvc = notifications.NewService(s.db, s.bus, notifCfg, s.logger)
	} else {
		s.logger.Debug().Msg("SMTP not configured, mailed run reports disabled")
	}

	if len(s.cfg.WebhookURLs) > 0 {
		s.webhookSvc = webhooks.NewService(s.db, s.bus, s.cfg.WebhookURLs, s.cfg.WebhookSecret, s.logger)
	}

	s.updateChecker = version.NewChecker(s.logger)

	s.api = api.New(s.db, []byte(s.cfg.APIAuthKey), s.scheduler, s.rig, s.archive, s.bus, s.logBuffer, s.updateChecker, s.logger)

	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// LogBuffer returns the server's log buffer for attaching to zerolog.
func (s *Server) LogBuffer() *logbuffer.Buffer {
	return s.logBuffer
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	// Cancel active runs and wait for their terminal records before the event
	// consumers that persist and report outcomes stop with the workers below.
	if s.scheduler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.scheduler.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("scheduler shutdown error")
		}
		cancel()
	}
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	if s.scheduler == nil &&
		s.db == nil &&
		s.notificationSvc == nil &&
		s.webhookSvc == nil &&
		s.updateChecker == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	if s.scheduler != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("scheduler loop exited")
			}
		}()
	}

	// Connection pool metrics updater
	if s.db != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					db.UpdateConnectionMetrics(s.db)
				}
			}
		}()
	}

	if s.notificationSvc != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.notificationSvc.Start(ctx)
		}()
	}

	if s.webhookSvc != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.webhookSvc.Start(ctx)
		}()
	}

	// The checker manages its own goroutine.
	if s.updateChecker != nil {
		s.updateChecker.Start(ctx)
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.router.Handle("/metrics", telemetry.Handler())

	s.api.Routes(s.router)
}
