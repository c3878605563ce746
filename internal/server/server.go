/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/reckless_tv/internal/api"
	"github.com/friendsincode/reckless_tv/internal/audit"
	"github.com/friendsincode/reckless_tv/internal/config"
	"github.com/friendsincode/reckless_tv/internal/db"
	"github.com/friendsincode/reckless_tv/internal/events"
	"github.com/friendsincode/reckless_tv/internal/leadership"
	"github.com/friendsincode/reckless_tv/internal/ledger"
	"github.com/friendsincode/reckless_tv/internal/lightning"
	"github.com/friendsincode/reckless_tv/internal/liveness"
	"github.com/friendsincode/reckless_tv/internal/telemetry"
	"github.com/friendsincode/reckless_tv/internal/token"
	"github.com/friendsincode/reckless_tv/internal/version"
	"github.com/friendsincode/reckless_tv/internal/video"
)

// Server bundles HTTP and supporting services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db              *gorm.DB
	bus             *events.Bus
	pool            *lightning.Pool
	video           *video.Client
	ledger          *ledger.Store
	tokens          *token.Store
	audit           *audit.Service
	reconciler      *liveness.Reconciler
	leaderAware     *liveness.LeaderAwareReconciler
	api             *api.API
	metricsServer   *http.Server

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New builds the server, wires dependencies, and configures routes. It does
// not start listening; the caller runs the returned HTTP server.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.MetricsMiddleware)
	// Skip the request timeout for WebSocket sessions, which are
	// long-lived by design.
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
		cfg:    cfg,
		logger: logger,
		router: router,
		bus:    events.NewBus(),
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
		// Header deadline guards against slowloris; write timeout stays 0
		// so WebSocket sessions manage their own deadlines.
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	return srv, nil
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	s.pool = lightning.NewPool(lightning.Dial, s.logger)
	s.DeferClose(s.pool.Close)

	s.video = video.NewClient(video.Config{
		BaseURL:     s.cfg.VideoAPIURL,
		TokenID:     s.cfg.VideoTokenID,
		TokenSecret: s.cfg.VideoTokenSecret,
	}, s.logger)

	s.ledger = ledger.NewStore(database, s.logger)
	s.tokens = token.NewStore(database, s.video, s.logger)

	s.audit = audit.NewService(database, s.bus, s.logger)

	s.reconciler = liveness.NewReconciler(database, s.video, s.ledger, s.bus, s.logger)

	if s.cfg.LeaderElectionEnabled {
		election, err := leadership.NewElection(leadership.ElectionConfig{
			RedisAddr:     s.cfg.RedisAddr,
			RedisPassword: s.cfg.RedisPassword,
			RedisDB:       s.cfg.RedisDB,
			InstanceID:    s.cfg.InstanceID,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("leader election: %w", err)
		}
		s.leaderAware = liveness.NewLeaderAware(s.reconciler, election, s.logger)
		s.DeferClose(s.leaderAware.Stop)
	}

	s.api = api.New(database, []byte(s.cfg.JWTSigningKey), s.pool, s.video, s.ledger, s.tokens, s.bus, s.audit, s.logger)

	return nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := `{"status":"ok"`
		if s.leaderAware != nil {
			if s.leaderAware.IsLeader() {
				response += `,"leader":true`
			} else {
				response += `,"leader":false`
			}
		}
		response += `}`
		_, _ = w.Write([]byte(response))
	})

	s.api.Routes(s.router)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.audit.Start(ctx)
	}()

	if s.leaderAware != nil {
		if err := s.leaderAware.Start(ctx); err != nil {
			s.logger.Error().Err(err).Msg("failed to start leader-aware reconciler")
		}
	} else {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.reconciler.Run(ctx)
		}()
	}

	checker := version.NewChecker(s.logger)
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		checker.Run(ctx)
	}()

	// Metrics are served on their own listener so the public surface never
	// exposes them.
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	s.metricsServer = &http.Server{
		Addr:              s.cfg.MetricsBind,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.logger.Info().Str("addr", s.cfg.MetricsBind).Msg("metrics server listening")
		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("metrics server error")
		}
	}()
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.metricsServer.Shutdown(ctx)
		cancel()
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

// HTTPServer returns the configured HTTP server for the caller to run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
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

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
