/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/reckless_tv/internal/audit"
	"github.com/friendsincode/reckless_tv/internal/auth"
	"github.com/friendsincode/reckless_tv/internal/events"
	"github.com/friendsincode/reckless_tv/internal/ledger"
	"github.com/friendsincode/reckless_tv/internal/lightning"
	"github.com/friendsincode/reckless_tv/internal/token"
	"github.com/friendsincode/reckless_tv/internal/video"
)

// API exposes HTTP handlers.
type API struct {
	db        *gorm.DB
	jwtSecret []byte
	pool      *lightning.Pool
	video     *video.Client
	ledger    *ledger.Store
	tokens    *token.Store
	bus       *events.Bus
	audit     *audit.Service
	logger    zerolog.Logger
}

// New creates the API router wrapper.
func New(db *gorm.DB, jwtSecret []byte, pool *lightning.Pool, videoClient *video.Client, ledgerStore *ledger.Store, tokenStore *token.Store, bus *events.Bus, auditSvc *audit.Service, logger zerolog.Logger) *API {
	return &API{
		db:        db,
		jwtSecret: jwtSecret,
		pool:      pool,
		video:     videoClient,
		ledger:    ledgerStore,
		tokens:    tokenStore,
		bus:       bus,
		audit:     auditSvc,
		logger:    logger,
	}
}

// Routes mounts all API endpoints onto the router.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		// Public endpoints (no auth required)
		r.Get("/streams", a.handleStreamsList)

		r.Group(func(pr chi.Router) {
			pr.Use(auth.Middleware(a.jwtSecret))

			pr.Post("/streams", a.handleStreamsCreate)
			pr.Route("/streams/{streamID}", func(r chi.Router) {
				r.Get("/", a.handleStreamsGet)
				r.Delete("/", a.handleStreamsDelete)
				r.Get("/session", a.handleSession)
			})

			pr.Route("/node", func(r chi.Router) {
				r.Put("/", a.handleNodeUpdate)
				r.Post("/verify", a.handleNodeVerify)
			})

			pr.Get("/events", a.handleEventsList)
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := healthCheckDB(a.db); err != nil {
		writeError(w, http.StatusServiceUnavailable, "db_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func healthCheckDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
