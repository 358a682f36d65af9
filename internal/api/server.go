// Package api serves the REST surface: health and config introspection,
// live topology snapshots from the cache, history queries against the
// database, and command submission onto the bus.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/rack-engine/internal/bus"
	"github.com/snarg/rack-engine/internal/cache"
	"github.com/snarg/rack-engine/internal/config"
	"github.com/snarg/rack-engine/internal/database"
	"github.com/snarg/rack-engine/internal/metrics"
)

// MQTTStatus reports broker connectivity for the health endpoint.
// Satisfied by mqttclient.Client.
type MQTTStatus interface {
	IsConnected() bool
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// NewServer assembles the router. db is nil when storage is disabled;
// history endpoints then answer 501 and health reports the database as
// disconnected.
func NewServer(cfg *config.Config, db *database.DB, c *cache.Cache, b *bus.Bus, mqtt MQTTStatus, version string, startTime time.Time, log zerolog.Logger) *Server {
	r := chi.NewRouter()

	// RequestID runs first so the access log and panic reports carry it.
	r.Use(RequestID)
	r.Use(Logger(log))
	r.Use(Recoverer)
	r.Use(CORS)
	r.Use(metrics.InstrumentHandler)

	health := NewHealthHandler(db, mqtt, version, startTime)
	r.Get("/api/health", health.ServeHTTP)
	r.Get("/api/config", ConfigHandler(cfg))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/live", NewLiveHandler(c).Routes)
	r.Route("/api/history", NewHistoryHandler(db).Routes)
	r.Post("/api/commands", NewCommandsHandler(b).SendCommand)

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

// Handler exposes the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
