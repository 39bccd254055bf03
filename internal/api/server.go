// Package api serves transcript search, episode lookup and retry,
// highlights, and pipeline stats over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/radio-archive/internal/config"
	"github.com/snarg/radio-archive/internal/metrics"
)

// Store is the full repository surface the API needs.
type Store interface {
	Pinger
	EpisodeStore
	HighlightStore
	StatsStore
}

type ServerOptions struct {
	Store     Store
	MQTT      Connection
	Cache     *SearchCache
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, opts ServerOptions) *Server {
	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      NewRouter(cfg, opts),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}
}

// NewRouter wires middleware and every route. It is split from NewServer
// so tests can drive it with httptest.
func NewRouter(cfg *config.Config, opts ServerOptions) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(Logger(opts.Log))
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(CORSWithOrigins(cfg.CORSOrigins))
	r.Use(metrics.InstrumentHandler)

	r.Handle("/metrics", promhttp.Handler())

	health := NewHealthHandler(opts.Store, opts.MQTT, opts.Cache, opts.Version, opts.StartTime)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", health.ServeHTTP)
		NewEpisodesHandler(opts.Store, opts.Cache).Routes(r)
		NewHighlightsHandler(opts.Store).Routes(r)
		NewStatsHandler(opts.Store).Routes(r)
	})
	return r
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
