// Package server provides the HTTP operator surface for the Catalyst
// Trading Engine: start/pause/stop/emergency-stop a cycle, and read back
// cycle and risk-event state (spec.md §4.8 supplement).
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/catalyst-engine/internal/domain"
	"github.com/aristath/catalyst-engine/internal/health"
)

// CycleEngine is the subset of the Cycle Engine the server drives.
type CycleEngine interface {
	StartCycle(ctx context.Context, c *domain.TradingCycle) error
	Pause(ctx context.Context, cycleID string) error
	Resume(ctx context.Context, cycleID string) error
	Stop(ctx context.Context, cycleID, reason string) error
	EmergencyStop(ctx context.Context, cycleID, reason string) error
}

// Store is the subset of the Store Gateway the server reads from.
type Store interface {
	CycleByID(ctx context.Context, cycleID string) (*domain.TradingCycle, error)
	RecentRiskEvents(ctx context.Context, limit int) ([]*domain.RiskEvent, error)
	OpenPositionsForCycle(ctx context.Context, cycleID string) ([]*domain.Position, error)
}

// HealthSnapshotter is the subset of the Health Monitor the server reads
// aggregated status from.
type HealthSnapshotter interface {
	Snapshot() map[domain.ServiceName]domain.HealthStatus
	SelfCheck() health.ProcessStats
}

// Config configures a new Server.
type Config struct {
	Log     zerolog.Logger
	Engine  CycleEngine
	Store   Store
	Health  HealthSnapshotter
	Port    int
	DevMode bool
	IDGen   func() string
}

// Server is the REST operator surface.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	engine CycleEngine
	store  Store
	health HealthSnapshotter
	idGen  func() string
}

// New builds a Server and wires its routes.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		engine: cfg.Engine,
		store:  cfg.Store,
		health: cfg.Health,
		idGen:  cfg.IDGen,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// ListenAndServe starts the HTTP server; it blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("server starting")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/cycles", s.handleCreateCycle)
		r.Get("/cycles/{id}", s.handleGetCycle)
		r.Post("/cycles/{id}/pause", s.handlePauseCycle)
		r.Post("/cycles/{id}/resume", s.handleResumeCycle)
		r.Post("/cycles/{id}/stop", s.handleStopCycle)
		r.Post("/cycles/{id}/emergency-stop", s.handleEmergencyStopCycle)
		r.Get("/risk/events", s.handleListRiskEvents)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
