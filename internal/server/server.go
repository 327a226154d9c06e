// Package server provides the HTTP operator surface for Warden. It is a
// transport adapter: every route maps one to one onto a coordinator
// command handle and holds no business logic of its own.
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

	"github.com/quantfall/warden/internal/coordinator"
	"github.com/quantfall/warden/internal/domain"
	"github.com/quantfall/warden/internal/events"
)

// Config holds server configuration.
type Config struct {
	Port    int
	DevMode bool
	// Policy is the entry/exit knob block reported on /api/config.
	Policy domain.EntryExitPolicy
}

// Server represents the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	coord  *coordinator.Coordinator
	bus    *events.Bus
	policy domain.EntryExitPolicy
	log    zerolog.Logger
}

// New creates a new HTTP server.
func New(cfg Config, coord *coordinator.Coordinator, bus *events.Bus, log zerolog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		coord:  coord,
		bus:    bus,
		policy: cfg.Policy,
		log:    log.With().Str("component", "server").Logger(),
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

// setupMiddleware configures middleware.
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

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

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// SSE stream must not sit behind the write timeout middleware
		// stack's compressors; register it first.
		eventsStream := NewEventsStreamHandler(s.bus, s.log)
		r.Get("/events/stream", eventsStream.ServeHTTP)

		r.Get("/positions", s.handlePositions)
		r.Get("/risks/positions", s.handlePositionRisks)
		r.Get("/risks/portfolio", s.handlePortfolioRisk)

		r.Get("/alerts", s.handleAlerts)
		r.Post("/alerts/{id}/resolve", s.handleResolveAlert)

		r.Get("/actions", s.handleActions)
		r.Get("/plans", s.handlePlans)
		r.Post("/plans/{id}/cancel", s.handleCancelPlan)

		r.Get("/limits", s.handleLimits)
		r.Put("/limits", s.handleSetLimits)

		r.Get("/config", s.handleConfig)

		r.Post("/sizing/calc", s.handleSizeCalc)
		r.Post("/assessment/trigger", s.handleTriggerAssessment)

		r.Route("/wallets", func(r chi.Router) {
			r.Get("/", s.handleWallets)
			r.Post("/", s.handleAddWallet)
			r.Delete("/{address}", s.handleRemoveWallet)
		})

		r.Route("/funds", func(r chi.Router) {
			r.Get("/jobs", s.handleFundJobs)
			r.Post("/snapshot", s.handleForceSnapshot)
			r.Post("/topup", s.handleTopUp)
			r.Post("/sweep", s.handleSweep)
			r.Post("/rebalance", s.handleRebalance)
		})

		r.Route("/emergency", func(r chi.Router) {
			r.Get("/status", s.handleEmergencyStatus)
			r.Post("/stop", s.handleEmergencyStop)
			r.Post("/resume", s.handleEmergencyResume)
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler { return s.router }

// loggingMiddleware logs HTTP requests.
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
			Msg("HTTP request")
	})
}
