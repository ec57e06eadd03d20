// Package api provides the HTTP API server and handlers for the clicker service.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/clickerapp/clicker-server/internal/http/response"
	"github.com/clickerapp/clicker-server/internal/ratelimit"
	"github.com/clickerapp/clicker-server/internal/service"
	"github.com/clickerapp/clicker-server/internal/sse"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	clickerService     *service.ClickerService
	leaderboardService *service.LeaderboardService
	broadcaster        *service.BroadcasterService
	sseHandler         *sse.Handler
	clickLimiter       *ratelimit.KeyedRateLimiter
	router             *chi.Mux
	logger             *slog.Logger
}

// NewServer creates a new HTTP server with all routes configured.
func NewServer(
	clickerService *service.ClickerService,
	leaderboardService *service.LeaderboardService,
	broadcaster *service.BroadcasterService,
	sseHandler *sse.Handler,
	clickLimiter *ratelimit.KeyedRateLimiter,
	logger *slog.Logger,
) *Server {
	s := &Server{
		clickerService:     clickerService,
		leaderboardService: leaderboardService,
		broadcaster:        broadcaster,
		sseHandler:         sseHandler,
		clickLimiter:       clickLimiter,
		router:             chi.NewRouter(),
		logger:             logger,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// setupMiddleware configures middleware stack.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// Health check.
	s.router.Get("/health", s.handleHealthCheck)

	// API v1.
	s.router.Route("/api/v1/clicker", func(r chi.Router) {
		r.Post("/click", s.handleClick)
		r.Get("/stats", s.handleGetStats)
		r.Get("/leaderboard", s.handleGetLeaderboard)

		// Live update sessions.
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleRegisterSession)
			r.Delete("/{userID}", s.handleUnregisterSession)
			r.Post("/{userID}/refresh", s.handleRefreshSession)
		})

		r.Get("/stream", s.sseHandler.ServeHTTP)
	})
}

// handleHealthCheck returns server health status.
func (s *Server) handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	response.Success(w, map[string]string{
		"status": "healthy",
	}, s.logger)
}
