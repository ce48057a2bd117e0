// Package server provides the HTTP scaffolding shared by both services:
// middleware stack, health and metrics endpoints, graceful shutdown.
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

	"github.com/finledger/finledger/internal/metrics"
)

// Config describes one service's HTTP surface.
type Config struct {
	Service string // "stockd" or "walletd"
	Port    int
	DevMode bool
	Metrics *metrics.Metrics
	Log     zerolog.Logger
}

// Server wraps the router and the http.Server lifecycle.
type Server struct {
	service string
	router  chi.Router
	server  *http.Server
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New builds a server with the standard middleware stack and the
// operational endpoints registered.
func New(cfg Config) *Server {
	s := &Server{
		service: cfg.Service,
		router:  chi.NewRouter(),
		metrics: cfg.Metrics,
		log:     cfg.Log.With().Str("component", "http_server").Logger(),
	}

	s.setupMiddleware(cfg.DevMode)

	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Router exposes the mux so the binaries can mount module routes.
func (s *Server) Router() chi.Router {
	return s.router
}

// Route mounts a route group under a path prefix.
func (s *Server) Route(pattern string, fn func(chi.Router)) {
	s.router.Route(pattern, fn)
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// setupMiddleware configures the shared middleware stack.
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":%q}`, s.service)
}

// loggingMiddleware logs each request and records its latency.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, ww.Status(), elapsed)
		}

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", elapsed).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
