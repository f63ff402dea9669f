// Package server provides the LlamaGate HTTP server: routing, access
// control, and the request handlers that proxy to the Ollama backend.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/HerbHall/llamagate/internal/config"
	"github.com/HerbHall/llamagate/internal/ollama"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// openPaths are exempt from authentication, IP filtering, and rate
// limiting so that monitoring and the documented "find my server"
// troubleshooting flow keep working without credentials.
var openPaths = []string{"/health", "/metrics"}

// Server is the LlamaGate HTTP server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	cfg        *config.Config
	client     *ollama.Client
	logger     *zap.Logger
}

// New creates a Server with all routes and the middleware chain
// configured from cfg.
func New(cfg *config.Config, client *ollama.Client, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		mux:    mux,
		cfg:    cfg,
		client: client,
		logger: logger,
	}

	s.registerRoutes()

	// Middleware chain: outermost listed first.
	middlewares := []Middleware{
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, []string{"/metrics"}),
	}
	if cfg.RateLimit.Enabled {
		rps := float64(cfg.RateLimit.PerMinute) / 60.0
		middlewares = append(middlewares, RateLimitMiddleware(rps, cfg.RateLimit.PerMinute, openPaths))
	}
	middlewares = append(middlewares, AccessMiddleware(cfg.Auth.APIKey, cfg.Auth.AllowedIPs, logger, openPaths))

	handler := Chain(mux, middlewares...)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// WriteTimeout intentionally unset: streaming generations can
		// run far longer than any sensible fixed deadline.
	}

	return s
}

// registerRoutes sets up all routes. Method-less patterns catch requests
// with the wrong HTTP verb so they get an envelope instead of the mux's
// plain-text 405.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /generate", s.handleGenerate)
	s.mux.HandleFunc("POST /chat", s.handleChat)
	s.mux.HandleFunc("GET /list", s.handleList)
	s.mux.HandleFunc("GET /ps", s.handlePs)
	s.mux.HandleFunc("POST /pull", s.handlePull)
	s.mux.HandleFunc("POST /stop", s.handleStop)

	for _, path := range []string{"/health", "/generate", "/chat", "/list", "/ps", "/pull", "/stop"} {
		s.mux.HandleFunc(path, s.handleMethodNotAllowed)
	}
	s.mux.HandleFunc("/", s.handleNotFound)
}

// Handler returns the fully wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
