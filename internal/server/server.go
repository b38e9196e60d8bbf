// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mnemos Contributors

// Package server exposes the tool protocol over HTTP: JSON-RPC on
// POST /rpc and a health snapshot on GET /healthz.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mnemos-ai/mnemos/internal/rpc"
	mnemoserr "github.com/mnemos-ai/mnemos/pkg/errors"
	"github.com/mnemos-ai/mnemos/pkg/health"
)

// maxRequestBytes bounds a single JSON-RPC request body.
const maxRequestBytes = 4 << 20

// HealthReporter supplies the sync pipeline snapshot for /healthz.
// *sync.Manager satisfies it.
type HealthReporter interface {
	Metrics() health.SyncMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr   string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server wraps a chi router around the dispatcher.
type Server struct {
	router chi.Router
	cfg    Config
	logger *slog.Logger
}

// New creates a Server routing to the given dispatcher.
func New(cfg Config, dispatcher *rpc.Dispatcher, reporter HealthReporter, logger *slog.Logger) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, mnemoserr.New(mnemoserr.CodeServerStartFailure, "listen address is required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(cfg.CORSOrigins))

	r.Post("/rpc", rpcHandler(dispatcher, logger))
	r.Get("/healthz", healthHandler(reporter))

	return &Server{router: r, cfg: cfg, logger: logger}, nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server and blocks until the context is cancelled,
// then performs graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return mnemoserr.Wrapf(err, mnemoserr.CodeServerStartFailure, "listening on %s", s.cfg.ListenAddr)
	}
	s.logger.Info("server listening", "addr", ln.Addr().String())

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return mnemoserr.Wrap(err, mnemoserr.CodeServerInternalFailure, "serving")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return mnemoserr.Wrap(err, mnemoserr.CodeServerShutdownFailure, "shutting down")
	}
	return <-errCh
}

func rpcHandler(dispatcher *rpc.Dispatcher, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if err != nil {
			http.Error(w, "reading request body", http.StatusBadRequest)
			return
		}

		resp := dispatcher.Handle(r.Context(), body)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Error("writing rpc response", "error", err)
		}
	}
}

func healthHandler(reporter HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics := reporter.Metrics()

		status := "ok"
		code := http.StatusOK
		if !metrics.Healthy() {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": status,
			"sync":   metrics,
		})
	}
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
