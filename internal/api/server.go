// Package api is the trusted HTTP surface of the bridge: the wallet UI
// unlocks, answers prompts and manages connected sites here, and pages
// reach the transport on /ws.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/better-wallet/walletbridge/internal/app"
	"github.com/better-wallet/walletbridge/internal/approval"
	"github.com/better-wallet/walletbridge/internal/config"
	"github.com/better-wallet/walletbridge/internal/logger"
	"github.com/better-wallet/walletbridge/internal/metrics"
	"github.com/better-wallet/walletbridge/internal/middleware"
	"github.com/better-wallet/walletbridge/internal/permission"
	"github.com/better-wallet/walletbridge/internal/session"
	"github.com/better-wallet/walletbridge/internal/vault"
)

// Deps are the components the API drives
type Deps struct {
	Vault       *vault.Vault
	Sessions    *session.Manager
	Approvals   *approval.HTTPSurface
	Permissions *permission.Registry
	Provider    *app.Provider
	Transport   http.Handler
	Metrics     *metrics.Metrics
	Limiter     *middleware.RateLimiter // optional, per client IP
}

// Server represents the HTTP server
type Server struct {
	config     *config.Config
	deps       Deps
	httpServer *http.Server
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Deps) *Server {
	return &Server{config: cfg, deps: deps}
}

// Router returns the chi router with every route mounted
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, s.logRequests)

	// Health and metrics stay open for local probes
	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	// Pages are admitted by the transport's origin allowlist, not the UI token
	if s.deps.Transport != nil {
		r.Get("/ws", s.deps.Transport.ServeHTTP)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(s.config.UIToken), middleware.LimitBody(middleware.UIBodyLimit))
		if s.deps.Limiter != nil {
			r.Use(s.deps.Limiter.Limit)
		}

		r.Post("/unlock", s.handleUnlock)
		r.Post("/lock", s.handleLock)
		r.Get("/session", s.handleSession)

		r.Get("/approvals", s.handleListApprovals)
		r.Get("/approvals/{id}", s.handleGetApproval)
		r.Post("/approvals/{id}", s.handleDecide)
		r.Delete("/approvals/{id}", s.handleDismiss)

		r.Get("/permissions", s.handleListPermissions)
		r.Delete("/permissions/{origin}", s.handleRevoke)
	})
	return r
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: /ws connections and long-polled approvals stay open
	}

	logger.Info(context.Background(), "starting server", "addr", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// logRequests logs each request with its status and duration
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := middleware.NewStatusRecorder(w)

		next.ServeHTTP(rec, r)

		logger.Debug(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.StatusCode,
			"duration", time.Since(start))
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	initialized, err := s.deps.Vault.Exists(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Initialized: initialized,
		Unlocked:    s.deps.Sessions.IsUnlocked(),
	})
}
