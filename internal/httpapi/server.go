// Package httpapi exposes enrollment and recovery sessions over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"

	"github.com/forest6511/keystone/pkg/access"
	"github.com/forest6511/keystone/pkg/keystone"
	"github.com/forest6511/keystone/pkg/recovery"
)

// Config configures the HTTP server.
type Config struct {
	ListenAddr string
	Log        *slog.Logger

	// RateLimit is the sustained requests per second allowed per client IP
	// on enrollment and recovery routes; 0 disables limiting.
	RateLimit float64
	RateBurst int

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Defaults fill in weights, threshold and required kinds that an
	// enrollment request leaves out.
	Defaults access.Policy
}

// Server serves the keystone HTTP API.
type Server struct {
	cfg     *Config
	isReady atomic.Bool
	log     *slog.Logger

	reg     *keystone.Registry
	mgr     *recovery.Manager
	limiter *rateLimiter
	srv     *http.Server
}

// New builds a server over a registry and session manager.
func New(cfg *Config, reg *keystone.Registry, mgr *recovery.Manager) *Server {
	srv := &Server{
		cfg: cfg,
		log: cfg.Log,
		reg: reg,
		mgr: mgr,
	}
	if srv.log == nil {
		srv.log = slog.Default()
	}
	if cfg.RateLimit > 0 {
		srv.limiter = newRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return srv
}

// Router returns the route table.
func (srv *Server) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(srv.httpLogger)

	mux.Route("/api/v1", func(r chi.Router) {
		r.Use(noStore)
		r.Get("/gallery", srv.handleGallery)

		r.Group(func(r chi.Router) {
			if srv.limiter != nil {
				r.Use(srv.limiter.middleware)
			}
			r.Post("/enrollments", srv.handleEnroll)
			r.Delete("/enrollments/{user}", srv.handleRevoke)

			r.Post("/recoveries", srv.handleStartRecovery)
			r.Get("/recoveries/{id}", srv.handleGetRecovery)
			r.Post("/recoveries/{id}/image", srv.handleSubmitImage)
			r.Post("/recoveries/{id}/answers", srv.handleSubmitAnswer)
			r.Post("/recoveries/{id}/phrase", srv.handleSubmitPhrase)
			r.Delete("/recoveries/{id}", srv.handleCancelRecovery)
		})
	})

	mux.Get("/livez", srv.handleLivenessCheck)
	mux.Get("/readyz", srv.handleReadinessCheck)
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

// noStore keeps grids, phrases and keys out of every cache.
func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		next.ServeHTTP(w, r)
	})
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// RunInBackground starts listening in a goroutine.
func (srv *Server) RunInBackground() {
	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown marks the server not ready and drains in-flight requests.
func (srv *Server) Shutdown() {
	srv.isReady.Store(false)

	timeout := srv.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}

	if srv.limiter != nil {
		srv.limiter.stop()
	}
}
