// Package server exposes the job coordination core over HTTP and WebSocket:
// submission, status polling, and live per-job status streams.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/inkfold/docket/config"
	"github.com/inkfold/docket/job"
	"github.com/inkfold/docket/notify"
)

// Server wires the coordinator, job store, and notification hub behind the
// HTTP surface.
type Server struct {
	cfg         *config.Config
	coordinator *job.Coordinator
	store       *job.Store
	hub         *notify.Hub
	logger      *zap.SugaredLogger

	httpServer *http.Server
}

// New creates a server. Start launches it.
func New(cfg *config.Config, coordinator *job.Coordinator, store *job.Store, hub *notify.Hub, logger *zap.SugaredLogger) *Server {
	return &Server{
		cfg:         cfg,
		coordinator: coordinator,
		store:       store,
		hub:         hub,
		logger:      logger,
	}
}

// Start binds the configured port and serves until Shutdown. Blocks.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	s.setupRoutes(mux)

	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No blanket write timeout: WebSocket subscriptions are long-lived
		// and manage their own deadlines per message.
	}

	s.logger.Infow("HTTP server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, then tears down all notification
// actors so live subscribers get a clean close frame.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.hub.Shutdown()
	return err
}

// setupRoutes configures all HTTP handlers
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/jobs", s.corsMiddleware(s.HandleSubmit))       // Submit content (POST)
	mux.HandleFunc("/api/jobs/", s.corsMiddleware(s.HandleJobStatus))   // Job status (GET /api/jobs/{id})
	mux.HandleFunc("/ws/jobs/", s.corsMiddleware(s.HandleJobStream))    // Live status stream (GET /ws/jobs/{id})
	mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))
}

// corsMiddleware adds CORS headers to HTTP responses using configured allowed origins
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+ownerHeader)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
