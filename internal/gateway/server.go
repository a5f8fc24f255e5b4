// Package gateway is the HTTP surface of the service: the inbound
// directive endpoint, health and metrics, and the outbound dispatcher
// that delivers final answers to callback URLs.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coldbrewlabs/attache/internal/agent"
	"github.com/coldbrewlabs/attache/internal/config"
	"github.com/coldbrewlabs/attache/internal/memory"
	"github.com/coldbrewlabs/attache/internal/memory/embeddings"
	"github.com/coldbrewlabs/attache/internal/prompts"
	"github.com/coldbrewlabs/attache/internal/sandbox"
	"github.com/coldbrewlabs/attache/internal/scheduler"
	"github.com/coldbrewlabs/attache/internal/storage"
)

// Deps are the shared components wired in by the composition root. Each
// inbound directive borrows them; none are owned by the gateway.
type Deps struct {
	Store     *storage.Store
	Sandbox   *sandbox.Sandbox
	Bridge    *scheduler.Bridge
	Prompts   *prompts.Store
	Assembler *memory.Assembler
	Provider  agent.LLMProvider
	Embedder  embeddings.Provider
}

// Server handles inbound directives over HTTP.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger

	httpServer *http.Server
	dispatcher *Dispatcher
}

// NewServer creates a gateway server.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		dispatcher: NewDispatcher(nil, logger),
	}
}

// Start begins serving and blocks until the listener fails or the server
// is shut down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.HTTPPort)
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/directives", s.handleDirective)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = server

	s.logger.Info("starting http server", "addr", addr)
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
