// Package server is the HTTP surface: the WebSocket sync endpoint for
// streaming clients and the admin REST API.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/config"
	"github.com/vibestack/syncd/internal/metrics"
	"github.com/vibestack/syncd/internal/sync"
	"github.com/vibestack/syncd/internal/transport"
)

// SessionRegistrar is the dispatcher surface the sync endpoint needs.
type SessionRegistrar interface {
	Register(ctx context.Context, clientID string, requested pglogrepl.LSN, conn transport.Conn) (*sync.Session, error)
	Sessions() []sync.SessionInfo
}

// Server serves the sync WebSocket endpoint and the admin REST API.
type Server struct {
	collector  *metrics.Collector
	cfg        *config.Config
	logger     zerolog.Logger
	dispatcher SessionRegistrar
	history    sync.HistoryReader
	pool       *pgxpool.Pool
	srv        *http.Server
}

// New creates a new Server. pool may be nil in tests; slot admin routes
// then report an internal error.
func New(collector *metrics.Collector, cfg *config.Config, dispatcher SessionRegistrar, history sync.HistoryReader, pool *pgxpool.Pool, logger zerolog.Logger) *Server {
	return &Server{
		collector:  collector,
		cfg:        cfg,
		logger:     logger.With().Str("component", "http-server").Logger(),
		dispatcher: dispatcher,
		history:    history,
		pool:       pool,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	h := &handlers{
		collector:  s.collector,
		cfg:        s.cfg,
		dispatcher: s.dispatcher,
		history:    s.history,
		pool:       s.pool,
	}

	mux := http.NewServeMux()

	// Streaming clients.
	mux.HandleFunc("GET /sync", s.handleSync)

	// Admin API.
	mux.HandleFunc("GET /api/v1/status", h.status)
	mux.HandleFunc("GET /api/v1/sessions", h.sessions)
	mux.HandleFunc("GET /api/v1/config", h.configHandler)
	mux.HandleFunc("GET /api/v1/logs", h.logs)
	mux.HandleFunc("GET /api/v1/history", h.historyRange)
	mux.HandleFunc("GET /api/v1/replication/lsn", h.replicationLSN)
	mux.HandleFunc("GET /api/v1/replication/slots", h.replicationSlots)
	mux.HandleFunc("POST /api/v1/replication/init", h.replicationInit)

	// Unversioned aliases for the replication and history routes.
	mux.HandleFunc("GET /history", h.historyRange)
	mux.HandleFunc("GET /replication/lsn", h.replicationLSN)
	mux.HandleFunc("GET /replication/slots", h.replicationSlots)
	mux.HandleFunc("POST /replication/init", h.replicationInit)

	return mux
}

// Start begins serving on the given port. It blocks until the context is
// cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Server.Listen, port),
		Handler: s.Handler(),
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Info().Int("port", port).Msg("starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.srv.Close()
	case err := <-errCh:
		return err
	}
}

// StartBackground starts the server in a goroutine (non-blocking).
func (s *Server) StartBackground(ctx context.Context, port int) {
	go func() {
		if err := s.Start(ctx, port); err != nil {
			s.logger.Err(err).Msg("http server error")
		}
	}()
}
