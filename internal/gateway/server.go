// Package gateway exposes the chat service over HTTP and WebSocket: message
// dispatch, streaming, auth endpoints, the metrics/health surface and the
// scheduled session cleanup sweep.
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

	"github.com/poliport/poliport/internal/config"
	"github.com/poliport/poliport/internal/observability"
	"github.com/poliport/poliport/internal/orchestrator"
	"github.com/poliport/poliport/internal/session"
	"github.com/poliport/poliport/internal/storage"
	"github.com/poliport/poliport/internal/toolpool"
)

// Server composes the gateway: config, storage, session manager, tool-client
// pool and orchestrator behind one HTTP listener.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	store    storage.Store
	sessions *session.Manager
	pool     *toolpool.Pool
	orch     *orchestrator.Orchestrator

	httpSrv *http.Server
}

// NewServer wires the gateway together. Credential changes in the session
// manager invalidate the affected pooled tool client so the next dispatch
// rebuilds with fresh headers.
func NewServer(cfg *config.Config, store storage.Store, sessions *session.Manager, pool *toolpool.Pool, orch *orchestrator.Orchestrator, logger *slog.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger.With("component", "gateway"),
		metrics:  metrics,
		store:    store,
		sessions: sessions,
		pool:     pool,
		orch:     orch,
	}
	sessions.OnCredentialChange(pool.RefreshSessionClient)
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.HandleFunc("POST /chat/message", s.handleMessage)
	mux.HandleFunc("POST /chat/message/stream", s.handleMessageStream)
	mux.HandleFunc("GET /chat/history", s.handleHistory)
	mux.HandleFunc("GET /chat/conversations", s.handleConversations)

	mux.HandleFunc("POST /chat/auth/login", s.handleLogin)
	mux.HandleFunc("POST /chat/auth/verify-mfa", s.handleVerifyMFA)
	mux.HandleFunc("GET /chat/auth/status", s.handleAuthStatus)
	mux.HandleFunc("POST /chat/auth/logout", s.handleLogout)
	mux.HandleFunc("POST /chat/auth/refresh", s.handleRefresh)

	mux.HandleFunc("GET /chat/ws", s.handleWS)

	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully: the HTTP
// listener drains first, then the tool-client pool.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, fmt.Sprintf("%d", s.cfg.Server.HTTPPort))
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	defer stopCleanup()
	go s.runCleanupLoop(cleanupCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown incomplete", "error", err)
	}
	s.pool.CloseAllClients()
	s.logger.Info("gateway stopped")
	return nil
}

// runCleanupLoop runs the session cleanup sweep on its configured cadence.
func (s *Server) runCleanupLoop(ctx context.Context) {
	interval := s.cfg.Session.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sessions.CleanupExpiredSessions(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
