// ABOUTME: Server orchestrator wiring stores, auth, routing, and realtime
// ABOUTME: Manages HTTP lifecycle with graceful shutdown on context cancel

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/krapi/krapi-server/internal/bootstrap"
	"github.com/krapi/krapi-server/internal/config"
	"github.com/krapi/krapi-server/internal/realtime"
	"github.com/krapi/krapi-server/internal/router"
	"github.com/krapi/krapi-server/internal/session"
	"github.com/krapi/krapi-server/internal/store"
)

// Server orchestrates the krapi-server components: the store manager, the
// schema bootstrapper, the session service, the statement router, and the
// realtime hub, all fronted by one HTTP server.
type Server struct {
	config     *config.Config
	manager    *store.Manager
	bootstrap  *bootstrap.Service
	controlCP  *store.ControlPlane
	sessions   *session.Service
	router     *router.Router
	hub        *realtime.Hub
	httpServer *http.Server
	logger     *slog.Logger
}

// sessionVerifier adapts the session service to the realtime hub's
// token-check interface.
type sessionVerifier struct {
	sessions *session.Service
}

func (v *sessionVerifier) VerifyToken(ctx context.Context, token string) error {
	_, err := v.sessions.Verify(ctx, token)
	return err
}

// New creates a Server instance from configuration. The control-plane store
// is bootstrapped here so that a returned Server is ready to authenticate.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	manager := store.NewManager(cfg.Database.DataDir)

	boot := bootstrap.New(manager, bootstrap.Seed{
		AdminUsername: cfg.Admin.Username,
		AdminPassword: cfg.Admin.Password,
		AdminEmail:    cfg.Admin.Email,
		BcryptCost:    cfg.Auth.BcryptCost,
	})
	if err := boot.EnsureControlPlane(ctx); err != nil {
		return nil, fmt.Errorf("bootstrapping control plane: %w", err)
	}

	cpAdapter, err := manager.ControlPlane()
	if err != nil {
		return nil, fmt.Errorf("opening control plane: %w", err)
	}
	cp := store.NewControlPlane(cpAdapter)

	sessions := session.New(cp, manager, boot)
	rtr := router.New(manager, boot)
	hub := realtime.NewHub(&sessionVerifier{sessions: sessions}, realtime.HubConfig{
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		Reconnect: realtime.Backoff{
			Base:        cfg.Realtime.BackoffBase,
			Multiplier:  cfg.Realtime.BackoffMultiplier,
			Cap:         cfg.Realtime.BackoffCap,
			MaxAttempts: cfg.Realtime.MaxReconnects,
		},
	})

	s := &Server{
		config:    cfg,
		manager:   manager,
		bootstrap: boot,
		controlCP: cp,
		sessions:  sessions,
		router:    rtr,
		hub:       hub,
		logger:    logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/healthz/ready", s.handleReady)

	// Auth endpoints establish sessions, so they carry no auth themselves
	mux.HandleFunc("/api/admins/auth-with-password", s.handleAdminAuth)
	mux.HandleFunc("/api/users/auth-with-password", s.handleUserAuth)
	mux.HandleFunc("/api/keys/exchange", s.handleKeyExchange)

	// Session management requires a valid bearer token
	mux.Handle("/api/auth/refresh", s.requireAuth(http.HandlerFunc(s.handleRefresh)))
	mux.Handle("/api/auth/logout", s.requireAuth(http.HandlerFunc(s.handleLogout)))

	// Admin surface requires the master scope
	mux.Handle("/api/admins/regenerate-key", s.requireScope(http.HandlerFunc(s.handleRegenerateKey), session.MasterScope))
	mux.Handle("/api/projects", s.requireScope(http.HandlerFunc(s.handleProjects), session.MasterScope))
	mux.Handle("/api/projects/", s.requireScope(http.HandlerFunc(s.handleProjectByID), session.MasterScope))
	mux.Handle("/api/activity", s.requireScope(http.HandlerFunc(s.handleActivity), session.MasterScope))

	// Data plane: routed statement execution
	mux.Handle("/api/data/execute", s.requireScope(http.HandlerFunc(s.handleExecute), "records:write"))
	mux.Handle("/api/data/query", s.requireScope(http.HandlerFunc(s.handleQuery), "records:read"))

	// Realtime: the hub does its own token check during upgrade
	mux.Handle("/api/realtime", hub)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Sessions exposes the session service, used by the CLI commands.
func (s *Server) Sessions() *session.Service {
	return s.sessions
}

// ControlPlane exposes the typed control-plane store.
func (s *Server) ControlPlane() *store.ControlPlane {
	return s.controlCP
}

// Router exposes the statement router.
func (s *Server) Router() *router.Router {
	return s.router
}

// Hub exposes the realtime hub for broadcast callers.
func (s *Server) Hub() *realtime.Hub {
	return s.hub
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the
// server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the server and releases resources. The hub goes
// down before the stores so that in-flight broadcasts cannot touch a closed
// adapter.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	s.hub.Shutdown()

	errs = appendCloseError(errs, "store close", s.manager.CloseAll())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the control-plane store answers a probe.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.controlCP.CountAdmins(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("control plane unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d realtime clients)", s.hub.ClientCount())
}
