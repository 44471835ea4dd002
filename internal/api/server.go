// Package api provides the HTTP REST API and WebSocket server for Chat Gate.
//
// It exposes the device-code login flow, session introspection, and the
// chat gateway to the UI, translating requests into operations on the
// session store, flow controller, refresh scheduler, and authorization
// gate. The API layer never surfaces raw provider errors; it reads
// session state and maps it to structured responses.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kestrelworks/chatgate/internal/authflow"
	"github.com/kestrelworks/chatgate/internal/authz"
	"github.com/kestrelworks/chatgate/internal/chat"
	"github.com/kestrelworks/chatgate/internal/history"
	"github.com/kestrelworks/chatgate/internal/infrastructure/config"
	"github.com/kestrelworks/chatgate/internal/infrastructure/influxdb"
	"github.com/kestrelworks/chatgate/internal/infrastructure/logging"
	"github.com/kestrelworks/chatgate/internal/refresh"
	"github.com/kestrelworks/chatgate/internal/session"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.ServerConfig
	WS        config.WebSocketConfig
	Auth      config.AuthConfig
	Chat      config.ChatConfig
	Logger    *logging.Logger
	Store     *session.Store
	Flow      *authflow.Controller
	Scheduler *refresh.Scheduler
	Gate      *authz.Gate
	ChatLLM   *chat.Client
	History   history.Repository
	Metrics   *influxdb.Client // optional
	Version   string
}

// Server is the HTTP API server for Chat Gate.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.ServerConfig
	wsCfg     config.WebSocketConfig
	authCfg   config.AuthConfig
	chatCfg   config.ChatConfig
	logger    *logging.Logger
	store     *session.Store
	flow      *authflow.Controller
	scheduler *refresh.Scheduler
	gate      *authz.Gate
	chatLLM   *chat.Client
	history   history.Repository
	metrics   *influxdb.Client
	version   string
	server    *http.Server
	hub       *Hub
	tickets   *ticketStore
	cancel    context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if deps.Flow == nil {
		return nil, fmt.Errorf("auth flow controller is required")
	}
	if deps.Gate == nil {
		return nil, fmt.Errorf("authorization gate is required")
	}
	// ChatLLM and History are optional; chat routes return 503 without them

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		authCfg:   deps.Auth,
		chatCfg:   deps.Chat,
		logger:    deps.Logger,
		store:     deps.Store,
		flow:      deps.Flow,
		scheduler: deps.Scheduler,
		gate:      deps.Gate,
		chatLLM:   deps.ChatLLM,
		history:   deps.History,
		metrics:   deps.Metrics,
		version:   deps.Version,
		tickets:   newTicketStore(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and ticket cleanup, builds the router, and
// launches the HTTP listener in a background goroutine. The server is
// stopped with Close().
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)
	go s.tickets.cleanLoop(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, ticket cleanup)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// NotifySessionExpired tells a session's live connections that the
// session ended, then disconnects them. Wired to the refresh scheduler's
// expiry callback; safe to call before Start.
func (s *Server) NotifySessionExpired(sessionID string) {
	if s.hub == nil {
		return
	}
	s.hub.SendToSession(sessionID, WSChannelSession, map[string]any{"state": "expired"})
	s.hub.CloseSession(sessionID)
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
