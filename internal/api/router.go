package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api", func(r chi.Router) {
		// Liveness (no auth required)
		r.Get("/health", s.handleHealth)

		// Login flow endpoints: callers do not yet hold a credential
		r.Post("/auth/start", s.handleAuthStart)
		r.Get("/auth/status/{sessionID}", s.handleAuthStatus)
		r.Post("/auth/complete", s.handleAuthComplete)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)

			r.Post("/auth/refresh/{sessionID}", s.handleAuthRefresh)
			r.Post("/auth/logout/{sessionID}", s.handleAuthLogout)
			r.Get("/session/{sessionID}/info", s.handleSessionInfo)

			r.Post("/chat/message", s.handleChatMessage)
			r.Get("/chat/history/{sessionID}", s.handleChatHistory)
			r.Delete("/chat/history/{sessionID}", s.handleChatHistoryClear)

			// WS ticket requires authentication - the ticket then carries
			// the session identity to the WebSocket handshake
			r.Post("/auth/ws-ticket", s.handleWSTicket)
		})
	})

	// WebSocket (auth via ticket, validated in handler)
	r.Get("/ws/{sessionID}", s.handleWebSocket)

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         s.version,
		"active_sessions": s.store.CountAuthenticated(),
	})
}
