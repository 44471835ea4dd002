package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelworks/chatgate/internal/authflow"
	"github.com/kestrelworks/chatgate/internal/refresh"
	"github.com/kestrelworks/chatgate/internal/session"
)

// Flow status values surfaced to the UI. The client only ever sees these
// plus a human-readable message, never raw provider errors.
const (
	statusPending   = "pending"
	statusCompleted = "completed"
	statusError     = "error"
	statusTimeout   = "timeout"
)

// startRequest is the optional request body for POST /auth/start. Naming
// an existing session resumes it instead of issuing a second code.
type startRequest struct {
	SessionID string `json:"session_id"`
}

// startResponse is the response body for POST /auth/start.
type startResponse struct {
	SessionID       string `json:"session_id"`
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// completeRequest is the request body for POST /auth/complete.
type completeRequest struct {
	SessionID string `json:"session_id"`
}

// userInfo is the identity block returned once a session is authenticated.
type userInfo struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
}

// handleAuthStart begins (or resumes) a device-code login flow.
func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	sess, err := s.flow.Start(r.Context(), req.SessionID)
	if err != nil {
		s.logger.Warn("login start failed", "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeUnavailable, "identity provider is unavailable")
		return
	}

	writeJSON(w, http.StatusOK, startResponse{
		SessionID:       sess.ID,
		DeviceCode:      sess.DeviceCode,
		UserCode:        sess.UserCode,
		VerificationURI: sess.VerificationURI,
		ExpiresIn:       int(time.Until(sess.CodeExpiresAt).Seconds()),
		Interval:        sess.PollInterval,
	})
}

// handleAuthStatus reports the flow state of a session.
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.flow.Status(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeNotFound(w, "unknown session")
		return
	}

	status, message, authorized := flowStatus(sess)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"authorized": authorized,
		"message":    message,
	})
}

// handleAuthComplete finalises a login the provider has reported successful.
func (s *Server) handleAuthComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		writeBadRequest(w, "session_id is required")
		return
	}

	sess, err := s.flow.Complete(req.SessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeNotFound(w, "unknown session")
		return
	case errors.Is(err, authflow.ErrNotCompleted):
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  statusPending,
			"message": "authentication has not completed yet",
		})
		return
	case err != nil:
		writeError(w, http.StatusConflict, ErrCodeUnauthorized, "authentication did not succeed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           statusCompleted,
		"user":             sessionUserInfo(sess),
		"token_expires_at": sess.TokenExpiresAt.UTC().Format(time.RFC3339),
	})
}

// handleAuthRefresh forces a silent token renewal for the caller's session.
func (s *Server) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	if chi.URLParam(r, "sessionID") != sess.ID {
		writeForbidden(w, "session mismatch")
		return
	}

	if err := s.scheduler.RefreshNow(r.Context(), sess.ID); err != nil {
		switch {
		case errors.Is(err, refresh.ErrNotRenewable):
			writeBadRequest(w, "session holds no renewable token")
		case errors.Is(err, session.ErrNotFound):
			writeNotFound(w, "unknown session")
		default:
			s.logger.Warn("forced refresh failed", "session_id", sess.ID, "error", err)
			writeError(w, http.StatusBadGateway, ErrCodeUnavailable, "token renewal failed")
		}
		return
	}

	renewed, err := s.store.Get(sess.ID)
	if err != nil {
		writeNotFound(w, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "refreshed",
		"token_expires_at": renewed.TokenExpiresAt.UTC().Format(time.RFC3339),
	})
}

// handleAuthLogout terminates the caller's session. The transcript is
// cleared alongside so no conversation outlives its session.
func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	if chi.URLParam(r, "sessionID") != sess.ID {
		writeForbidden(w, "session mismatch")
		return
	}

	if err := s.flow.Logout(sess.ID); err != nil {
		writeNotFound(w, "unknown session")
		return
	}

	if s.history != nil {
		if _, err := s.history.Clear(r.Context(), sess.ID); err != nil {
			s.logger.Warn("clearing transcript on logout failed", "session_id", sess.ID, "error", err)
		}
	}
	s.hub.SendToSession(sess.ID, WSChannelSession, map[string]any{"state": "logged_out"})
	s.hub.CloseSession(sess.ID)

	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

// handleSessionInfo returns session metadata for the caller.
func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	if chi.URLParam(r, "sessionID") != sess.ID {
		writeForbidden(w, "session mismatch")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":       sess.ID,
		"state":            string(sess.State),
		"user":             sessionUserInfo(sess),
		"roles":            sess.Roles,
		"token_expires_at": sess.TokenExpiresAt.UTC().Format(time.RFC3339),
		"created_at":       sess.CreatedAt.UTC().Format(time.RFC3339),
		"last_activity_at": sess.LastActivityAt.UTC().Format(time.RFC3339),
	})
}

// sessionUserInfo builds the identity block for responses.
func sessionUserInfo(sess *session.Session) userInfo {
	roles := sess.Roles
	if roles == nil {
		roles = []string{}
	}
	return userInfo{
		ID:          sess.UserID,
		DisplayName: sess.DisplayName,
		Email:       sess.Email,
		Roles:       roles,
	}
}

// flowStatus maps a session's lifecycle state onto the UI status
// vocabulary.
func flowStatus(sess *session.Session) (status, message string, authorized bool) {
	switch sess.State {
	case session.StatePending, session.StateCodeIssued, session.StatePolling:
		return statusPending, "waiting for the user to approve the login", false
	case session.StateAuthenticated:
		return statusCompleted, "authentication completed", true
	case session.StateUnauthorized:
		return statusError, "access was denied", false
	case session.StateExpired:
		return statusTimeout, "session expired, sign in again", false
	case session.StateFailed:
		if sess.FailureReason == session.FailureCodeExpired {
			return statusTimeout, "device code expired before approval", false
		}
		return statusError, "identity provider is unavailable", false
	default:
		return statusError, "session is no longer active", false
	}
}
