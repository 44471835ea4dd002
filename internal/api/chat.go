package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelworks/chatgate/internal/chat"
	"github.com/kestrelworks/chatgate/internal/history"
	"github.com/kestrelworks/chatgate/internal/session"
)

// chatMessageRequest is the request body for POST /chat/message.
type chatMessageRequest struct {
	Message string `json:"message"`
}

// chatMessageResponse is the response body for POST /chat/message.
type chatMessageResponse struct {
	Message   string      `json:"message"`
	Model     string      `json:"model"`
	Timestamp string      `json:"timestamp"`
	Usage     *chat.Usage `json:"usage,omitempty"`
}

// chatHistoryEntry is one transcript turn in history responses.
type chatHistoryEntry struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// handleChatMessage forwards a user message to the language model using
// the session's own bearer token, persists both turns of the exchange,
// and pushes the reply over the session's WebSocket channel.
func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	if s.chatLLM == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "chat gateway is not configured")
		return
	}

	sess := sessionFromContext(r.Context())

	var req chatMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeBadRequest(w, "message is required")
		return
	}

	resp, err := s.chatExchange(r.Context(), sess, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrUnauthorized):
			writeUnauthorized(w, "language model rejected the credential; refresh or sign in again")
		case errors.Is(err, chat.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, ErrCodeRateLimited, "language model rate limit reached")
		default:
			s.logger.Warn("chat completion failed", "session_id", sess.ID, "error", err)
			writeError(w, http.StatusBadGateway, ErrCodeUnavailable, "language model request failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// chatExchange runs one conversational turn for a session: it loads the
// transcript as model context, forwards the message under the session's
// own bearer token, persists both turns, and pushes the reply over the
// session's WebSocket channel. Shared by the HTTP handler and the
// WebSocket chat message type.
func (s *Server) chatExchange(ctx context.Context, sess *session.Session, message string) (*chatMessageResponse, error) {
	transcript := s.loadTranscript(ctx, sess.ID)

	reply, err := s.chatLLM.Send(ctx, sess.AccessToken, transcript, message)
	if err != nil {
		return nil, err
	}

	s.appendTranscript(ctx, sess.ID, history.RoleUser, message)
	s.appendTranscript(ctx, sess.ID, history.RoleAssistant, reply.Content)

	timestamp := time.Now().UTC().Format(time.RFC3339)
	s.hub.SendToSession(sess.ID, WSChannelChat, map[string]any{
		"message":   reply.Content,
		"model":     reply.Model,
		"timestamp": timestamp,
	})

	return &chatMessageResponse{
		Message:   reply.Content,
		Model:     reply.Model,
		Timestamp: timestamp,
		Usage:     reply.Usage,
	}, nil
}

// wsChat runs a chat exchange for a message received over a WebSocket
// connection. The ticket bound the connection to a session at handshake
// time; the session is re-read and re-authorized per message so a
// logged-out or expired session cannot keep chatting over an open
// socket. The returned error text is safe to echo to the client.
func (s *Server) wsChat(ctx context.Context, sessionID, message string) (*chatMessageResponse, error) {
	if s.chatLLM == nil {
		return nil, errors.New("chat gateway is not configured")
	}

	sess, err := s.store.Get(sessionID)
	if err != nil {
		return nil, errors.New("unknown session")
	}
	if err := s.gate.Authorize(sess); err != nil {
		return nil, errors.New("session is not authorized")
	}

	resp, err := s.chatExchange(ctx, sess, message)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrUnauthorized):
			return nil, errors.New("language model rejected the credential; refresh or sign in again")
		case errors.Is(err, chat.ErrRateLimited):
			return nil, errors.New("language model rate limit reached")
		default:
			s.logger.Warn("chat completion failed", "session_id", sessionID, "error", err)
			return nil, errors.New("language model request failed")
		}
	}
	return resp, nil
}

// handleChatHistory returns the caller's transcript, oldest first. An
// optional limit query parameter bounds the result; it is capped at the
// configured history depth and defaults to it when absent or malformed.
func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "chat history is not configured")
		return
	}

	sess := sessionFromContext(r.Context())
	if chi.URLParam(r, "sessionID") != sess.ID {
		writeForbidden(w, "session mismatch")
		return
	}

	limit := s.chatCfg.MaxHistory
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n < limit {
			limit = n
		}
	}

	messages, err := s.history.List(r.Context(), sess.ID, limit)
	if err != nil {
		s.logger.Error("listing transcript failed", "session_id", sess.ID, "error", err)
		writeInternalError(w, "failed to load chat history")
		return
	}

	entries := make([]chatHistoryEntry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, chatHistoryEntry{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"messages":   entries,
	})
}

// handleChatHistoryClear deletes the caller's transcript.
func (s *Server) handleChatHistoryClear(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "chat history is not configured")
		return
	}

	sess := sessionFromContext(r.Context())
	if chi.URLParam(r, "sessionID") != sess.ID {
		writeForbidden(w, "session mismatch")
		return
	}

	removed, err := s.history.Clear(r.Context(), sess.ID)
	if err != nil {
		s.logger.Error("clearing transcript failed", "session_id", sess.ID, "error", err)
		writeInternalError(w, "failed to clear chat history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"removed":    removed,
	})
}

// loadTranscript reads the recent transcript as model context. A missing
// or failing history store degrades to an empty context rather than
// blocking the conversation.
func (s *Server) loadTranscript(ctx context.Context, sessionID string) []chat.Turn {
	if s.history == nil {
		return nil
	}

	messages, err := s.history.List(ctx, sessionID, s.chatCfg.MaxHistory)
	if err != nil {
		s.logger.Warn("loading transcript failed", "session_id", sessionID, "error", err)
		return nil
	}

	turns := make([]chat.Turn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, chat.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

// appendTranscript persists one turn, best effort.
func (s *Server) appendTranscript(ctx context.Context, sessionID, role, content string) {
	if s.history == nil {
		return
	}
	err := s.history.Append(ctx, &history.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
	})
	if err != nil {
		s.logger.Warn("appending transcript failed", "session_id", sessionID, "error", err)
	}
}
