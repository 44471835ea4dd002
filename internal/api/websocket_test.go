package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kestrelworks/chatgate/internal/session"
)

// recvFrame reads one frame off the client's send channel.
func recvFrame(t *testing.T, c *WSClient) WSMessage {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed before expected frame")
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshalling frame: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return WSMessage{}
}

func chatFrame(t *testing.T, id, message string) []byte {
	t.Helper()
	data, err := json.Marshal(WSMessage{
		Type:    WSTypeChat,
		ID:      id,
		Payload: WSChatPayload{Message: message},
	})
	if err != nil {
		t.Fatalf("marshalling frame: %v", err)
	}
	return data
}

// A chat frame runs the exchange for the connection's own session and
// the reply comes back correlated by the frame id.
func TestWSChatMessageRoundTrip(t *testing.T) {
	var gotSession, gotMessage string
	client := &WSClient{
		send:      make(chan []byte, 4),
		sessionID: "sess-1",
		chat: func(_ context.Context, sessionID, message string) (*chatMessageResponse, error) {
			gotSession, gotMessage = sessionID, message
			return &chatMessageResponse{Message: "hello back", Model: "gpt-4"}, nil
		},
	}

	client.handleMessage(chatFrame(t, "req-1", "  hello  "))

	msg := recvFrame(t, client)
	if msg.Type != WSTypeResponse || msg.ID != "req-1" {
		t.Fatalf("unexpected frame: %+v", msg)
	}
	payload, _ := msg.Payload.(map[string]any) //nolint:errcheck // content checked below
	if payload["message"] != "hello back" {
		t.Fatalf("unexpected payload: %v", msg.Payload)
	}
	if gotSession != "sess-1" {
		t.Fatalf("exchange ran for wrong session: %q", gotSession)
	}
	if gotMessage != "hello" {
		t.Fatalf("message not trimmed: %q", gotMessage)
	}
}

func TestWSChatMessageRequiresContent(t *testing.T) {
	called := false
	client := &WSClient{
		send:      make(chan []byte, 4),
		sessionID: "sess-1",
		chat: func(context.Context, string, string) (*chatMessageResponse, error) {
			called = true
			return nil, nil
		},
	}

	client.handleMessage(chatFrame(t, "req-2", "   "))

	msg := recvFrame(t, client)
	if msg.Type != WSTypeError || msg.ID != "req-2" {
		t.Fatalf("expected error frame, got %+v", msg)
	}
	if called {
		t.Fatal("exchange must not run for an empty message")
	}
}

// The ticket bound the connection at handshake time, but the session is
// re-checked per message: once it leaves Authenticated the socket can no
// longer chat.
func TestWSChatDeniesLapsedSession(t *testing.T) {
	env := newTestEnv(t, "http://localhost:1")
	sess := env.authedSession(t)
	_ = env.store.Mutate(sess.ID, func(s *session.Session) error {
		s.State = session.StateLoggedOut
		s.AccessToken = ""
		return nil
	})

	_, err := env.server.wsChat(context.Background(), sess.ID, "hello")
	if err == nil || !strings.Contains(err.Error(), "not authorized") {
		t.Fatalf("expected authorization denial, got %v", err)
	}
}

// The socket path shares the HTTP pipeline: the exchange forwards under
// the session's own token and both turns land in the transcript.
func TestWSChatPersistsTranscript(t *testing.T) {
	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "hello back"}},
			},
		})
	}))
	defer llm.Close()

	env := newTestEnv(t, llm.URL)
	sess := env.authedSession(t)

	resp, err := env.server.wsChat(context.Background(), sess.ID, "hello")
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if resp.Message != "hello back" {
		t.Fatalf("unexpected reply: %+v", resp)
	}

	rec := env.do(t, http.MethodGet, "/api/chat/history/"+sess.ID, nil, sess)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	messages, _ := decodeBody(t, rec)["messages"].([]any) //nolint:errcheck // length checked below
	if len(messages) != 2 {
		t.Fatalf("expected 2 transcript turns, got %d", len(messages))
	}
}

// Logout pushes a session lifecycle event before the connection is torn
// down, so the client learns why it was disconnected.
func TestLogoutPublishesSessionStateEvent(t *testing.T) {
	env := newTestEnv(t, "")
	sess := env.authedSession(t)

	client := &WSClient{
		hub:           env.server.hub,
		send:          make(chan []byte, 4),
		subscriptions: map[string]struct{}{WSChannelSession: {}},
		sessionID:     sess.ID,
	}
	env.server.hub.Register(client)

	rec := env.do(t, http.MethodPost, "/api/auth/logout/"+sess.ID, nil, sess)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	msg := recvFrame(t, client)
	if msg.Type != WSTypeEvent || msg.EventType != WSChannelSession {
		t.Fatalf("expected session state event, got %+v", msg)
	}
	payload, _ := msg.Payload.(map[string]any) //nolint:errcheck // content checked below
	if payload["state"] != "logged_out" {
		t.Fatalf("unexpected event payload: %v", msg.Payload)
	}

	// The hub then disconnects the session's clients.
	if _, ok := <-client.send; ok {
		t.Fatal("expected send channel closed after logout")
	}
}

// An expired session's clients get the lifecycle event and are then
// disconnected.
func TestExpiryNotificationClosesSession(t *testing.T) {
	env := newTestEnv(t, "")
	sess := env.authedSession(t)

	client := &WSClient{
		hub:           env.server.hub,
		send:          make(chan []byte, 4),
		subscriptions: map[string]struct{}{WSChannelSession: {}},
		sessionID:     sess.ID,
	}
	env.server.hub.Register(client)

	env.server.NotifySessionExpired(sess.ID)

	msg := recvFrame(t, client)
	if msg.Type != WSTypeEvent || msg.EventType != WSChannelSession {
		t.Fatalf("expected session state event, got %+v", msg)
	}
	payload, _ := msg.Payload.(map[string]any) //nolint:errcheck // content checked below
	if payload["state"] != "expired" {
		t.Fatalf("unexpected event payload: %v", msg.Payload)
	}
	if _, ok := <-client.send; ok {
		t.Fatal("expected send channel closed after expiry")
	}
}
