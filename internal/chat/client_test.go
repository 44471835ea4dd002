package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kestrelworks/chatgate/internal/infrastructure/config"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := New(config.ChatConfig{
		Endpoint:       srv.URL,
		Deployment:     "gpt-4",
		APIVersion:     "2025-01-01-preview",
		RequestTimeout: 5,
	}, nil)
	return c, srv
}

func TestSend(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody completionRequest

	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4-0613",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "sunny, 21 degrees"}},
			},
			"usage": map[string]int{"prompt_tokens": 40, "completion_tokens": 8, "total_tokens": 48},
		})
	})
	defer srv.Close()

	history := []Turn{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}
	reply, err := c.Send(context.Background(), "access-token", history, "what is the weather?")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if gotPath != "/openai/deployments/gpt-4/chat/completions?api-version=2025-01-01-preview" {
		t.Fatalf("unexpected request path %q", gotPath)
	}
	if gotAuth != "Bearer access-token" {
		t.Fatal("bearer token not forwarded")
	}
	if len(gotBody.Messages) != 4 {
		t.Fatalf("expected system + 2 history + user message, got %d", len(gotBody.Messages))
	}
	if gotBody.Messages[0].Role != "system" {
		t.Fatal("system prompt must lead the conversation")
	}
	if last := gotBody.Messages[3]; last.Role != "user" || last.Content != "what is the weather?" {
		t.Fatalf("user message must come last, got %+v", last)
	}

	if reply.Content != "sunny, 21 degrees" {
		t.Fatalf("unexpected reply content %q", reply.Content)
	}
	if reply.Model != "gpt-4-0613" {
		t.Fatalf("unexpected model %q", reply.Model)
	}
	if reply.Usage == nil || reply.Usage.TotalTokens != 48 {
		t.Fatalf("usage not extracted: %+v", reply.Usage)
	}
}

func TestSendUnauthorized(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	defer srv.Close()

	_, err := c.Send(context.Background(), "stale-token", nil, "hello")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSendRateLimited(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer srv.Close()

	_, err := c.Send(context.Background(), "token", nil, "hello")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestSendServiceError(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "content_filter", "message": "blocked"},
		})
	})
	defer srv.Close()

	_, err := c.Send(context.Background(), "token", nil, "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "language model error content_filter: blocked" {
		t.Fatalf("unexpected error %q", err)
	}
}

func TestSendNoChoices(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	})
	defer srv.Close()

	if _, err := c.Send(context.Background(), "token", nil, "hello"); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestSendFallsBackToDeploymentName(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "ok"}},
			},
		})
	})
	defer srv.Close()

	reply, err := c.Send(context.Background(), "token", nil, "hello")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if reply.Model != "gpt-4" {
		t.Fatalf("expected deployment fallback, got %q", reply.Model)
	}
}
