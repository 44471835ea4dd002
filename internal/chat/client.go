package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kestrelworks/chatgate/internal/infrastructure/config"
	"github.com/kestrelworks/chatgate/internal/infrastructure/influxdb"
)

// systemPrompt opens every conversation sent to the model.
const systemPrompt = "You are a helpful AI assistant. Provide clear, concise, and accurate responses."

// maxResponseBytes caps completion response bodies.
const maxResponseBytes = 4 << 20

// ErrUnauthorized means the model endpoint rejected the bearer token.
// The session should refresh or re-authenticate.
var ErrUnauthorized = errors.New("language model rejected the credential")

// ErrRateLimited means the model endpoint is throttling; retry later.
var ErrRateLimited = errors.New("language model rate limit reached")

// Turn is one message of a conversation, in the model's chat vocabulary.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the token accounting reported by the model.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Reply is the model's answer to one request.
type Reply struct {
	Content string
	Model   string
	Usage   *Usage
}

// Client calls the chat completions endpoint.
type Client struct {
	httpClient *http.Client
	endpoint   string
	deployment string
	apiVersion string
	metrics    *influxdb.Client
}

// New creates a chat client from configuration.
func New(cfg config.ChatConfig, metrics *influxdb.Client) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout) * time.Second,
		},
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		deployment: cfg.Deployment,
		apiVersion: cfg.APIVersion,
		metrics:    metrics,
	}
}

type completionRequest struct {
	Messages    []Turn  `json:"messages"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	TopP        float64 `json:"top_p"`
}

type completionResponse struct {
	Choices []struct {
		Message Turn `json:"message"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Send forwards a conversation to the model and returns its reply.
//
// Parameters:
//   - accessToken: The session's bearer credential; never logged
//   - history: Prior transcript turns, oldest first
//   - message: The new user message
//
// Returns:
//   - *Reply: Assistant content plus token usage when reported
//   - error: ErrUnauthorized, ErrRateLimited, or transport failure
func (c *Client) Send(ctx context.Context, accessToken string, history []Turn, message string) (*Reply, error) {
	messages := make([]Turn, 0, len(history)+2)
	messages = append(messages, Turn{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, Turn{Role: "user", Content: message})

	body, err := json.Marshal(completionRequest{
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   2000,
		TopP:        0.95,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding completion request: %w", err)
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		c.endpoint, c.deployment, c.apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling language model: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading completion response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	case http.StatusTooManyRequests:
		return nil, ErrRateLimited
	}

	var parsed completionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decoding completion response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return nil, fmt.Errorf("language model error %s: %s", parsed.Error.Code, parsed.Error.Message)
		}
		return nil, fmt.Errorf("language model returned status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("language model returned no choices")
	}

	c.metrics.WriteChatLatency(c.deployment, time.Since(started))

	model := parsed.Model
	if model == "" {
		model = c.deployment
	}
	return &Reply{
		Content: parsed.Choices[0].Message.Content,
		Model:   model,
		Usage:   parsed.Usage,
	}, nil
}
