// Package agent provides api.Agent implementations: an HTTP client for
// OpenAI-compatible chat completion endpoints (Ollama, LM Studio, vLLM) and
// a scripted agent for tests and local runs.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/petrijr/caseflow/pkg/api"
)

// maxResponseSize limits how much of a completion body is read.
const maxResponseSize = 10 * 1024 * 1024

// ErrEmptyCompletion is returned when the endpoint answers without choices.
var ErrEmptyCompletion = errors.New("agent returned no completion")

// HTTPClient invokes agents through a chat completion endpoint. Each role is
// a system prompt; the request prompt and context become the user message.
type HTTPClient struct {
	baseURL     string
	model       string
	apiKey      string
	temperature *float64
	roles       map[string]string
	http        *http.Client
	logger      *slog.Logger
}

var _ api.Agent = (*HTTPClient)(nil)

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.http = c }
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(h *HTTPClient) { h.apiKey = key }
}

// WithTemperature fixes the sampling temperature. Unset uses the endpoint default.
func WithTemperature(t float64) Option {
	return func(h *HTTPClient) { h.temperature = &t }
}

// WithRolePrompt sets the system prompt used for role.
func WithRolePrompt(role, prompt string) Option {
	return func(h *HTTPClient) { h.roles[role] = prompt }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *HTTPClient) { h.logger = logger }
}

// NewHTTPClient creates a client for the endpoint at baseURL
// (for example http://localhost:11434/v1) using model.
func NewHTTPClient(baseURL, model string, opts ...Option) *HTTPClient {
	h := &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:   model,
		roles:   make(map[string]string),
		http:    &http.Client{Timeout: 180 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	User        string        `json:"user,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Invoke sends req to the endpoint. Client errors other than 408 and 429
// are wrapped with api.NonRetryable; everything else is left retryable.
func (h *HTTPClient) Invoke(ctx context.Context, req api.AgentRequest) (*api.AgentResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, api.NonRetryable(api.NewValidationError("prompt", "must not be empty"))
	}
	body, err := json.Marshal(chatRequest{
		Model:       h.model,
		Messages:    h.messages(req),
		Temperature: h.temperature,
		User:        req.ThreadID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, api.NonRetryable(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	start := time.Now()
	resp, err := h.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", req.Role, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("agent %s: read response: %w", req.Role, err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("agent %s: status %d: %s", req.Role, resp.StatusCode, truncate(string(data), 200))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
			return nil, api.NonRetryable(err)
		}
		return nil, err
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return nil, fmt.Errorf("agent %s: decode response: %w", req.Role, err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("agent %s: %w", req.Role, ErrEmptyCompletion)
	}

	h.logger.DebugContext(ctx, "agent invoked",
		slog.String("role", req.Role),
		slog.String("case_id", req.CaseID),
		slog.String("model", cr.Model),
		slog.Int("tokens", cr.Usage.TotalTokens),
		slog.Duration("duration", time.Since(start)),
	)

	choice := cr.Choices[0]
	return &api.AgentResponse{
		Text:    strings.TrimSpace(choice.Message.Content),
		Success: true,
		Metrics: map[string]any{
			"model":             cr.Model,
			"finish_reason":     choice.FinishReason,
			"prompt_tokens":     cr.Usage.PromptTokens,
			"completion_tokens": cr.Usage.CompletionTokens,
			"duration_ms":       time.Since(start).Milliseconds(),
		},
	}, nil
}

func (h *HTTPClient) messages(req api.AgentRequest) []chatMessage {
	system, ok := h.roles[req.Role]
	if !ok {
		system = fmt.Sprintf("You are the %s agent. Answer concisely and factually.", strings.ReplaceAll(req.Role, "_", " "))
	}
	user := req.Prompt
	if len(req.Context) > 0 {
		if ctxJSON, err := json.MarshalIndent(req.Context, "", "  "); err == nil {
			user += "\n\nContext:\n" + string(ctxJSON)
		}
	}
	return []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
