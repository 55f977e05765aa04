// Package llm implements the completion client for persona responses and
// history summarization. Uses the OpenAI-compatible chat completions format,
// which works with OpenAI and any compatible endpoint.
package llm

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
)

// Roles for chat messages.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// ErrQuotaExhausted is returned when the provider reports an exhausted
// quota. Callers treat it differently from transient failures: responses get
// a fixed apology, compaction silently skips.
var ErrQuotaExhausted = errors.New("llm: quota exhausted")

// Message is one role-tagged line of a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config holds the completion endpoint settings.
type Config struct {
	// BaseURL is the API base (default https://api.openai.com/v1).
	BaseURL string `yaml:"base_url"`

	// APIKey is the bearer token for the endpoint.
	APIKey string `yaml:"api_key"`

	// Model is the completion model name (e.g. "gpt-4o-mini").
	Model string `yaml:"model"`

	// Temperature is the sampling temperature.
	Temperature float64 `yaml:"temperature"`

	// Timeout bounds a single completion call.
	Timeout time.Duration `yaml:"timeout"`
}

// Client handles communication with the completion provider.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	temp       float64
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a completion client from config.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 45 * time.Second
	}
	temp := cfg.Temperature
	if temp == 0 {
		temp = 0.7
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		temp:       temp,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "llm"),
	}
}

// ---------- Wire Types (OpenAI-compatible) ----------

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// ---------- Public Methods ----------

// Complete sends a chat completion request and returns the response text.
// Returns ErrQuotaExhausted when the provider reports insufficient quota;
// any other non-success status is a hard failure.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("API key not configured")
	}

	bodyBytes, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temp,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("sending chat completion",
		"model", c.model,
		"messages", len(messages),
		"endpoint", endpoint,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	var chatResp chatResponse
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("API error",
			"status", resp.StatusCode,
			"body", truncate(string(respBody), 500),
		)
		if json.Unmarshal(respBody, &chatResp) == nil && chatResp.Error != nil &&
			chatResp.Error.Code == "insufficient_quota" {
			return "", ErrQuotaExhausted
		}
		return "", fmt.Errorf("API returned %d: %s", resp.StatusCode, truncate(string(respBody), 500))
	}

	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if chatResp.Error != nil {
		if chatResp.Error.Code == "insufficient_quota" {
			return "", ErrQuotaExhausted
		}
		return "", fmt.Errorf("API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no response from model")
	}

	c.logger.Info("chat completion done",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens,
		"finish_reason", chatResp.Choices[0].FinishReason,
	)

	return strings.TrimSpace(chatResp.Choices[0].Message.Content), nil
}

// truncate shortens s for log output.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
