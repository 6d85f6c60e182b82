// Package ai wraps the Anthropic API for the three jobs the bot needs:
// classifying leads, drafting replies, and screening connection
// requests. Structured outputs go through tool_use so the model cannot
// hand back free-form JSON.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/growlancer/sdr/internal/core"
	"github.com/growlancer/sdr/internal/logging"
)

// Client handles Anthropic API calls.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *logging.Logger
}

// Config for the AI client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		BaseURL: "https://api.anthropic.com",
		Model:   "claude-sonnet-4-5-20250929",
		Timeout: 60 * time.Second,
	}
}

// NewClient creates a new AI client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5-20250929"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logging.WithField("component", "ai"),
	}
}

// Message represents a conversation message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool describes a structured-output schema offered to the model.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolChoice controls how the model picks tools. {"type": "any"}
// forces a tool_use response.
type ToolChoice struct {
	Type string `json:"type"`
}

// Request is the API request structure.
type Request struct {
	Model       string      `json:"model"`
	MaxTokens   int         `json:"max_tokens"`
	System      string      `json:"system,omitempty"`
	Messages    []Message   `json:"messages"`
	Temperature float64     `json:"temperature,omitempty"`
	Tools       []Tool      `json:"tools,omitempty"`
	ToolChoice  *ToolChoice `json:"tool_choice,omitempty"`
}

// ContentBlock is one block of the model's response.
type ContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Response is the API response structure.
type Response struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Text concatenates every text block.
func (r *Response) Text() string {
	var out string
	for _, block := range r.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// ToolInput unmarshals the first tool_use block into out. Returns
// ErrNoToolUse when the model answered in prose instead.
func (r *Response) ToolInput(out interface{}) error {
	for _, block := range r.Content {
		if block.Type == "tool_use" {
			if err := json.Unmarshal(block.Input, out); err != nil {
				return fmt.Errorf("decode tool input: %w", err)
			}
			return nil
		}
	}
	return core.ErrNoToolUse
}

const (
	maxAttempts = 3
	minBackoff  = 2 * time.Second
	maxBackoff  = 30 * time.Second
)

// Complete sends a completion request. Rate limits, server errors, and
// connection failures are retried with exponential backoff.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = 1024
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := minBackoff << (attempt - 1)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			c.logger.WithField("attempt", attempt+1).Warn("retrying model request: %v", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", "2023-06-01")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
		}

		var aiResp Response
		if err := json.Unmarshal(respBody, &aiResp); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return &aiResp, nil
	}

	return nil, fmt.Errorf("%w: %v", core.ErrLLMUnavailable, lastErr)
}

// IsConfigured checks if the API key is set.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}
