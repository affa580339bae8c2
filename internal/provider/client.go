// Package provider talks to the OpenAI-compatible LLM gateway.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultEndpoint = "https://openrouter.ai/api/v1"

// Client sends chat completions to a single gateway endpoint.
type Client struct {
	config Config
	client *http.Client
	logger *zap.Logger
}

// NewClient creates a gateway client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &Client{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (c *Client) chatURL() string {
	return c.config.Endpoint + "/chat/completions"
}

// Chat sends a non-streaming chat request.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL(), bytes.NewReader(body))
	if err != nil {
		return nil, &RequestError{Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	if ref := firstNonEmpty(req.Referer, c.config.Referer); ref != "" {
		httpReq.Header.Set("HTTP-Referer", ref)
	}
	if title := firstNonEmpty(req.Title, c.config.Title); title != "" {
		httpReq.Header.Set("X-Title", title)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &RequestError{Err: fmt.Errorf("send request: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &RequestError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var completion chatCompletion
	if err := json.Unmarshal(raw, &completion); err != nil {
		return nil, &RequestError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512), Err: fmt.Errorf("decode response: %w", err)}
	}

	out := &ChatResponse{
		ID:    completion.ID,
		Model: completion.Model,
		Usage: completion.Usage,
		Raw:   raw,
	}
	// An empty choice list is not a transport failure; callers see empty
	// content and degrade the result.
	if len(completion.Choices) > 0 {
		choice := completion.Choices[0]
		out.Content = choice.Message.Content
		out.Reasoning = choice.Message.Reasoning
		out.FinishReason = choice.FinishReason
	} else {
		c.logger.Warn("gateway returned no choices", zap.String("model", req.Model))
	}
	return out, nil
}

type chatCompletion struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

type chatChoice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
