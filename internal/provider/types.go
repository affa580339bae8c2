package provider

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChatRequest is the OpenAI-compatible body sent to the gateway.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	JSONSchema     any             `json:"json_schema,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	Seed           *int64          `json:"seed,omitempty"`
	Stop           []string        `json:"stop,omitempty"`

	// Per-request attribution headers; override the client defaults.
	Referer string `json:"-"`
	Title   string `json:"-"`
}

// ResponseFormat selects the gateway's response mode.
type ResponseFormat struct {
	Type string `json:"type"` // json_object|text
}

// Message represents a chat message.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
}

// ChatResponse is the part of a chat completion the engine consumes.
// Raw keeps the full body for the generation audit trail.
type ChatResponse struct {
	ID           string          `json:"id"`
	Model        string          `json:"model"`
	Content      string          `json:"content"`
	Reasoning    string          `json:"reasoning,omitempty"`
	FinishReason string          `json:"finish_reason"`
	Usage        Usage           `json:"usage"`
	Raw          json.RawMessage `json:"-"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Config holds the gateway connection settings.
type Config struct {
	Endpoint string        `json:"endpoint"`
	APIKey   string        `json:"api_key"`
	Referer  string        `json:"referer,omitempty"`
	Title    string        `json:"title,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// RequestError is a transport or HTTP failure talking to the gateway.
// It is the only fatal outcome of a generation.
type RequestError struct {
	StatusCode int // 0 when the request never got a response
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway error %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("gateway request: %v", e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }
