// Package generate turns a function call into one gateway request and
// parses the reply into a candidate result.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/fnexec/internal/provider"
	"github.com/nidhogg/fnexec/internal/schema"
	"go.uber.org/zap"
)

// DefaultModel is used when neither the call nor the config names one.
const DefaultModel = "google/gemini-2.0-flash-001"

// Chatter is the gateway operation generators depend on.
type Chatter interface {
	Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// Generator produces a candidate result for one call.
type Generator interface {
	Generate(ctx context.Context, in *Input) (*Output, error)
}

// Input is everything a generator needs about a call.
type Input struct {
	FunctionName string
	Args         any
	Schema       *schema.Object // nil when the call has no usable schema
	Settings     Settings
	Code         string // stored source, Code format only
}

// Prompt renders the call as name(JSON(args)).
func (in *Input) Prompt() string {
	args := in.Args
	if args == nil {
		args = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	raw := "{}"
	if err := enc.Encode(args); err == nil {
		raw = strings.TrimSuffix(buf.String(), "\n")
	}
	return fmt.Sprintf("%s(%s)", in.FunctionName, raw)
}

// Output is a generator's parsed reply plus what is needed to audit it.
type Output struct {
	Text      string // raw model content
	Result    any
	Reasoning string
	Request   *provider.ChatRequest
	Response  json.RawMessage
	Latency   time.Duration
	Degraded  bool // model output could not be parsed
}

// Settings are the generator options carried in a call's settings object.
type Settings struct {
	Model        string
	SystemPrompt string
	Referer      string
	Title        string
	Temperature  *float64
	TopP         *float64
	MaxTokens    int
	Seed         *int64
}

// SettingsFrom reads generator options from a raw settings object.
// Unknown keys are ignored; they still take part in the fingerprint.
func SettingsFrom(m map[string]any) Settings {
	var s Settings
	if m == nil {
		return s
	}
	s.Model, _ = m["model"].(string)
	s.SystemPrompt, _ = m["systemPrompt"].(string)
	s.Referer, _ = m["referer"].(string)
	s.Title, _ = m["title"].(string)
	if f, ok := number(m["temperature"]); ok {
		s.Temperature = &f
	}
	if f, ok := number(m["topP"]); ok {
		s.TopP = &f
	}
	if f, ok := number(m["maxTokens"]); ok {
		s.MaxTokens = int(f)
	}
	if f, ok := number(m["seed"]); ok {
		seed := int64(f)
		s.Seed = &seed
	}
	return s
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// base holds what every generator shares: the gateway and defaults.
type base struct {
	chat         Chatter
	defaultModel string
	logger       *zap.Logger
}

func (b *base) model(s Settings) string {
	if s.Model != "" {
		return s.Model
	}
	if b.defaultModel != "" {
		return b.defaultModel
	}
	return DefaultModel
}

func (b *base) request(in *Input, system ...string) *provider.ChatRequest {
	msgs := make([]provider.Message, 0, len(system)+1)
	for _, s := range system {
		if strings.TrimSpace(s) == "" {
			continue
		}
		msgs = append(msgs, provider.Message{Role: "system", Content: s})
	}
	msgs = append(msgs, provider.Message{Role: "user", Content: in.Prompt()})
	return &provider.ChatRequest{
		Model:       b.model(in.Settings),
		Messages:    msgs,
		Temperature: in.Settings.Temperature,
		TopP:        in.Settings.TopP,
		MaxTokens:   in.Settings.MaxTokens,
		Seed:        in.Settings.Seed,
		Referer:     in.Settings.Referer,
		Title:       in.Settings.Title,
	}
}

// send issues exactly one gateway call and fills the audit fields of out.
func (b *base) send(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, *Output, error) {
	start := time.Now()
	resp, err := b.chat.Chat(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	out := &Output{
		Text:      resp.Content,
		Reasoning: resp.Reasoning,
		Request:   req,
		Response:  resp.Raw,
		Latency:   time.Since(start),
	}
	return resp, out, nil
}
