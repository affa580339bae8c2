package generate

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/nidhogg/fnexec/internal/provider"
	"go.uber.org/zap"
)

// Placeholder results for model output that is not valid JSON.
const (
	ErrParseJSON      = "Failed to parse JSON response"
	ErrParseJSONArray = "Failed to parse JSON array response"
)

var (
	fenceOpenRe  = regexp.MustCompile("^```(?:json)?\\s*")
	fenceCloseRe = regexp.MustCompile("\\s*```$")
)

// ParseJSONContent strips surrounding code fences and decodes the rest.
func ParseJSONContent(text string) (any, error) {
	text = strings.TrimSpace(text)
	text = fenceOpenRe.ReplaceAllString(text, "")
	text = fenceCloseRe.ReplaceAllString(text, "")
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ObjectGenerator asks for a single JSON object.
type ObjectGenerator struct {
	base
}

func (g *ObjectGenerator) Generate(ctx context.Context, in *Input) (*Output, error) {
	system := "Respond ONLY with JSON."
	var jsonSchema any
	if in.Schema != nil {
		js := in.Schema.JSONSchema()
		jsonSchema = js
		if raw, err := json.Marshal(js); err == nil {
			system = "Respond ONLY with JSON that conforms to the following schema: " + string(raw)
		}
	}

	req := g.request(in, system, in.Settings.SystemPrompt)
	req.ResponseFormat = &provider.ResponseFormat{Type: "json_object"}
	req.JSONSchema = jsonSchema

	_, out, err := g.send(ctx, req)
	if err != nil {
		return nil, err
	}

	obj, perr := ParseJSONContent(out.Text)
	if perr != nil {
		g.logger.Warn("model returned invalid JSON",
			zap.String("function", in.FunctionName), zap.Error(perr))
		out.Result = map[string]any{"error": ErrParseJSON}
		out.Degraded = true
		return out, nil
	}
	out.Result = obj
	return out, nil
}

// ObjectArrayGenerator asks for {"items": [...]} and always yields that shape.
type ObjectArrayGenerator struct {
	base
}

func (g *ObjectArrayGenerator) Generate(ctx context.Context, in *Input) (*Output, error) {
	system := `Respond ONLY with a JSON object that has an "items" property containing an array of objects.`
	var jsonSchema any
	if in.Schema != nil {
		js := in.Schema.JSONSchema()
		jsonSchema = js
		if raw, err := json.Marshal(js); err == nil {
			system = `Respond ONLY with a JSON object that has an "items" property containing an array of objects that conform to the following schema: ` + string(raw)
		}
	}

	req := g.request(in, system, in.Settings.SystemPrompt)
	req.ResponseFormat = &provider.ResponseFormat{Type: "json_object"}
	req.JSONSchema = jsonSchema

	_, out, err := g.send(ctx, req)
	if err != nil {
		return nil, err
	}

	parsed, perr := ParseJSONContent(out.Text)
	if perr != nil {
		g.logger.Warn("model returned invalid JSON array",
			zap.String("function", in.FunctionName), zap.Error(perr))
		out.Result = map[string]any{"items": []any{map[string]any{"error": ErrParseJSONArray}}}
		out.Degraded = true
		return out, nil
	}
	out.Result = map[string]any{"items": itemsOf(parsed)}
	return out, nil
}

func itemsOf(parsed any) []any {
	switch v := parsed.(type) {
	case map[string]any:
		if items, ok := v["items"].([]any); ok {
			return items
		}
	case []any:
		return v
	}
	return []any{parsed}
}
