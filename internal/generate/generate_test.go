package generate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nidhogg/fnexec/internal/provider"
	"github.com/nidhogg/fnexec/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeChat replies with a fixed content and records every request.
type fakeChat struct {
	content   string
	reasoning string
	err       error
	requests  []*provider.ChatRequest
}

func (f *fakeChat) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &provider.ChatResponse{
		Content:   f.content,
		Reasoning: f.reasoning,
		Raw:       []byte(`{"choices":[]}`),
	}, nil
}

func newDispatcher(chat Chatter) *Dispatcher {
	return NewDispatcher(chat, "", zap.NewNop())
}

func generateWith(t *testing.T, chat *fakeChat, f Format, in *Input) *Output {
	t.Helper()
	g, err := newDispatcher(chat).Select(f)
	require.NoError(t, err)
	out, err := g.Generate(context.Background(), in)
	require.NoError(t, err)
	return out
}

func TestResolveFormat(t *testing.T) {
	tests := []struct {
		name     string
		explicit string
		settings map[string]any
		want     Format
		wantErr  bool
	}{
		{name: "default", want: FormatObject},
		{name: "explicit", explicit: "Text", want: FormatText},
		{name: "settings", settings: map[string]any{"type": "TextArray"}, want: FormatTextArray},
		{name: "explicit wins", explicit: "Code", settings: map[string]any{"type": "Text"}, want: FormatCode},
		{name: "human", explicit: "Human", wantErr: true},
		{name: "unknown", explicit: "Poem", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveFormat(tt.explicit, tt.settings)
			if tt.wantErr {
				var cfgErr *ConfigError
				assert.True(t, errors.As(err, &cfgErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDispatcherSelect(t *testing.T) {
	d := newDispatcher(&fakeChat{})
	cases := map[Format]any{
		FormatObject:      &ObjectGenerator{},
		FormatObjectArray: &ObjectArrayGenerator{},
		FormatText:        &TextGenerator{},
		FormatMarkdown:    &MarkdownGenerator{},
		FormatTextArray:   &TextArrayGenerator{},
		FormatCode:        &CodeGenerator{},
	}
	for f, want := range cases {
		g, err := d.Select(f)
		require.NoError(t, err)
		assert.IsType(t, want, g, "format %s", f)
	}
	_, err := d.Select("Nope")
	assert.Error(t, err)
}

func TestObjectGenerator_ParsesFencedJSON(t *testing.T) {
	chat := &fakeChat{content: "```json\n{\"greeting\": \"hi\"}\n```", reasoning: "short"}
	out := generateWith(t, chat, FormatObject, &Input{FunctionName: "greet", Args: map[string]any{"name": "Ada"}})

	assert.Equal(t, map[string]any{"greeting": "hi"}, out.Result)
	assert.Equal(t, "short", out.Reasoning)
	assert.False(t, out.Degraded)

	require.Len(t, chat.requests, 1)
	req := chat.requests[0]
	assert.Equal(t, DefaultModel, req.Model)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, "json_object", req.ResponseFormat.Type)
	assert.Equal(t, "Respond ONLY with JSON.", req.Messages[0].Content)
	assert.Equal(t, `greet({"name":"Ada"})`, req.Messages[len(req.Messages)-1].Content)
}

func TestInputPrompt_KeepsMarkupLiteral(t *testing.T) {
	in := &Input{FunctionName: "render", Args: map[string]any{"html": "<b>Tom & Jerry</b>"}}
	assert.Equal(t, `render({"html":"<b>Tom & Jerry</b>"})`, in.Prompt())
	assert.Equal(t, "noargs({})", (&Input{FunctionName: "noargs"}).Prompt())
}

func TestObjectGenerator_DegradesOnProse(t *testing.T) {
	chat := &fakeChat{content: "Sure! Here is a greeting for Ada."}
	out := generateWith(t, chat, FormatObject, &Input{FunctionName: "greet"})

	assert.Equal(t, map[string]any{"error": ErrParseJSON}, out.Result)
	assert.True(t, out.Degraded)
}

func TestObjectGenerator_SchemaShapesPrompt(t *testing.T) {
	obj, err := schema.Compile(map[string]any{"mood": "happy | sad"})
	require.NoError(t, err)

	chat := &fakeChat{content: `{"mood":"happy"}`}
	generateWith(t, chat, FormatObject, &Input{
		FunctionName: "feel",
		Schema:       obj,
		Settings:     Settings{Model: "custom/model"},
	})

	req := chat.requests[0]
	assert.Equal(t, "custom/model", req.Model)
	assert.True(t, strings.HasPrefix(req.Messages[0].Content, "Respond ONLY with JSON that conforms to the following schema:"))
	assert.Contains(t, req.Messages[0].Content, `"enum":["happy","sad"]`)
	assert.NotNil(t, req.JSONSchema)
}

func TestObjectArrayGenerator_Shapes(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []any
	}{
		{name: "items wrapper", content: `{"items":[{"a":"1"},{"a":"2"}]}`, want: []any{map[string]any{"a": "1"}, map[string]any{"a": "2"}}},
		{name: "bare array", content: `[{"a":"1"}]`, want: []any{map[string]any{"a": "1"}}},
		{name: "single object", content: `{"a":"1"}`, want: []any{map[string]any{"a": "1"}}},
		{name: "invalid", content: `not json`, want: []any{map[string]any{"error": ErrParseJSONArray}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := generateWith(t, &fakeChat{content: tt.content}, FormatObjectArray, &Input{FunctionName: "cities"})
			assert.Equal(t, map[string]any{"items": tt.want}, out.Result)
		})
	}
}

func TestTextGenerator_PassesReasoningSeparately(t *testing.T) {
	chat := &fakeChat{content: "Hello, Ada!", reasoning: "greeting by name"}
	out := generateWith(t, chat, FormatText, &Input{FunctionName: "greet", Args: map[string]any{"name": "Ada"}})
	assert.Equal(t, "Hello, Ada!", out.Result)
	assert.Equal(t, "greeting by name", out.Reasoning)
	assert.Nil(t, chat.requests[0].ResponseFormat)
}

func TestMarkdownGenerator_BuildsTree(t *testing.T) {
	chat := &fakeChat{content: "# Title\n\nSome *text*.\n\n1. one\n2. two\n"}
	out := generateWith(t, chat, FormatMarkdown, &Input{FunctionName: "doc"})

	res := out.Result.(map[string]any)
	assert.Equal(t, chat.content, res["text"])
	tree := res["mdast"].(map[string]any)
	assert.Equal(t, "root", tree["type"])
	children := tree["children"].([]any)
	require.Len(t, children, 3)
	heading := children[0].(map[string]any)
	assert.Equal(t, "heading", heading["type"])
	assert.Equal(t, 1, heading["depth"])
	list := children[2].(map[string]any)
	assert.Equal(t, "list", list["type"])
	assert.Equal(t, true, list["ordered"])
}

func TestParseTextArray(t *testing.T) {
	got := ParseTextArray("1. First item\n2. Second item\n3. Third item")
	assert.Equal(t, []string{"First item", "Second item", "Third item"}, got)

	got = ParseTextArray("Here you go:\n\n  1.  Alpha \r\n- not numbered\n10. Omega\n")
	assert.Equal(t, []string{"Alpha", "Omega"}, got)

	assert.Equal(t, []string{}, ParseTextArray("no list here"))
}

func TestTextArrayGenerator_InjectsListInstruction(t *testing.T) {
	chat := &fakeChat{content: "1. First item\n2. Second item\n3. Third item"}
	out := generateWith(t, chat, FormatTextArray, &Input{
		FunctionName: "ideas",
		Settings:     Settings{SystemPrompt: "Be brief."},
	})
	assert.Equal(t, []string{"First item", "Second item", "Third item"}, out.Result)

	var system []string
	for _, m := range chat.requests[0].Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
		}
	}
	joined := strings.Join(system, "\n")
	assert.Contains(t, joined, "Be brief.")
	assert.Contains(t, joined, numberedListInstruction)
}

func TestGatewayFailureIsReturned(t *testing.T) {
	boom := &provider.RequestError{StatusCode: 500, Body: "boom"}
	for _, f := range []Format{FormatObject, FormatObjectArray, FormatText, FormatMarkdown, FormatTextArray} {
		g, err := newDispatcher(&fakeChat{err: boom}).Select(f)
		require.NoError(t, err)
		_, err = g.Generate(context.Background(), &Input{FunctionName: "f"})
		var reqErr *provider.RequestError
		assert.True(t, errors.As(err, &reqErr), "format %s", f)
	}
}
