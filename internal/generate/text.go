package generate

import (
	"context"
	"regexp"
	"strings"
)

const numberedListInstruction = "Respond only with a numbered markdown ordered list. Each item should be on a separate line."

var listItemRe = regexp.MustCompile(`^\s*\d+\.\s+(.+)$`)

// TextGenerator returns the model's reply as a plain string.
type TextGenerator struct {
	base
}

func (g *TextGenerator) Generate(ctx context.Context, in *Input) (*Output, error) {
	req := g.request(in, "Respond in markdown format.", in.Settings.SystemPrompt)
	_, out, err := g.send(ctx, req)
	if err != nil {
		return nil, err
	}
	out.Result = out.Text
	return out, nil
}

// MarkdownGenerator returns {text, mdast}.
type MarkdownGenerator struct {
	base
}

func (g *MarkdownGenerator) Generate(ctx context.Context, in *Input) (*Output, error) {
	req := g.request(in, "Respond only in well-structured markdown format.", in.Settings.SystemPrompt)
	_, out, err := g.send(ctx, req)
	if err != nil {
		return nil, err
	}
	out.Result = map[string]any{
		"text":  out.Text,
		"mdast": MarkdownTree(out.Text),
	}
	return out, nil
}

// TextArrayGenerator asks for a numbered list and returns its items.
type TextArrayGenerator struct {
	markdown *MarkdownGenerator
}

func (g *TextArrayGenerator) Generate(ctx context.Context, in *Input) (*Output, error) {
	listIn := *in
	listIn.Settings.SystemPrompt = strings.TrimSpace(in.Settings.SystemPrompt + "\n\n" + numberedListInstruction)

	out, err := g.markdown.Generate(ctx, &listIn)
	if err != nil {
		return nil, err
	}
	out.Result = ParseTextArray(out.Text)
	return out, nil
}

// ParseTextArray extracts the items of a numbered markdown list, in order.
// Lines that are not list items are skipped.
func ParseTextArray(markdown string) []string {
	items := []string{}
	for _, line := range strings.Split(markdown, "\n") {
		m := listItemRe.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		if item := strings.TrimSpace(m[1]); item != "" {
			items = append(items, item)
		}
	}
	return items
}
