package generate

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdownParser = goldmark.New().Parser()

// MarkdownTree parses markdown into an mdast-shaped tree of plain maps:
// every node has a "type", containers have "children", leaves a "value".
func MarkdownTree(markdown string) map[string]any {
	src := []byte(markdown)
	doc := markdownParser.Parse(text.NewReader(src))
	return mdNode(doc, src)
}

func mdNode(n ast.Node, src []byte) map[string]any {
	node := map[string]any{"type": mdType(n)}

	switch t := n.(type) {
	case *ast.Heading:
		node["depth"] = t.Level
	case *ast.List:
		node["ordered"] = t.IsOrdered()
		if t.IsOrdered() {
			node["start"] = t.Start
		}
		node["spread"] = !t.IsTight
	case *ast.Text:
		node["value"] = string(t.Segment.Value(src))
		return node
	case *ast.String:
		node["value"] = string(t.Value)
		return node
	case *ast.CodeSpan:
		node["value"] = textContent(t, src)
		return node
	case *ast.FencedCodeBlock:
		if lang := t.Language(src); len(lang) > 0 {
			node["lang"] = string(lang)
		}
		node["value"] = blockLines(t, src)
		return node
	case *ast.CodeBlock:
		node["value"] = blockLines(t, src)
		return node
	case *ast.HTMLBlock:
		node["value"] = blockLines(t, src)
		return node
	case *ast.Link:
		node["url"] = string(t.Destination)
		if len(t.Title) > 0 {
			node["title"] = string(t.Title)
		}
	case *ast.Image:
		node["url"] = string(t.Destination)
		node["alt"] = textContent(t, src)
		return node
	case *ast.AutoLink:
		node["url"] = string(t.URL(src))
		return node
	}

	var children []any
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		children = append(children, mdNode(c, src))
	}
	if children != nil {
		node["children"] = children
	}
	return node
}

func mdType(n ast.Node) string {
	switch t := n.(type) {
	case *ast.Document:
		return "root"
	case *ast.TextBlock:
		return "paragraph"
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		return "code"
	case *ast.CodeSpan:
		return "inlineCode"
	case *ast.HTMLBlock, *ast.RawHTML:
		return "html"
	case *ast.AutoLink:
		return "link"
	case *ast.String:
		return "text"
	case *ast.Emphasis:
		if t.Level >= 2 {
			return "strong"
		}
		return "emphasis"
	}
	kind := n.Kind().String()
	if kind == "" {
		return "unknown"
	}
	return strings.ToLower(kind[:1]) + kind[1:]
}

func textContent(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(src))
		case *ast.String:
			buf.Write(t.Value)
		default:
			buf.WriteString(textContent(c, src))
		}
	}
	return buf.String()
}

func blockLines(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(src))
	}
	return strings.TrimRight(buf.String(), "\n")
}
