package generate

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
	"go.uber.org/zap"
)

const codeInstruction = "Only respond with Typescript functions, starting with a defined type decorated with JSDoc, " +
	"followed by a Vitest unit test (assuming `describe`, `expect`, and `it` are already imported into scope), " +
	"and finally providing a well-documented implementation of the function."

var tsFenceRe = regexp.MustCompile("(?s)```(?:typescript|tsx?)\\b\\s*(.*?)```")

// CodeGenerator asks for a declaration, a unit test and an implementation,
// then inspects the TypeScript it gets back.
type CodeGenerator struct {
	base
}

func (g *CodeGenerator) Generate(ctx context.Context, in *Input) (*Output, error) {
	if strings.TrimSpace(in.Code) == "" {
		return nil, &ConfigError{Reason: fmt.Sprintf("function %q has no stored code", in.FunctionName)}
	}

	existing := "The function is currently defined as:\n```ts\n" + in.Code + "\n```"
	req := g.request(in, codeInstruction, existing, in.Settings.SystemPrompt)
	_, out, err := g.send(ctx, req)
	if err != nil {
		return nil, err
	}

	code := ExtractCode(out.Text)
	analysis, aerr := AnalyzeTypeScript(ctx, code)
	if aerr != nil {
		g.logger.Warn("typescript analysis failed",
			zap.String("function", in.FunctionName), zap.Error(aerr))
		analysis = &CodeAnalysis{Diagnostics: []Diagnostic{{Message: aerr.Error()}}}
		out.Degraded = true
	}
	out.Result = map[string]any{
		"code":        code,
		"functions":   analysis.Functions,
		"interfaces":  analysis.Interfaces,
		"types":       analysis.Types,
		"classes":     analysis.Classes,
		"diagnostics": analysis.Diagnostics,
	}
	return out, nil
}

// ExtractCode returns the first TypeScript fence, or the whole reply when
// there is none.
func ExtractCode(reply string) string {
	if m := tsFenceRe.FindStringSubmatch(reply); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(reply)
}

// Diagnostic is a syntax problem found in generated code.
type Diagnostic struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

// CodeAnalysis lists top-level declarations by kind.
type CodeAnalysis struct {
	Functions   []string     `json:"functions"`
	Interfaces  []string     `json:"interfaces"`
	Types       []string     `json:"types"`
	Classes     []string     `json:"classes"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// AnalyzeTypeScript parses code and collects declarations and syntax errors.
func AnalyzeTypeScript(ctx context.Context, code string) (*CodeAnalysis, error) {
	src := []byte(code)
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(typescript.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse typescript: %w", err)
	}
	defer tree.Close()

	a := &CodeAnalysis{
		Functions:   []string{},
		Interfaces:  []string{},
		Types:       []string{},
		Classes:     []string{},
		Diagnostics: []Diagnostic{},
	}
	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		a.declare(root.NamedChild(i), src)
	}
	collectDiagnostics(root, src, &a.Diagnostics)
	return a, nil
}

func (a *CodeAnalysis) declare(n *sitter.Node, src []byte) {
	if n == nil {
		return
	}
	if n.Type() == "export_statement" {
		a.declare(n.ChildByFieldName("declaration"), src)
		return
	}
	name := n.ChildByFieldName("name")
	if name == nil {
		return
	}
	switch n.Type() {
	case "function_declaration", "generator_function_declaration", "function_signature":
		a.Functions = append(a.Functions, name.Content(src))
	case "interface_declaration":
		a.Interfaces = append(a.Interfaces, name.Content(src))
	case "type_alias_declaration":
		a.Types = append(a.Types, name.Content(src))
	case "class_declaration", "abstract_class_declaration":
		a.Classes = append(a.Classes, name.Content(src))
	}
}

func collectDiagnostics(n *sitter.Node, src []byte, out *[]Diagnostic) {
	if n == nil || !n.HasError() && !n.IsMissing() {
		return
	}
	pos := n.StartPoint()
	switch {
	case n.IsMissing():
		*out = append(*out, Diagnostic{
			Line: int(pos.Row) + 1, Column: int(pos.Column) + 1,
			Message: fmt.Sprintf("missing %s", n.Type()),
		})
		return
	case n.IsError():
		*out = append(*out, Diagnostic{
			Line: int(pos.Row) + 1, Column: int(pos.Column) + 1,
			Message: fmt.Sprintf("syntax error near %q", snippet(n.Content(src))),
		})
		return
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		collectDiagnostics(n.Child(i), src, out)
	}
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}
