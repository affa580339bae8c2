package generate

import (
	"fmt"

	"go.uber.org/zap"
)

// Format is the declared output shape of a function.
type Format string

const (
	FormatObject      Format = "Object"
	FormatObjectArray Format = "ObjectArray"
	FormatText        Format = "Text"
	FormatTextArray   Format = "TextArray"
	FormatMarkdown    Format = "Markdown"
	FormatCode        Format = "Code"
)

// Function types that are recognised but have no generation strategy here.
const (
	TypeHuman = "Human"
	TypeAgent = "Agent"
)

// IsText reports whether results of f are text rather than records.
func (f Format) IsText() bool {
	return f == FormatText || f == FormatMarkdown || f == FormatTextArray
}

// ConfigError is a call that cannot be dispatched as configured.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "configuration error: " + e.Reason }

// ResolveFormat picks the effective format: the explicit type, then
// settings.type, then Object.
func ResolveFormat(explicit string, settings map[string]any) (Format, error) {
	name := explicit
	if name == "" && settings != nil {
		name, _ = settings["type"].(string)
	}
	switch Format(name) {
	case "":
		return FormatObject, nil
	case FormatObject, FormatObjectArray, FormatText, FormatTextArray, FormatMarkdown, FormatCode:
		return Format(name), nil
	}
	if name == TypeHuman || name == TypeAgent {
		return "", &ConfigError{Reason: fmt.Sprintf("%s functions are not handled by the generation engine", name)}
	}
	return "", &ConfigError{Reason: fmt.Sprintf("unknown function type %q", name)}
}

// Dispatcher routes a format to its generator.
type Dispatcher struct {
	object      Generator
	objectArray Generator
	text        Generator
	markdown    Generator
	textArray   Generator
	code        Generator
}

// NewDispatcher wires every generator to the same gateway.
func NewDispatcher(chat Chatter, defaultModel string, logger *zap.Logger) *Dispatcher {
	b := base{chat: chat, defaultModel: defaultModel, logger: logger}
	md := &MarkdownGenerator{base: b}
	return &Dispatcher{
		object:      &ObjectGenerator{base: b},
		objectArray: &ObjectArrayGenerator{base: b},
		text:        &TextGenerator{base: b},
		markdown:    md,
		textArray:   &TextArrayGenerator{markdown: md},
		code:        &CodeGenerator{base: b},
	}
}

// Select returns the generator for f.
func (d *Dispatcher) Select(f Format) (Generator, error) {
	switch f {
	case FormatCode:
		return d.code, nil
	case FormatText:
		return d.text, nil
	case FormatMarkdown:
		return d.markdown, nil
	case FormatTextArray:
		return d.textArray, nil
	case FormatObjectArray:
		return d.objectArray, nil
	case FormatObject, "":
		return d.object, nil
	}
	return nil, &ConfigError{Reason: fmt.Sprintf("no generator for format %q", f)}
}
