// Package schema compiles the descriptive schema grammar into a validator tree.
//
// The grammar is an object whose leaves describe fields:
//
//	"a short description"        string field
//	"happy | sad | neutral"      enum of the listed strings
//	["description"]              array of strings
//	[{ ...nested grammar... }]   array of records
//	{ ...nested grammar... }     nested record
//
// Anything else compiles to a plain string field.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
)

// EnumSeparator turns a description into an enum source.
const EnumSeparator = " | "

// Kind tags the variants of Field.
type Kind int

const (
	KindString Kind = iota
	KindEnum
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindEnum:
		return "enum"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return "unknown"
}

// Field is one node of a compiled schema.
type Field interface {
	Kind() Kind
	validate(path string, v any) (any, []Issue)
	jsonSchema() *jsonschema.Schema
}

// String accepts any string value.
type String struct {
	Description string
}

// Enum accepts one of a fixed set of strings.
type Enum struct {
	Description string
	Options     []string
}

// Array accepts a list whose elements all match Elem.
type Array struct {
	Elem Field
}

// Object accepts a record with every declared key present.
type Object struct {
	Keys   []string // sorted
	Fields map[string]Field
}

func (*String) Kind() Kind { return KindString }
func (*Enum) Kind() Kind   { return KindEnum }
func (*Array) Kind() Kind  { return KindArray }
func (*Object) Kind() Kind { return KindObject }

// Compile builds the validator tree for a schema object.
func Compile(schema any) (*Object, error) {
	m, ok := schema.(map[string]any)
	if !ok {
		var err error
		if m, err = asObject(schema); err != nil {
			return nil, err
		}
	}
	return compileObject(m), nil
}

func asObject(v any) (map[string]any, error) {
	if v == nil {
		return nil, fmt.Errorf("compile schema: schema is empty")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil, fmt.Errorf("compile schema: expected an object, got %T", v)
	}
	return m, nil
}

func compileObject(m map[string]any) *Object {
	obj := &Object{
		Keys:   make([]string, 0, len(m)),
		Fields: make(map[string]Field, len(m)),
	}
	for k := range m {
		obj.Keys = append(obj.Keys, k)
	}
	sort.Strings(obj.Keys)
	for _, k := range obj.Keys {
		obj.Fields[k] = compileLeaf(m[k])
	}
	return obj
}

func compileLeaf(v any) Field {
	switch t := v.(type) {
	case string:
		if strings.Contains(t, EnumSeparator) {
			parts := strings.Split(t, EnumSeparator)
			opts := make([]string, 0, len(parts))
			for _, p := range parts {
				opts = append(opts, strings.TrimSpace(p))
			}
			return &Enum{Description: t, Options: opts}
		}
		return &String{Description: t}
	case []any:
		if len(t) == 0 {
			return &Array{Elem: &String{}}
		}
		switch tmpl := t[0].(type) {
		case string:
			return &Array{Elem: &String{Description: tmpl}}
		case map[string]any:
			return &Array{Elem: compileObject(tmpl)}
		}
		return &Array{Elem: &String{}}
	case map[string]any:
		return compileObject(t)
	}
	return &String{}
}

// JSONSchema renders the tree as an OpenAPI-style JSON Schema. It is
// embedded in generation prompts to shape the model's output.
func (o *Object) JSONSchema() *jsonschema.Schema {
	return o.jsonSchema()
}

func (s *String) jsonSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: s.Description}
}

func (e *Enum) jsonSchema() *jsonschema.Schema {
	opts := make([]any, len(e.Options))
	for i, o := range e.Options {
		opts[i] = o
	}
	return &jsonschema.Schema{Type: "string", Description: e.Description, Enum: opts}
}

func (a *Array) jsonSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Items: a.Elem.jsonSchema()}
}

func (o *Object) jsonSchema() *jsonschema.Schema {
	s := &jsonschema.Schema{
		Type:       "object",
		Properties: jsonschema.NewProperties(),
		Required:   append([]string(nil), o.Keys...),
	}
	for _, k := range o.Keys {
		s.Properties.Set(k, o.Fields[k].jsonSchema())
	}
	return s
}
