package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ErrorKey is the field added to results that fail validation.
const ErrorKey = "_validation_error"

// Messages attached under ErrorKey.
const (
	MsgInvalid      = "Failed to validate against schema"
	MsgInvalidArray = "Failed to validate array against schema"
)

// Issue is a single validation problem.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError lists every issue found in a candidate.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		if is.Path == "" {
			parts[i] = is.Message
			continue
		}
		parts[i] = is.Path + ": " + is.Message
	}
	return strings.Join(parts, "; ")
}

// Validate checks v and returns the parsed value. Parsing keeps only the
// declared keys of each record.
func (o *Object) Validate(v any) (any, error) {
	out, issues := o.validate("", v)
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return out, nil
}

// Annotate validates candidate. On success the parsed value is returned;
// on failure the original candidate comes back with ErrorKey attached.
func (o *Object) Annotate(candidate any) any {
	out, err := o.Validate(candidate)
	if err != nil {
		return WithError(candidate, MsgInvalid, err)
	}
	return out
}

// AnnotateEach validates every element on its own, so one bad element
// leaves its siblings untouched.
func (o *Object) AnnotateEach(items []any) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = o.Annotate(item)
	}
	return out
}

// WithError attaches a validation error to candidate. Records get a copy
// with the extra key; any other value is wrapped under "value".
func WithError(candidate any, message string, err error) any {
	detail := map[string]any{"message": message, "details": err.Error()}
	if m, ok := candidate.(map[string]any); ok {
		cp := make(map[string]any, len(m)+1)
		for k, v := range m {
			cp[k] = v
		}
		cp[ErrorKey] = detail
		return cp
	}
	return map[string]any{"value": candidate, ErrorKey: detail}
}

func (s *String) validate(path string, v any) (any, []Issue) {
	if _, ok := v.(string); !ok {
		return nil, []Issue{{Path: path, Message: fmt.Sprintf("expected string, received %s", typeName(v))}}
	}
	return v, nil
}

func (e *Enum) validate(path string, v any) (any, []Issue) {
	str, ok := v.(string)
	if !ok {
		return nil, []Issue{{Path: path, Message: fmt.Sprintf("expected one of %s, received %s", e.quoted(), typeName(v))}}
	}
	for _, opt := range e.Options {
		if str == opt {
			return str, nil
		}
	}
	return nil, []Issue{{Path: path, Message: fmt.Sprintf("invalid enum value %q, expected one of %s", str, e.quoted())}}
}

func (e *Enum) quoted() string {
	q := make([]string, len(e.Options))
	for i, o := range e.Options {
		q[i] = fmt.Sprintf("%q", o)
	}
	return strings.Join(q, " | ")
}

func (a *Array) validate(path string, v any) (any, []Issue) {
	list, ok := v.([]any)
	if !ok {
		return nil, []Issue{{Path: path, Message: fmt.Sprintf("expected array, received %s", typeName(v))}}
	}
	out := make([]any, len(list))
	var issues []Issue
	for i, el := range list {
		parsed, errs := a.Elem.validate(fmt.Sprintf("%s[%d]", path, i), el)
		issues = append(issues, errs...)
		out[i] = parsed
	}
	return out, issues
}

func (o *Object) validate(path string, v any) (any, []Issue) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, []Issue{{Path: path, Message: fmt.Sprintf("expected object, received %s", typeName(v))}}
	}
	out := make(map[string]any, len(o.Keys))
	var issues []Issue
	for _, k := range o.Keys {
		child := joinPath(path, k)
		val, present := m[k]
		if !present || val == nil {
			issues = append(issues, Issue{Path: child, Message: "required"})
			continue
		}
		parsed, errs := o.Fields[k].validate(child, val)
		issues = append(issues, errs...)
		out[k] = parsed
	}
	return out, issues
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, int32, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
