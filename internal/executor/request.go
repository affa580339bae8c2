package executor

import (
	"fmt"
	"strings"
)

// DataFunctionName is used for calls that send only a data payload.
const DataFunctionName = "executeFunction"

// Request is one function call as sent by a client.
type Request struct {
	FunctionName string         `json:"functionName"`
	Args         any            `json:"args,omitempty"`
	Data         any            `json:"data,omitempty"`
	Schema       any            `json:"schema,omitempty"`
	Settings     map[string]any `json:"settings,omitempty"`
	Type         string         `json:"type,omitempty"`
	Seeds        any            `json:"seeds,omitempty"`
	Callback     any            `json:"callback,omitempty"`
	Timeout      int64          `json:"timeout,omitempty"` // generation deadline in ms
}

// Response is what the caller gets back.
type Response struct {
	Output         any    `json:"output"`
	Reasoning      string `json:"reasoning,omitempty"`
	Cached         bool   `json:"cached,omitempty"`
	GenerationHash string `json:"generationHash,omitempty"`
}

// CallContext is the per-request context threaded through a call and
// recorded on its event.
type CallContext struct {
	RequestID string
	Headers   map[string]string
	Seeds     any
	Callback  any
}

// InputError is a request that cannot be executed as sent.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string { return "invalid input: " + e.Reason }

// normalize resolves the function name and args of r.
func (r *Request) normalize() (string, any, error) {
	name := strings.TrimSpace(r.FunctionName)
	args := r.Args
	if name == "" {
		if r.Data == nil {
			return "", nil, &InputError{Reason: "functionName is required"}
		}
		name = DataFunctionName
		if args == nil {
			args = r.Data
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	if r.Timeout < 0 {
		return "", nil, &InputError{Reason: fmt.Sprintf("timeout must not be negative, got %d", r.Timeout)}
	}
	return name, args, nil
}

// fingerprintSettings is the settings object that takes part in the
// fingerprint. An explicit type overrides settings.type there too, so the
// same call in two formats never shares a cache entry.
func (r *Request) fingerprintSettings() map[string]any {
	if r.Type == "" {
		return r.Settings
	}
	s := make(map[string]any, len(r.Settings)+1)
	for k, v := range r.Settings {
		s[k] = v
	}
	s["type"] = r.Type
	return s
}
