// Package persist records finished calls in the background, after the
// caller already has its response.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("persist queue full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("persist queue closed")
)

// Error is a failed persistence step. It is logged and counted, never
// returned to the caller of the original function.
type Error struct {
	Step        string
	Fingerprint string
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("persist %s for %s: %v", e.Step, e.Fingerprint, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Steps, as reported in Error.Step and the failure metric.
const (
	StepFunction   = "function"
	StepArgs       = "args"
	StepSchema     = "schema"
	StepResult     = "result"
	StepCallRecord = "call_record"
	StepFastPath   = "fast_path"
	StepGraph      = "graph"
	StepGeneration = "generation"
	StepEvent      = "event"
)

// Job kinds.
const (
	KindFresh = "fresh"
	KindEvent = "event"
)

// Job describes one call to record. Jobs for cache hits carry only the
// event fields and ActionID.
type Job struct {
	Kind         string
	Fingerprint  string
	FunctionName string
	FunctionType string
	Format       string
	Prompt       string

	Args       any
	ArgsHash   string
	Schema     any // raw schema; nil when the call had none
	SchemaHash string

	Result    any
	Reasoning string
	CacheTTL  time.Duration

	GenerationID string
	Request      any
	Response     json.RawMessage
	Status       string // success or error
	Duration     time.Duration

	ActionID string // existing CallRecord, set on cache hits
	Event    Event
}

// Event is the request context and latency recorded for every call.
type Event struct {
	Type     string // text or object
	Cached   bool
	Headers  map[string]string
	Seeds    any
	Callback any
	Latency  Latency
}

// Latency is the time spent in each stage of a call.
type Latency struct {
	Hash       time.Duration
	Lookup     time.Duration
	Generation time.Duration
	Total      time.Duration
}

func (l Latency) document() map[string]any {
	return map[string]any{
		"hashLatency":       l.Hash.Milliseconds(),
		"lookupLatency":     l.Lookup.Milliseconds(),
		"generationLatency": l.Generation.Milliseconds(),
		"totalLatency":      l.Total.Milliseconds(),
	}
}
