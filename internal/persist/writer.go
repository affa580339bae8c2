package persist

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nidhogg/fnexec/internal/cache"
	"github.com/nidhogg/fnexec/internal/fingerprint"
	"github.com/nidhogg/fnexec/internal/graph"
	"github.com/nidhogg/fnexec/internal/metrics"
	"github.com/nidhogg/fnexec/internal/store"
	"go.uber.org/zap"
)

// FastPath receives fresh results for quick lookup by fingerprint.
type FastPath interface {
	Set(ctx context.Context, fingerprint string, e *cache.Entry, ttl time.Duration) error
}

// GraphSink mirrors fresh calls into a graph.
type GraphSink interface {
	RecordCall(ctx context.Context, c *graph.Call) error
}

// Writer runs the persistence steps of a job against the store and the
// optional fast path and graph sink.
type Writer struct {
	store   store.Store
	fast    FastPath
	graph   GraphSink
	metrics *metrics.Collector
	onError func(*Error)
	logger  *zap.Logger
	now     func() time.Time
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithFastPath also writes fresh results to f.
func WithFastPath(f FastPath) WriterOption { return func(w *Writer) { w.fast = f } }

// WithGraph also mirrors fresh calls to g.
func WithGraph(g GraphSink) WriterOption { return func(w *Writer) { w.graph = g } }

// WithMetrics counts step failures on m.
func WithMetrics(m *metrics.Collector) WriterOption { return func(w *Writer) { w.metrics = m } }

// WithErrorSink hands every step failure to fn as well as the log.
func WithErrorSink(fn func(*Error)) WriterOption { return func(w *Writer) { w.onError = fn } }

// NewWriter creates a Writer over s.
func NewWriter(s store.Store, logger *zap.Logger, opts ...WriterOption) *Writer {
	w := &Writer{store: s, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write runs every step of job. A failed step is reported and the rest
// still run; the number of failed steps is returned.
func (w *Writer) Write(ctx context.Context, job *Job) int {
	if job.Kind == KindEvent {
		return w.fail(job, StepEvent, w.writeEvent(ctx, job, job.ActionID))
	}

	failed := 0
	functionID, err := w.ensureFunction(ctx, job)
	failed += w.fail(job, StepFunction, err)

	argsID, err := w.upsertThing(ctx, job.ArgsHash, map[string]any{"data": job.Args})
	failed += w.fail(job, StepArgs, err)

	var schemaID string
	if job.Schema != nil {
		schemaID, err = w.upsertID(ctx, store.Types, store.Filter{"hash": job.SchemaHash}, map[string]any{"data": job.Schema})
		failed += w.fail(job, StepSchema, err)
	}

	resultHash, err := fingerprint.Of(job.Result)
	var resultID string
	if err == nil {
		resultID, err = w.ensureResult(ctx, resultHash, job)
	}
	failed += w.fail(job, StepResult, err)

	now := w.now().UTC()
	action := map[string]any{
		"function":  functionID,
		"subject":   argsID,
		"reasoning": job.Reasoning,
		"createdAt": now.Format(time.RFC3339Nano),
	}
	if resultID != "" {
		action["object"] = resultID
	}
	if schemaID != "" {
		action["schema"] = schemaID
	}
	actionID, err := w.upsertID(ctx, store.Actions, store.Filter{"hash": job.Fingerprint}, action)
	failed += w.fail(job, StepCallRecord, err)

	if w.fast != nil {
		err := w.fast.Set(ctx, job.Fingerprint, &cache.Entry{
			Output:    job.Result,
			Reasoning: job.Reasoning,
			CreatedAt: now,
		}, job.CacheTTL)
		failed += w.fail(job, StepFastPath, err)
	}

	if w.graph != nil && resultHash != "" {
		err := w.graph.RecordCall(ctx, &graph.Call{
			Fingerprint: job.Fingerprint,
			Function:    job.FunctionName,
			Format:      job.Format,
			ArgsHash:    job.ArgsHash,
			ResultHash:  resultHash,
			Prompt:      job.Prompt,
		})
		failed += w.fail(job, StepGraph, err)
	}

	failed += w.fail(job, StepGeneration, w.writeGeneration(ctx, job, actionID))
	failed += w.fail(job, StepEvent, w.writeEvent(ctx, job, actionID))
	return failed
}

func (w *Writer) ensureFunction(ctx context.Context, job *Job) (string, error) {
	doc, err := store.FindOne(ctx, w.store, store.Functions, store.Filter{"name": job.FunctionName})
	if err != nil {
		return "", err
	}
	if doc != nil {
		return doc.ID, nil
	}
	return w.upsertID(ctx, store.Functions, store.Filter{"name": job.FunctionName}, map[string]any{
		"type":   job.FunctionType,
		"format": job.Format,
	})
}

// ensureResult keeps the first snapshot of a result. Another call producing
// the same result reuses it without renaming it.
func (w *Writer) ensureResult(ctx context.Context, hash string, job *Job) (string, error) {
	doc, err := store.FindOne(ctx, w.store, store.Things, store.Filter{"hash": hash})
	if err != nil {
		return "", err
	}
	if doc != nil {
		return doc.ID, nil
	}
	return w.upsertThing(ctx, hash, map[string]any{"name": job.Prompt, "data": job.Result})
}

func (w *Writer) upsertThing(ctx context.Context, hash string, data map[string]any) (string, error) {
	return w.upsertID(ctx, store.Things, store.Filter{"hash": hash}, data)
}

func (w *Writer) upsertID(ctx context.Context, collection string, filter store.Filter, data map[string]any) (string, error) {
	doc, err := w.store.Upsert(ctx, collection, filter, data)
	if err != nil {
		return "", err
	}
	return doc.ID, nil
}

// The generation hash is the record's identity, stored under "hash".
func (w *Writer) writeGeneration(ctx context.Context, job *Job, actionID string) error {
	_, err := w.store.Upsert(ctx, store.Generations, store.Filter{"hash": job.GenerationID}, map[string]any{
		"action":   actionID,
		"request":  job.Request,
		"response": rawDocument(job.Response),
		"status":   job.Status,
		"duration": job.Duration.Milliseconds(),
	})
	return err
}

func (w *Writer) writeEvent(ctx context.Context, job *Job, actionID string) error {
	_, err := w.store.Create(ctx, store.Events, map[string]any{
		"action": actionID,
		"hash":   job.Fingerprint,
		"request": map[string]any{
			"headers":  job.Event.Headers,
			"seeds":    job.Event.Seeds,
			"callback": job.Event.Callback,
		},
		"meta": map[string]any{
			"type":    job.Event.Type,
			"cached":  job.Event.Cached,
			"latency": job.Event.Latency.document(),
		},
	})
	return err
}

// fail reports err for step and returns 1, or 0 when err is nil.
func (w *Writer) fail(job *Job, step string, err error) int {
	if err == nil {
		return 0
	}
	perr := &Error{Step: step, Fingerprint: job.Fingerprint, Err: err}
	w.logger.Error("persist step failed",
		zap.String("step", step),
		zap.String("function", job.FunctionName),
		zap.String("fingerprint", job.Fingerprint),
		zap.Error(err))
	w.metrics.RecordPersistFailure(step)
	if w.onError != nil {
		w.onError(perr)
	}
	return 1
}

// rawDocument keeps a gateway body as JSON when it parses, else as text.
func rawDocument(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
