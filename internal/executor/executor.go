// Package executor runs function calls: fingerprint, cache lookup, dispatch
// to a generator, validation, then background persistence.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nidhogg/fnexec/internal/fingerprint"
	"github.com/nidhogg/fnexec/internal/generate"
	"github.com/nidhogg/fnexec/internal/metrics"
	"github.com/nidhogg/fnexec/internal/persist"
	"github.com/nidhogg/fnexec/internal/schema"
	"github.com/nidhogg/fnexec/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL bounds how long a stored result is served.
const DefaultCacheTTL = 24 * time.Hour

// DefaultInflightTimeout bounds a shared generation once its callers are gone.
const DefaultInflightTimeout = 2 * time.Minute

// Submitter accepts persistence jobs without blocking.
type Submitter interface {
	Submit(job *persist.Job) error
}

// Config tunes the engine.
type Config struct {
	CacheTTL        time.Duration
	DedupeInflight  bool
	InflightTimeout time.Duration
}

// Engine executes function calls.
type Engine struct {
	resolver   *resolver
	dispatcher *generate.Dispatcher
	persister  Submitter
	metrics    *metrics.Collector
	cfg        Config
	inflight   singleflight.Group
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithFastLookup consults f before the document store.
func WithFastLookup(f FastLookup) Option { return func(e *Engine) { e.resolver.fast = f } }

// WithMetrics records call metrics on m.
func WithMetrics(m *metrics.Collector) Option { return func(e *Engine) { e.metrics = m } }

// NewEngine wires an engine. s serves lookups, p receives persistence jobs.
func NewEngine(s store.Store, d *generate.Dispatcher, p Submitter, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.InflightTimeout <= 0 {
		cfg.InflightTimeout = DefaultInflightTimeout
	}
	e := &Engine{
		dispatcher: d,
		persister:  p,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
	e.resolver = &resolver{store: s, logger: logger, now: e.clock}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) clock() time.Time { return e.now() }

// call is the state of one Execute.
type call struct {
	req      *Request
	cc       *CallContext
	name     string
	args     any
	format   generate.Format
	keys     lookupKeys
	ttl      time.Duration
	start    time.Time
	latency  persist.Latency
	resolved *resolution
}

// Execute runs one call. Only input, fingerprint, configuration and gateway
// failures are returned; bad model output comes back annotated.
func (e *Engine) Execute(ctx context.Context, req *Request, cc *CallContext) (*Response, error) {
	c, err := e.prepare(req, cc)
	if err != nil {
		return nil, err
	}

	lookupStart := e.now()
	c.resolved = e.resolver.resolve(ctx, c.keys, c.ttl)
	c.latency.Lookup = e.now().Sub(lookupStart)

	if c.resolved.hit {
		return e.serveCached(c), nil
	}
	if c.resolved.expired {
		e.metrics.RecordCacheMiss("expired")
	} else {
		e.metrics.RecordCacheMiss("absent")
	}

	if e.cfg.DedupeInflight {
		return e.generateShared(ctx, c)
	}
	return e.generate(ctx, c)
}

type sharedResult struct {
	resp  *Response
	owner *call
}

// generateShared runs one generation per fingerprint. A cancelled caller
// stops waiting; the generation itself runs until InflightTimeout.
func (e *Engine) generateShared(ctx context.Context, c *call) (*Response, error) {
	ch := e.inflight.DoChan(c.keys.fingerprint, func() (any, error) {
		genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.InflightTimeout)
		defer cancel()
		resp, err := e.generate(genCtx, c)
		if err != nil {
			return nil, err
		}
		return &sharedResult{resp: resp, owner: c}, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		shared := res.Val.(*sharedResult)
		resp := *shared.resp
		if shared.owner != c {
			// Another caller generated this result; record this call as served.
			e.submitEvent(c, true)
			resp.Cached = true
			resp.GenerationHash = ""
		}
		return &resp, nil
	}
}

func (e *Engine) prepare(req *Request, cc *CallContext) (*call, error) {
	start := e.now()
	if cc == nil {
		cc = &CallContext{}
	}
	if cc.Seeds == nil {
		cc.Seeds = req.Seeds
	}
	if cc.Callback == nil {
		cc.Callback = req.Callback
	}

	name, args, err := req.normalize()
	if err != nil {
		return nil, err
	}

	format, err := generate.ResolveFormat(req.Type, req.Settings)
	if err != nil {
		return nil, err
	}

	fp, err := fingerprint.Fingerprint(name, args, req.Schema, req.fingerprintSettings())
	if err != nil {
		return nil, err
	}
	argsHash, err := fingerprint.ArgsHash(args)
	if err != nil {
		return nil, err
	}
	var schemaHash string
	if req.Schema != nil {
		if schemaHash, err = fingerprint.SchemaHash(req.Schema); err != nil {
			return nil, err
		}
	}

	return &call{
		req:    req,
		cc:     cc,
		name:   name,
		args:   args,
		format: format,
		keys: lookupKeys{
			function:    name,
			fingerprint: fp,
			argsHash:    argsHash,
			schemaHash:  schemaHash,
		},
		ttl:     e.cacheTTL(req.Settings),
		start:   start,
		latency: persist.Latency{Hash: e.now().Sub(start)},
	}, nil
}

// cacheTTL reads settings.cacheTTL (milliseconds) or falls back to config.
// A positive setting too small to represent leaves a zero TTL, which the
// resolver treats as already expired.
func (e *Engine) cacheTTL(settings map[string]any) time.Duration {
	switch v := settings["cacheTTL"].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Millisecond))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Millisecond
		}
	case string:
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	return e.cfg.CacheTTL
}

func (e *Engine) serveCached(c *call) *Response {
	e.metrics.RecordCacheHit(c.resolved.source)
	e.metrics.RecordCall(string(c.format), "hit")
	e.submitEvent(c, true)
	e.logger.Debug("cache hit",
		zap.String("function", c.name),
		zap.String("fingerprint", c.keys.fingerprint),
		zap.String("source", c.resolved.source))
	return &Response{
		Output:    c.resolved.output,
		Reasoning: c.resolved.reasoning,
		Cached:    true,
	}
}

func (e *Engine) generate(ctx context.Context, c *call) (*Response, error) {
	g, err := e.dispatcher.Select(c.format)
	if err != nil {
		return nil, err
	}

	compiled, schemaErr := e.compileSchema(c)
	in := &generate.Input{
		FunctionName: c.name,
		Args:         c.args,
		Schema:       compiled,
		Settings:     generate.SettingsFrom(c.req.Settings),
		Code:         c.resolved.code(),
	}

	genCtx := ctx
	if c.req.Timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, time.Duration(c.req.Timeout)*time.Millisecond)
		defer cancel()
	}

	genStart := e.now()
	out, err := g.Generate(genCtx, in)
	c.latency.Generation = e.now().Sub(genStart)
	if err != nil {
		var cfgErr *generate.ConfigError
		if !errors.As(err, &cfgErr) {
			e.metrics.RecordGateway(string(c.format), false, c.latency.Generation)
		}
		e.metrics.RecordCall(string(c.format), "error")
		e.logger.Error("generation failed",
			zap.String("function", c.name),
			zap.String("format", string(c.format)),
			zap.String("request_id", c.cc.RequestID),
			zap.Error(err))
		return nil, err
	}
	e.metrics.RecordGateway(string(c.format), true, out.Latency)

	output := out.Result
	if !out.Degraded {
		output = e.validate(c, compiled, schemaErr, output)
	}

	generationHash, err := fingerprint.Of(fmt.Sprintf("%s:%d", c.keys.fingerprint, e.now().UnixNano()))
	if err != nil {
		return nil, err
	}

	e.metrics.RecordCall(string(c.format), "miss")
	e.submitFresh(c, out, output, generationHash)
	return &Response{
		Output:         output,
		Reasoning:      out.Reasoning,
		GenerationHash: generationHash,
	}, nil
}

// compileSchema compiles the call's schema for the formats that use one.
func (e *Engine) compileSchema(c *call) (*schema.Object, error) {
	if c.req.Schema == nil || (c.format != generate.FormatObject && c.format != generate.FormatObjectArray) {
		return nil, nil
	}
	obj, err := schema.Compile(c.req.Schema)
	if err != nil {
		e.logger.Warn("schema did not compile",
			zap.String("function", c.name), zap.Error(err))
		return nil, err
	}
	return obj, nil
}

func (e *Engine) validate(c *call, obj *schema.Object, schemaErr error, result any) any {
	var validated any
	switch c.format {
	case generate.FormatObject:
		switch {
		case schemaErr != nil:
			validated = schema.WithError(result, schema.MsgInvalid, schemaErr)
		case obj != nil:
			validated = obj.Annotate(result)
		default:
			return result
		}
	case generate.FormatObjectArray:
		m, _ := result.(map[string]any)
		items, ok := m["items"].([]any)
		switch {
		case !ok:
			validated = schema.WithError(result, schema.MsgInvalidArray, errors.New("items is not an array"))
		case schemaErr != nil:
			validated = schema.WithError(result, schema.MsgInvalidArray, schemaErr)
		case obj != nil:
			validated = map[string]any{"items": obj.AnnotateEach(items)}
		default:
			return result
		}
	default:
		return result
	}
	if annotated(validated) {
		e.metrics.RecordValidationFailure(string(c.format))
	}
	return validated
}

func annotated(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	if _, ok := m[schema.ErrorKey]; ok {
		return true
	}
	items, _ := m["items"].([]any)
	for _, it := range items {
		if im, ok := it.(map[string]any); ok {
			if _, ok := im[schema.ErrorKey]; ok {
				return true
			}
		}
	}
	return false
}

func (e *Engine) submitFresh(c *call, out *generate.Output, output any, generationHash string) {
	status := "success"
	if out.Degraded {
		status = "error"
	}
	functionType := "Generation"
	if c.format == generate.FormatCode {
		functionType = "Code"
	}
	c.latency.Total = e.now().Sub(c.start)
	e.submit(&persist.Job{
		Kind:         persist.KindFresh,
		Fingerprint:  c.keys.fingerprint,
		FunctionName: c.name,
		FunctionType: functionType,
		Format:       string(c.format),
		Prompt:       prompt(c),
		Args:         c.args,
		ArgsHash:     c.keys.argsHash,
		Schema:       c.req.Schema,
		SchemaHash:   c.keys.schemaHash,
		Result:       output,
		Reasoning:    out.Reasoning,
		CacheTTL:     c.ttl,
		GenerationID: generationHash,
		Request:      out.Request,
		Response:     out.Response,
		Status:       status,
		Duration:     out.Latency,
		Event:        e.event(c, false),
	})
}

func (e *Engine) submitEvent(c *call, cached bool) {
	c.latency.Total = e.now().Sub(c.start)
	job := &persist.Job{
		Kind:         persist.KindEvent,
		Fingerprint:  c.keys.fingerprint,
		FunctionName: c.name,
		Event:        e.event(c, cached),
	}
	if c.resolved != nil && c.resolved.action != nil {
		job.ActionID = c.resolved.action.ID
	}
	e.submit(job)
}

func (e *Engine) event(c *call, cached bool) persist.Event {
	kind := "object"
	if c.format.IsText() {
		kind = "text"
	}
	return persist.Event{
		Type:     kind,
		Cached:   cached,
		Headers:  c.cc.Headers,
		Seeds:    c.cc.Seeds,
		Callback: c.cc.Callback,
		Latency:  c.latency,
	}
}

func (e *Engine) submit(job *persist.Job) {
	if e.persister == nil {
		return
	}
	if err := e.persister.Submit(job); err != nil {
		e.logger.Warn("persist job not queued",
			zap.String("kind", job.Kind),
			zap.String("fingerprint", job.Fingerprint),
			zap.Error(err))
	}
}

func prompt(c *call) string {
	return (&generate.Input{FunctionName: c.name, Args: c.args}).Prompt()
}
