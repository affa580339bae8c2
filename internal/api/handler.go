package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/fnexec/internal/executor"
	"github.com/nidhogg/fnexec/internal/fingerprint"
	"github.com/nidhogg/fnexec/internal/generate"
	"github.com/nidhogg/fnexec/internal/metrics"
	"github.com/nidhogg/fnexec/internal/provider"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Executor runs one function call.
type Executor interface {
	Execute(ctx context.Context, req *executor.Request, cc *executor.CallContext) (*executor.Response, error)
}

// CallGraph answers read queries over recorded calls.
type CallGraph interface {
	Actions(ctx context.Context, function string) ([]string, error)
	ResultOf(ctx context.Context, fingerprint string) (string, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	exec     Executor
	graph    CallGraph
	metrics  *metrics.Collector
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewHandler creates a new API handler. gatherer backs /metrics and
// defaults to the global registry.
func NewHandler(exec Executor, m *metrics.Collector, gatherer prometheus.Gatherer, logger *zap.Logger) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{exec: exec, metrics: m, gatherer: gatherer, logger: logger}
}

// WithCallGraph enables the call graph routes.
func (h *Handler) WithCallGraph(g CallGraph) *Handler {
	h.graph = g
	return h
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(h.instrument)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Post("/execute", h.execute)
		r.Post("/functions/{name}", h.callFunction)
		r.Get("/functions/{name}/calls", h.functionCalls)
		r.Get("/calls/{fingerprint}", h.callResult)
	})
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "fnexec"})
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request) {
	var req executor.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return
	}
	h.run(w, r, &req)
}

// callFunction takes the function name from the path and the rest of the
// call from the body.
func (h *Handler) callFunction(w http.ResponseWriter, r *http.Request) {
	var req executor.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return
	}
	req.FunctionName = chi.URLParam(r, "name")
	h.run(w, r, &req)
}

func (h *Handler) functionCalls(w http.ResponseWriter, r *http.Request) {
	if h.graph == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "call graph not configured"})
		return
	}
	name := chi.URLParam(r, "name")
	calls, err := h.graph.Actions(r.Context(), name)
	if err != nil {
		h.logger.Error("list calls failed", zap.String("function", name), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if calls == nil {
		calls = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"function": name, "calls": calls})
}

func (h *Handler) callResult(w http.ResponseWriter, r *http.Request) {
	if h.graph == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "call graph not configured"})
		return
	}
	fp := chi.URLParam(r, "fingerprint")
	result, err := h.graph.ResultOf(r.Context(), fp)
	if err != nil {
		h.logger.Error("call lookup failed", zap.String("fingerprint", fp), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if result == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "call not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fingerprint": fp, "result": result})
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request, req *executor.Request) {
	cc := &executor.CallContext{
		RequestID: middleware.GetReqID(r.Context()),
		Headers:   captureHeaders(r.Header),
	}
	resp, err := h.exec.Execute(r.Context(), req, cc)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("execute failed",
				zap.String("function", req.FunctionName),
				zap.String("request_id", cc.RequestID),
				zap.Error(err))
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		inErr  *executor.InputError
		fpErr  *fingerprint.Error
		cfgErr *generate.ConfigError
		reqErr *provider.RequestError
	)
	switch {
	case errors.As(err, &inErr), errors.As(err, &fpErr):
		return http.StatusBadRequest
	case errors.As(err, &cfgErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &reqErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Credentials are never recorded on events.
var skippedHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"set-cookie":    true,
}

func captureHeaders(hdr http.Header) map[string]string {
	out := make(map[string]string, len(hdr))
	for k, v := range hdr {
		key := strings.ToLower(k)
		if skippedHeaders[key] || len(v) == 0 {
			continue
		}
		out[key] = v[0]
	}
	return out
}

func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		h.metrics.RecordHTTPRequest(r.Method, route, ww.Status(), time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
