package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nidhogg/fnexec/internal/executor"
	"github.com/nidhogg/fnexec/internal/fingerprint"
	"github.com/nidhogg/fnexec/internal/generate"
	"github.com/nidhogg/fnexec/internal/metrics"
	"github.com/nidhogg/fnexec/internal/persist"
	"github.com/nidhogg/fnexec/internal/provider"
	"github.com/nidhogg/fnexec/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type syncPersister struct{ w *persist.Writer }

func (p *syncPersister) Submit(job *persist.Job) error {
	p.w.Write(context.Background(), job)
	return nil
}

// newTestHandler wires a real engine over an in-memory store and a mock
// gateway that always answers content.
func newTestHandler(t *testing.T, content string) (*httptest.Server, *atomic.Int32, *store.Memory) {
	t.Helper()
	logger := zap.NewNop()

	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": content}}},
		})
	})
	llm := httptest.NewServer(mux)
	t.Cleanup(llm.Close)

	mem := store.NewMemory()
	client := provider.NewClient(provider.Config{Endpoint: llm.URL, APIKey: "sk-test"}, logger)
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector("fnexec_api_test", reg, logger)
	engine := executor.NewEngine(mem, generate.NewDispatcher(client, "", logger),
		&syncPersister{w: persist.NewWriter(mem, logger)}, executor.Config{}, logger, executor.WithMetrics(m))

	ts := httptest.NewServer(NewHandler(engine, m, reg, logger).Router())
	t.Cleanup(ts.Close)
	return ts, &calls, mem
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	ts, _, _ := newTestHandler(t, "")

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestExecute_TextCachedOnSecondCall(t *testing.T) {
	ts, calls, _ := newTestHandler(t, "Hello, Ada!")

	call := map[string]any{"functionName": "greet", "args": map[string]any{"name": "Ada"}, "type": "Text"}
	resp := postJSON(t, ts, "/api/execute", call)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var first executor.Response
	decodeJSON(t, resp, &first)
	if first.Output != "Hello, Ada!" || first.Cached {
		t.Fatalf("unexpected first response %+v", first)
	}

	var second executor.Response
	decodeJSON(t, postJSON(t, ts, "/api/execute", call), &second)
	if second.Output != first.Output || !second.Cached {
		t.Fatalf("unexpected second response %+v", second)
	}
	if calls.Load() != 1 {
		t.Errorf("gateway called %d times, want 1", calls.Load())
	}
}

func TestCallFunction_NameFromPath(t *testing.T) {
	ts, _, mem := newTestHandler(t, `{"city":"Paris"}`)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/functions/capital",
		strings.NewReader(`{"args":{"country":"France"},"schema":{"city":"the capital"}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-Trace", "t-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var body executor.Response
	decodeJSON(t, resp, &body)
	out, ok := body.Output.(map[string]any)
	if !ok || out["city"] != "Paris" {
		t.Fatalf("unexpected output %#v", body.Output)
	}

	events, err := mem.Find(context.Background(), store.Events, store.Filter{})
	if err != nil || len(events) != 1 {
		t.Fatalf("events = %d, err = %v", len(events), err)
	}
	headers := events[0].Data["request"].(map[string]any)["headers"].(map[string]any)
	if headers["x-trace"] != "t-1" {
		t.Errorf("x-trace header not captured: %v", headers)
	}
	if _, ok := headers["authorization"]; ok {
		t.Error("authorization header must not be recorded")
	}
}

func TestCallFunction_EmptyBody(t *testing.T) {
	ts, _, _ := newTestHandler(t, "ok")

	resp, err := http.Post(ts.URL+"/api/functions/ping", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestExecute_ErrorStatuses(t *testing.T) {
	ts, calls, _ := newTestHandler(t, "")

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed body", `{"functionName":`, http.StatusBadRequest},
		{"missing name", `{"args":{}}`, http.StatusBadRequest},
		{"human function", `{"functionName":"review","type":"Human"}`, http.StatusUnprocessableEntity},
		{"code without source", `{"functionName":"add","type":"Code"}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/execute", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			var body map[string]string
			decodeJSON(t, resp, &body)
			if resp.StatusCode != tc.want {
				t.Errorf("expected %d, got %d (%s)", tc.want, resp.StatusCode, body["error"])
			}
			if body["error"] == "" {
				t.Error("expected an error message")
			}
		})
	}
	if calls.Load() != 0 {
		t.Errorf("gateway called %d times, want 0", calls.Load())
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&executor.InputError{Reason: "x"}, http.StatusBadRequest},
		{&fingerprint.Error{What: "args", Err: errors.New("bad")}, http.StatusBadRequest},
		{&generate.ConfigError{Reason: "x"}, http.StatusUnprocessableEntity},
		{&provider.RequestError{StatusCode: 500}, http.StatusBadGateway},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%T) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _ := newTestHandler(t, "hi")
	postJSON(t, ts, "/api/execute", map[string]any{"functionName": "f", "type": "Text"}).Body.Close()

	resp := getJSON(t, ts, "/metrics")
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	body := string(raw)
	for _, want := range []string{"fnexec_api_test_calls_total", "fnexec_api_test_http_requests_total"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestMetrics_LabelsStayBounded(t *testing.T) {
	ts, _, _ := newTestHandler(t, `{"ok":true}`)
	for _, name := range []string{"alpha", "beta", "gamma"} {
		postJSON(t, ts, "/api/functions/"+name, map[string]any{}).Body.Close()
	}
	getJSON(t, ts, "/no/such/route").Body.Close()

	resp := getJSON(t, ts, "/metrics")
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	body := string(raw)

	for _, want := range []string{
		`fnexec_api_test_calls_total{format="Object",status="miss"} 3`,
		`route="/api/functions/{name}"`,
		`route="unmatched"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
	for _, name := range []string{"alpha", "beta", "gamma", "/no/such/route"} {
		if strings.Contains(body, name) {
			t.Errorf("metrics output leaks caller-supplied %q", name)
		}
	}
}

// stubGraph serves fixed call graph answers.
type stubGraph struct {
	calls   map[string][]string
	results map[string]string
}

func (g *stubGraph) Actions(_ context.Context, function string) ([]string, error) {
	return g.calls[function], nil
}

func (g *stubGraph) ResultOf(_ context.Context, fingerprint string) (string, error) {
	return g.results[fingerprint], nil
}

func TestCallGraphRoutes(t *testing.T) {
	g := &stubGraph{
		calls:   map[string][]string{"greet": {"fp1", "fp2"}},
		results: map[string]string{"fp1": "res1"},
	}
	h := NewHandler(nil, nil, prometheus.NewRegistry(), zap.NewNop()).WithCallGraph(g)
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	var calls struct {
		Function string   `json:"function"`
		Calls    []string `json:"calls"`
	}
	decodeJSON(t, getJSON(t, ts, "/api/functions/greet/calls"), &calls)
	if calls.Function != "greet" || len(calls.Calls) != 2 || calls.Calls[0] != "fp1" {
		t.Errorf("unexpected calls %+v", calls)
	}

	var empty map[string]any
	decodeJSON(t, getJSON(t, ts, "/api/functions/nobody/calls"), &empty)
	if got, ok := empty["calls"].([]any); !ok || len(got) != 0 {
		t.Errorf("expected an empty list, got %v", empty["calls"])
	}

	var result map[string]string
	decodeJSON(t, getJSON(t, ts, "/api/calls/fp1"), &result)
	if result["result"] != "res1" {
		t.Errorf("unexpected result %v", result)
	}

	resp := getJSON(t, ts, "/api/calls/missing")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCallGraphRoutes_Unconfigured(t *testing.T) {
	ts, _, _ := newTestHandler(t, "hi")
	resp := getJSON(t, ts, "/api/functions/greet/calls")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}
