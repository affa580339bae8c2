//go:build integration

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nidhogg/fnexec/internal/api"
	"github.com/nidhogg/fnexec/internal/cache"
	"github.com/nidhogg/fnexec/internal/executor"
	"github.com/nidhogg/fnexec/internal/fingerprint"
	"github.com/nidhogg/fnexec/internal/generate"
	"github.com/nidhogg/fnexec/internal/graph"
	"github.com/nidhogg/fnexec/internal/metrics"
	"github.com/nidhogg/fnexec/internal/persist"
	"github.com/nidhogg/fnexec/internal/provider"
	"github.com/nidhogg/fnexec/internal/store"
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	// 1. Start Neo4j
	neo4jURI, neo4jCleanup, err := startNeo4j(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "neo4j: %v\n", err)
		os.Exit(1)
	}
	testGraph, err = graph.NewNeo4j(neo4jURI, "", "", testLogger)
	if err == nil {
		err = testGraph.EnsureConstraints(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "graph: %v\n", err)
		os.Exit(1)
	}

	// 2. Start PostgreSQL
	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	testPGStore, err = store.NewPostgres(ctx, pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		os.Exit(1)
	}
	if err := testPGStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	// 3. Start Redis
	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	testCache, err = cache.NewRedis(ctx, redisURL, time.Hour, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis cache: %v\n", err)
		os.Exit(1)
	}

	testLLM = newStubGateway(map[string]string{
		"greet":  "Hello, Ada!",
		"cities": `{"items":[{"name":"Paris","population":"2.1M"},{"name":"Atlantis"}]}`,
	})

	code := m.Run()

	testLLM.srv.Close()
	testCache.Close()
	testPGStore.Close()
	testGraph.Close(ctx)
	redisCleanup()
	pgCleanup()
	neo4jCleanup()
	os.Exit(code)
}

// newStack wires the full engine against the shared containers. The
// returned close func drains the persistence queue.
func newStack(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector("fnexec_e2e", reg, testLogger)

	w := persist.NewWriter(testPGStore, testLogger,
		persist.WithFastPath(testCache), persist.WithGraph(testGraph), persist.WithMetrics(m))
	q := persist.NewQueue(w, persist.Config{Workers: 2, QueueSize: 64}, m, testLogger)

	client := provider.NewClient(provider.Config{Endpoint: testLLM.srv.URL, APIKey: "sk-e2e"}, testLogger)
	engine := executor.NewEngine(testPGStore, generate.NewDispatcher(client, "", testLogger), q,
		executor.Config{}, testLogger, executor.WithFastLookup(testCache), executor.WithMetrics(m))

	ts := httptest.NewServer(api.NewHandler(engine, m, reg, testLogger).WithCallGraph(testGraph).Router())
	drain := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := q.Close(ctx); err != nil {
			t.Errorf("drain: %v", err)
		}
	}
	t.Cleanup(ts.Close)
	return ts, drain
}

func execute(t *testing.T, ts *httptest.Server, body map[string]any) executor.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+"/api/execute", "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST /api/execute: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out executor.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestGreet_PersistsAndServesFromCache(t *testing.T) {
	ctx := context.Background()
	call := map[string]any{"functionName": "greet", "args": map[string]any{"name": "Ada"}, "type": "Text"}

	ts, drain := newStack(t)
	before := testLLM.calls.Load()
	first := execute(t, ts, call)
	drain()
	if first.Output != "Hello, Ada!" || first.Cached {
		t.Fatalf("unexpected first response %+v", first)
	}

	fp, err := fingerprint.Fingerprint("greet", map[string]any{"name": "Ada"}, nil, map[string]any{"type": "Text"})
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}

	// Document store
	action, err := store.FindOne(ctx, testPGStore, store.Actions, store.Filter{"hash": fp})
	if err != nil || action == nil {
		t.Fatalf("call record not stored: %v", err)
	}
	if action.String("object") == "" {
		t.Error("call record has no result")
	}
	gen, err := store.FindOne(ctx, testPGStore, store.Generations, store.Filter{"hash": first.GenerationHash})
	if err != nil || gen == nil {
		t.Fatalf("generation record not stored: %v", err)
	}

	// Fast path
	entry, err := testCache.Get(ctx, fp)
	if err != nil || entry == nil || entry.Output != "Hello, Ada!" {
		t.Fatalf("fast path entry = %+v, err = %v", entry, err)
	}

	// Graph mirror
	actions, err := testGraph.Actions(ctx, "greet")
	if err != nil {
		t.Fatalf("graph actions: %v", err)
	}
	if len(actions) == 0 {
		t.Error("call not mirrored to graph")
	}
	resp, err := http.Get(ts.URL + "/api/calls/" + fp)
	if err != nil {
		t.Fatalf("GET /api/calls: %v", err)
	}
	var linked map[string]string
	json.NewDecoder(resp.Body).Decode(&linked)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || linked["result"] == "" {
		t.Errorf("call result not linked in graph: %d %v", resp.StatusCode, linked)
	}

	// A fresh stack serves the stored result without generating.
	ts2, drain2 := newStack(t)
	second := execute(t, ts2, call)
	drain2()
	if !second.Cached || second.Output != first.Output || second.Reasoning != first.Reasoning {
		t.Fatalf("unexpected cached response %+v", second)
	}
	if got := testLLM.calls.Load() - before; got != 1 {
		t.Errorf("gateway called %d times, want 1", got)
	}

	events, err := testPGStore.Find(ctx, store.Events, store.Filter{"hash": fp})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events, got %d", len(events))
	}
}

func TestObjectArray_ItemIsolation(t *testing.T) {
	ts, drain := newStack(t)
	defer drain()

	out := execute(t, ts, map[string]any{
		"functionName": "cities",
		"type":         "ObjectArray",
		"schema":       map[string]any{"name": "string", "population": "string"},
	})
	items := out.Output.(map[string]any)["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if _, bad := items[0].(map[string]any)["_validation_error"]; bad {
		t.Error("first item should be valid")
	}
	if _, bad := items[1].(map[string]any)["_validation_error"]; !bad {
		t.Error("second item should carry a validation error")
	}
}
