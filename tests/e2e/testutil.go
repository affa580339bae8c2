//go:build integration

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"

	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/fnexec/internal/cache"
	"github.com/nidhogg/fnexec/internal/graph"
	"github.com/nidhogg/fnexec/internal/store"
)

// Package-level shared state, set by TestMain and used by all tests.
var (
	testLogger  *zap.Logger
	testPGStore *store.Postgres
	testCache   *cache.Redis
	testGraph   *graph.Neo4j
	testLLM     *stubGateway
)

// startNeo4j starts a Neo4j testcontainer, returns URI + cleanup func.
func startNeo4j(ctx context.Context) (string, func(), error) {
	container, err := tcneo4j.Run(ctx, "neo4j:5-community",
		tcneo4j.WithoutAuthentication(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start neo4j: %w", err)
	}
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("neo4j bolt url: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return uri, cleanup, nil
}

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("fnexec_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

// stubGateway is an OpenAI-compatible endpoint whose reply is chosen by
// the function name in the prompt.
type stubGateway struct {
	srv     *httptest.Server
	calls   atomic.Int32
	replies map[string]string
}

func newStubGateway(replies map[string]string) *stubGateway {
	g := &stubGateway{replies: replies}
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		g.calls.Add(1)
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		content := "ok"
		if n := len(req.Messages); n > 0 {
			prompt := req.Messages[n-1].Content
			for name, reply := range g.replies {
				if len(prompt) > len(name) && prompt[:len(name)+1] == name+"(" {
					content = reply
				}
			}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": "gen-e2e",
			"choices": []any{map[string]any{
				"message":       map[string]any{"role": "assistant", "content": content, "reasoning": "stub"},
				"finish_reason": "stop",
			}},
		})
	})
	g.srv = httptest.NewServer(mux)
	return g
}
