// Package graph mirrors executed calls into Neo4j as
// (Function)-[:PERFORMED]->(Action)-[:SUBJECT|OBJECT]->(Thing).
package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Call is one fresh call result to mirror.
type Call struct {
	Fingerprint string
	Function    string
	Format      string
	ArgsHash    string
	ResultHash  string
	Prompt      string
}

// Neo4j writes calls into a Neo4j database.
type Neo4j struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewNeo4j creates a driver for uri. An empty user connects without auth.
func NewNeo4j(uri, user, password string, logger *zap.Logger) (*Neo4j, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Neo4j{driver: driver, logger: logger}, nil
}

// Ping verifies the connection.
func (g *Neo4j) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// Close shuts down the driver.
func (g *Neo4j) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// EnsureConstraints creates the uniqueness constraints RecordCall merges on.
func (g *Neo4j) EnsureConstraints(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, stmt := range []string{
		`CREATE CONSTRAINT function_name IF NOT EXISTS FOR (f:Function) REQUIRE f.name IS UNIQUE`,
		`CREATE CONSTRAINT action_hash IF NOT EXISTS FOR (a:Action) REQUIRE a.hash IS UNIQUE`,
		`CREATE CONSTRAINT thing_hash IF NOT EXISTS FOR (t:Thing) REQUIRE t.hash IS UNIQUE`,
	} {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("create constraint: %w", err)
		}
	}
	return nil
}

// RecordCall merges the call's nodes and relationships. Re-recording the
// same fingerprint moves its OBJECT edge to the new result.
func (g *Neo4j) RecordCall(ctx context.Context, c *Call) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (f:Function {name: $function})
		   ON CREATE SET f.format = $format, f.created_at = datetime()
		 MERGE (a:Action {hash: $fingerprint})
		   ON CREATE SET a.created_at = datetime()
		 SET a.updated_at = datetime()
		 MERGE (f)-[:PERFORMED]->(a)
		 MERGE (s:Thing {hash: $argsHash})
		 MERGE (a)-[:SUBJECT]->(s)
		 WITH a
		 OPTIONAL MATCH (a)-[old:OBJECT]->(:Thing)
		 DELETE old
		 WITH a
		 MERGE (o:Thing {hash: $resultHash})
		   ON CREATE SET o.name = $prompt
		 MERGE (a)-[:OBJECT]->(o)`,
		map[string]any{
			"function":    c.Function,
			"format":      c.Format,
			"fingerprint": c.Fingerprint,
			"argsHash":    c.ArgsHash,
			"resultHash":  c.ResultHash,
			"prompt":      c.Prompt,
		})
	if err != nil {
		return fmt.Errorf("record call %s: %w", c.Fingerprint, err)
	}
	g.logger.Debug("call mirrored to graph",
		zap.String("function", c.Function), zap.String("fingerprint", c.Fingerprint))
	return nil
}

// Actions returns the fingerprints of every call recorded for function.
func (g *Neo4j) Actions(ctx context.Context, function string) ([]string, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Function {name: $function})-[:PERFORMED]->(a:Action)
		 RETURN a.hash ORDER BY a.created_at`,
		map[string]any{"function": function})
	if err != nil {
		return nil, fmt.Errorf("list actions of %s: %w", function, err)
	}

	var hashes []string
	for result.Next(ctx) {
		h, _ := result.Record().Get("a.hash")
		if s, ok := h.(string); ok {
			hashes = append(hashes, s)
		}
	}
	return hashes, result.Err()
}

// ResultOf returns the result hash currently linked to an action, or "".
func (g *Neo4j) ResultOf(ctx context.Context, fingerprint string) (string, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Action {hash: $fingerprint})-[:OBJECT]->(o:Thing) RETURN o.hash`,
		map[string]any{"fingerprint": fingerprint})
	if err != nil {
		return "", fmt.Errorf("result of %s: %w", fingerprint, err)
	}
	if result.Next(ctx) {
		h, _ := result.Record().Get("o.hash")
		s, _ := h.(string)
		return s, nil
	}
	return "", result.Err()
}
