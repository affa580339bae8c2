//go:build integration

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

func startPostgres(t *testing.T) *Postgres {
	t.Helper()
	ctx := context.Background()

	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("fnexec_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := NewPostgres(ctx, dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.Migrate(ctx, "../../migrations"))
	return s
}

func TestPostgres_Documents(t *testing.T) {
	ctx := context.Background()
	s := startPostgres(t)

	created, err := s.Create(ctx, Things, map[string]any{"hash": "h1", "data": map[string]any{"name": "Ada"}})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	docs, err := s.Find(ctx, Things, Filter{"hash": "h1"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, map[string]any{"name": "Ada"}, docs[0].Data["data"])

	docs, err = s.Find(ctx, Things, Filter{"id": created.ID})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	updated, err := s.Update(ctx, Things, created.ID, map[string]any{"name": "greet({})"})
	require.NoError(t, err)
	assert.Equal(t, "h1", updated.String("hash"))
	assert.Equal(t, "greet({})", updated.String("name"))

	_, err = s.Update(ctx, Things, "00000000-0000-0000-0000-000000000000", map[string]any{})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPostgres_UpsertConverges(t *testing.T) {
	ctx := context.Background()
	s := startPostgres(t)

	first, err := s.Upsert(ctx, Actions, Filter{"hash": "fp"}, map[string]any{"object": "r1"})
	require.NoError(t, err)
	second, err := s.Upsert(ctx, Actions, Filter{"hash": "fp"}, map[string]any{"object": "r2"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "r2", second.String("object"))
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))

	docs, err := s.Find(ctx, Actions, Filter{"hash": "fp"})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}
