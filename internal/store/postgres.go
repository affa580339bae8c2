package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/fnexec/internal/fingerprint"
	"go.uber.org/zap"
)

// Postgres keeps every collection in one JSONB documents table.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres connects a pgx pool and checks it with a ping.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Postgres{db: pool, logger: logger}, nil
}

// Migrate executes every *.up.sql file in dir in name order.
func (s *Postgres) Migrate(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Close shuts down the connection pool.
func (s *Postgres) Close() {
	s.db.Close()
}

const documentColumns = `id, collection, data, created_at, updated_at`

func (s *Postgres) Find(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	id, contains, err := splitFilter(filter)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + documentColumns + ` FROM documents
		WHERE collection = $1 AND data @> $2::jsonb`
	args := []any{collection, contains}
	if id != "" {
		query += ` AND id = $3`
		args = append(args, id)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	return docs, nil
}

func (s *Postgres) Create(ctx context.Context, collection string, data map[string]any) (*Document, error) {
	raw, err := json.Marshal(merge(nil, data))
	if err != nil {
		return nil, fmt.Errorf("marshal %s document: %w", collection, err)
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO documents (id, collection, data)
		VALUES ($1, $2, $3::jsonb)
		RETURNING `+documentColumns,
		uuid.NewString(), collection, string(raw))
	doc, err := scanDocument(row)
	if err != nil {
		return nil, fmt.Errorf("create %s document: %w", collection, err)
	}
	return doc, nil
}

func (s *Postgres) Update(ctx context.Context, collection, id string, data map[string]any) (*Document, error) {
	raw, err := json.Marshal(merge(nil, data))
	if err != nil {
		return nil, fmt.Errorf("marshal %s document: %w", collection, err)
	}
	row := s.db.QueryRow(ctx, `
		UPDATE documents SET data = data || $3::jsonb, updated_at = NOW()
		WHERE collection = $1 AND id = $2
		RETURNING `+documentColumns,
		collection, id, string(raw))
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

// Upsert keys the document on the canonical form of filter, so repeated
// upserts with the same filter converge on one row.
func (s *Postgres) Upsert(ctx context.Context, collection string, filter Filter, data map[string]any) (*Document, error) {
	key, err := fingerprint.Canonical(map[string]any(filter))
	if err != nil {
		return nil, fmt.Errorf("upsert %s key: %w", collection, err)
	}
	raw, err := json.Marshal(merge(nil, data, filter))
	if err != nil {
		return nil, fmt.Errorf("marshal %s document: %w", collection, err)
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO documents (id, collection, upsert_key, data)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (collection, upsert_key)
		DO UPDATE SET data = documents.data || EXCLUDED.data, updated_at = NOW()
		RETURNING `+documentColumns,
		uuid.NewString(), collection, string(key), string(raw))
	doc, err := scanDocument(row)
	if err != nil {
		return nil, fmt.Errorf("upsert %s document: %w", collection, err)
	}
	return doc, nil
}

// splitFilter separates the id match from the JSONB containment document.
func splitFilter(filter Filter) (string, string, error) {
	var id string
	contains := make(map[string]any, len(filter))
	for k, v := range filter {
		if k == "id" {
			s, ok := v.(string)
			if !ok {
				return "", "", fmt.Errorf("filter id must be a string, got %T", v)
			}
			id = s
			continue
		}
		contains[k] = v
	}
	raw, err := json.Marshal(contains)
	if err != nil {
		return "", "", fmt.Errorf("marshal filter: %w", err)
	}
	return id, string(raw), nil
}

func scanDocument(row pgx.Row) (*Document, error) {
	var doc Document
	var raw []byte
	if err := row.Scan(&doc.ID, &doc.Collection, &raw, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &doc.Data); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return &doc, nil
}
