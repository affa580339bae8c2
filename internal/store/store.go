// Package store persists call documents: function definitions, argument and
// result snapshots, call records, generation and event records.
package store

import (
	"context"
	"errors"
	"time"
)

// Collections used by the engine.
const (
	Functions   = "functions"
	Types       = "types"
	Things      = "things"
	Actions     = "actions"
	Generations = "generations"
	Events      = "events"
)

// ErrNotFound is returned by Update when no document has the given id.
var ErrNotFound = errors.New("document not found")

// Filter matches documents whose top-level data fields equal the given values.
// The key "id" matches the document id instead.
type Filter map[string]any

// Document is one stored record.
type Document struct {
	ID         string         `json:"id"`
	Collection string         `json:"collection"`
	Data       map[string]any `json:"data"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// String returns the string field key of the document data, or "".
func (d *Document) String(key string) string {
	if d == nil || d.Data == nil {
		return ""
	}
	s, _ := d.Data[key].(string)
	return s
}

// Store is a collection-oriented document store.
type Store interface {
	Find(ctx context.Context, collection string, filter Filter) ([]Document, error)
	Create(ctx context.Context, collection string, data map[string]any) (*Document, error)
	// Update merges data into the document's existing fields.
	Update(ctx context.Context, collection, id string, data map[string]any) (*Document, error)
	// Upsert updates the document matching filter or creates one holding
	// filter and data together.
	Upsert(ctx context.Context, collection string, filter Filter, data map[string]any) (*Document, error)
}

// FindOne returns the first match, or nil when there is none.
func FindOne(ctx context.Context, s Store, collection string, filter Filter) (*Document, error) {
	docs, err := s.Find(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return &docs[0], nil
}

func merge(dst map[string]any, srcs ...map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any)
	}
	for _, src := range srcs {
		for k, v := range src {
			dst[k] = v
		}
	}
	return dst
}
