package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Data is deep-copied through JSON on the
// way in and out, so callers never share maps with the store.
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]*Document
	now  func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]*Document), now: time.Now}
}

func (m *Memory) Find(_ context.Context, collection string, filter Filter) ([]Document, error) {
	want, err := normalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Document
	for _, d := range m.docs[collection] {
		if matches(d, want) {
			out = append(out, copyDoc(d))
		}
	}
	return out, nil
}

func (m *Memory) Create(_ context.Context, collection string, data map[string]any) (*Document, error) {
	norm, err := normalize(data)
	if err != nil {
		return nil, fmt.Errorf("create %s document: %w", collection, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.insert(collection, norm)
	c := copyDoc(d)
	return &c, nil
}

func (m *Memory) Update(_ context.Context, collection, id string, data map[string]any) (*Document, error) {
	norm, err := normalize(data)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs[collection] {
		if d.ID == id {
			merge(d.Data, norm)
			d.UpdatedAt = m.now()
			c := copyDoc(d)
			return &c, nil
		}
	}
	return nil, fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
}

func (m *Memory) Upsert(_ context.Context, collection string, filter Filter, data map[string]any) (*Document, error) {
	want, err := normalizeFilter(filter)
	if err != nil {
		return nil, err
	}
	norm, err := normalize(merge(nil, data, filter))
	if err != nil {
		return nil, fmt.Errorf("upsert %s document: %w", collection, err)
	}
	delete(norm, "id")

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs[collection] {
		if matches(d, want) {
			merge(d.Data, norm)
			d.UpdatedAt = m.now()
			c := copyDoc(d)
			return &c, nil
		}
	}
	d := m.insert(collection, norm)
	c := copyDoc(d)
	return &c, nil
}

// Len reports how many documents a collection holds.
func (m *Memory) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[collection])
}

func (m *Memory) insert(collection string, data map[string]any) *Document {
	now := m.now()
	d := &Document{
		ID:         uuid.NewString(),
		Collection: collection,
		Data:       data,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.docs[collection] = append(m.docs[collection], d)
	return d
}

func matches(d *Document, want map[string]any) bool {
	for k, v := range want {
		if k == "id" {
			if d.ID != v {
				return false
			}
			continue
		}
		got, ok := d.Data[k]
		if !ok || !reflect.DeepEqual(got, v) {
			return false
		}
	}
	return true
}

func copyDoc(d *Document) Document {
	c := *d
	// Stored data is already JSON-shaped, so this cannot fail.
	c.Data, _ = normalize(d.Data)
	return c
}

func normalizeFilter(filter Filter) (map[string]any, error) {
	want, err := normalize(filter)
	if err != nil {
		return nil, fmt.Errorf("normalize filter: %w", err)
	}
	return want, nil
}

func normalize(m map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(merge(nil, m))
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
