package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Memory is an in-process Store used by tests and local development.
// All operations copy documents on the way in and out so callers can
// never alias internal state.
type Memory struct {
	mu          sync.Mutex
	collections map[string][]Doc
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string][]Doc)}
}

func (m *Memory) FindOne(_ context.Context, collection string, filter Filter) (Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range m.collections[collection] {
		if Matches(doc, filter) {
			return clone(doc), nil
		}
	}
	return nil, nil
}

func (m *Memory) Find(_ context.Context, collection string, filter Filter, opts FindOptions) ([]Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Doc
	for _, doc := range m.collections[collection] {
		if Matches(doc, filter) {
			out = append(out, clone(doc))
		}
	}
	if opts.Sort != nil {
		s := opts.Sort
		sort.SliceStable(out, func(i, j int) bool {
			c := Compare(out[i][s.Field], out[j][s.Field])
			if s.Desc {
				return c > 0
			}
			return c < 0
		})
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *Memory) InsertOne(_ context.Context, collection string, doc Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[collection] = append(m.collections[collection], clone(doc))
	return nil
}

func (m *Memory) UpdateOne(_ context.Context, collection string, filter Filter, update Update) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range m.collections[collection] {
		if Matches(doc, filter) {
			Apply(doc, update)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) UpdateMany(_ context.Context, collection string, filter Filter, update Update) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, doc := range m.collections[collection] {
		if Matches(doc, filter) {
			Apply(doc, update)
			n++
		}
	}
	return n, nil
}

func (m *Memory) FindOneAndUpdate(_ context.Context, collection string, filter Filter, update Update) (Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range m.collections[collection] {
		if Matches(doc, filter) {
			Apply(doc, update)
			return clone(doc), nil
		}
	}
	return nil, nil
}

func (m *Memory) DeleteOne(_ context.Context, collection string, filter Filter) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.collections[collection]
	for i, doc := range docs {
		if Matches(doc, filter) {
			m.collections[collection] = append(docs[:i:i], docs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Count(_ context.Context, collection string, filter Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, doc := range m.collections[collection] {
		if Matches(doc, filter) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Distinct(_ context.Context, collection string, field string, filter Filter) ([]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []interface{}
	for _, doc := range m.collections[collection] {
		if !Matches(doc, filter) {
			continue
		}
		v, ok := doc[field]
		if !ok {
			continue
		}
		key := fingerprint(v)
		if !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	return out, nil
}

// clone round-trips through JSON. This also normalises numbers to
// float64, matching what the Postgres backend returns.
func clone(doc Doc) Doc {
	raw, err := json.Marshal(doc)
	if err != nil {
		out := make(Doc, len(doc))
		for k, v := range doc {
			out[k] = v
		}
		return out
	}
	var out Doc
	_ = json.Unmarshal(raw, &out)
	return out
}

func fingerprint(v interface{}) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

var _ Store = (*Memory)(nil)
