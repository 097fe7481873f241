package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/kibble-harvester/internal/crawler"
)

// DocumentStore provides an in-memory implementation for development/testing.
type DocumentStore struct {
	mu          sync.RWMutex
	collections map[string]*collection
	now         func() time.Time
}

type collection struct {
	docs  map[string]crawler.Document
	order []string
}

// NewDocumentStore constructs a DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		collections: make(map[string]*collection),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *DocumentStore) collection(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = &collection{docs: make(map[string]crawler.Document)}
		s.collections[name] = c
	}
	return c
}

// CreateDocument stores a new document, failing with ErrConflict on reuse of an ID.
func (s *DocumentStore) CreateDocument(
	_ context.Context,
	collection, id string,
	fields crawler.Fields,
) (crawler.Document, error) {
	if id == "" {
		return crawler.Document{}, fmt.Errorf("document id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collection(collection)
	if _, exists := c.docs[id]; exists {
		return crawler.Document{}, fmt.Errorf("%s/%s: %w", collection, id, crawler.ErrConflict)
	}
	now := s.now()
	doc := crawler.Document{ID: id, Fields: fields.Clone(), CreatedAt: now, UpdatedAt: now}
	c.docs[id] = doc
	c.order = append(c.order, id)
	return copyDocument(doc), nil
}

// UpdateDocument merges fields into an existing document.
func (s *DocumentStore) UpdateDocument(
	_ context.Context,
	collection, id string,
	fields crawler.Fields,
) (crawler.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collection(collection)
	doc, ok := c.docs[id]
	if !ok {
		return crawler.Document{}, fmt.Errorf("%s/%s: %w", collection, id, crawler.ErrNotFound)
	}
	merged := doc.Fields.Clone()
	for k, v := range fields {
		merged[k] = v
	}
	doc.Fields = merged
	doc.UpdatedAt = s.now()
	c.docs[id] = doc
	return copyDocument(doc), nil
}

// GetDocument fetches a document by ID.
func (s *DocumentStore) GetDocument(_ context.Context, collection, id string) (crawler.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collection]
	if !ok {
		return crawler.Document{}, fmt.Errorf("%s/%s: %w", collection, id, crawler.ErrNotFound)
	}
	doc, ok := c.docs[id]
	if !ok {
		return crawler.Document{}, fmt.Errorf("%s/%s: %w", collection, id, crawler.ErrNotFound)
	}
	return copyDocument(doc), nil
}

// ListDocuments returns matching documents in insertion order, or ordered by
// the query's descending field when set.
func (s *DocumentStore) ListDocuments(
	_ context.Context,
	collection string,
	query crawler.Query,
) ([]crawler.Document, error) {
	for _, f := range query.Filters {
		if f.Op != crawler.FilterEqual && f.Op != crawler.FilterIn {
			return nil, fmt.Errorf("unsupported filter operator %q", f.Op)
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collection]
	if !ok {
		return []crawler.Document{}, nil
	}
	out := make([]crawler.Document, 0)
	for _, id := range c.order {
		doc := c.docs[id]
		if matches(doc.Fields, query.Filters) {
			out = append(out, copyDocument(doc))
		}
	}
	if query.OrderByDesc != "" {
		key := query.OrderByDesc
		sort.SliceStable(out, func(i, j int) bool {
			return compareValues(out[i].Fields[key], out[j].Fields[key]) > 0
		})
	}
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// Len returns the number of documents stored in collection.
func (s *DocumentStore) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.collections[collection]; ok {
		return len(c.docs)
	}
	return 0
}

func matches(fields crawler.Fields, filters []crawler.Filter) bool {
	for _, f := range filters {
		got, ok := fields[f.Field]
		if !ok {
			return false
		}
		hit := false
		for _, want := range f.Values {
			if compareValues(got, want) == 0 {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// compareValues orders numbers numerically and everything else by its
// string form, which matches how the Postgres store compares JSON text.
func compareValues(a, b any) int {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

func copyDocument(doc crawler.Document) crawler.Document {
	doc.Fields = doc.Fields.Clone()
	return doc
}
