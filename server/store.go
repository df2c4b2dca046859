package server

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrTemplateNotFound is returned when deleting an unknown template.
var ErrTemplateNotFound = errors.New("template not found")

// TemplateRecord is a stored blueprint.
type TemplateRecord struct {
	Name      string          `json:"name"`
	Graph     json.RawMessage `json:"graph"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TemplateStore persists templates by name.
type TemplateStore interface {
	List(ctx context.Context) ([]TemplateRecord, error)
	Get(ctx context.Context, name string) (TemplateRecord, bool, error)

	// Put creates or replaces a template and reports whether it was new.
	Put(ctx context.Context, rec TemplateRecord) (bool, error)

	Delete(ctx context.Context, name string) error
}

// MemoryStore is an in-memory TemplateStore.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]TemplateRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]TemplateRecord)}
}

// List returns all templates in name order.
func (s *MemoryStore) List(ctx context.Context) ([]TemplateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TemplateRecord, 0, len(s.items))
	for _, rec := range s.items {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, name string) (TemplateRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return TemplateRecord{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.items[strings.TrimSpace(name)]
	if !ok {
		return TemplateRecord{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (s *MemoryStore) Put(ctx context.Context, rec TemplateRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec = cloneRecord(rec)
	rec.Name = strings.TrimSpace(rec.Name)
	existing, found := s.items[rec.Name]
	if found {
		rec.CreatedAt = existing.CreatedAt
	}
	s.items[rec.Name] = rec
	return !found, nil
}

func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clean := strings.TrimSpace(name)
	if _, ok := s.items[clean]; !ok {
		return ErrTemplateNotFound
	}
	delete(s.items, clean)
	return nil
}

func cloneRecord(rec TemplateRecord) TemplateRecord {
	rec.Graph = append(json.RawMessage(nil), rec.Graph...)
	return rec
}

var _ TemplateStore = (*MemoryStore)(nil)
