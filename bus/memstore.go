package bus

import (
	"context"
	"sync"

	"github.com/petal-labs/canvasbridge/execution"
)

// MemEventStore is an in-memory EventStore.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]execution.Event
	order  []string
}

// NewMemEventStore creates an empty in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{events: make(map[string][]execution.Event)}
}

func (s *MemEventStore) Append(_ context.Context, event execution.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.events[event.RunID]; !seen {
		s.order = append(s.order, event.RunID)
	}
	s.events[event.RunID] = append(s.events[event.RunID], event)
	return nil
}

func (s *MemEventStore) List(_ context.Context, runID string, afterSeq uint64, limit int) ([]execution.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []execution.Event
	for _, e := range s.events[runID] {
		if afterSeq > 0 && e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, runID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest uint64
	for _, e := range s.events[runID] {
		if e.Seq > latest {
			latest = e.Seq
		}
	}
	return latest, nil
}

func (s *MemEventStore) RunIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out, nil
}

var _ EventStore = (*MemEventStore)(nil)
