package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore keeps run streams in process memory. It is safe for
// concurrent use and is the store of choice for tests and short-lived
// runs that do not need durability.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string][]*Record
	all  []*Record
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string][]*Record)}
}

// Append implements Store. The store keeps its own copies; returned and
// stored records must be treated as read-only by callers.
func (s *MemoryStore) Append(_ context.Context, runID string, expectedVersion int, recs []*Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := len(s.runs[runID]) - 1
	if expectedVersion != cur {
		return cur, ErrVersionConflict
	}
	for _, r := range recs {
		cp := *r
		cp.RunID = runID
		cp.Version = len(s.runs[runID])
		s.runs[runID] = append(s.runs[runID], &cp)
		s.all = append(s.all, &cp)
	}
	return len(s.runs[runID]) - 1, nil
}

// Read implements Store.
func (s *MemoryStore) Read(_ context.Context, runID string, fromVersion int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.runs[runID] {
		if r.Version >= fromVersion {
			out = append(out, r)
		}
	}
	return out, nil
}

// ReadAll implements Store.
func (s *MemoryStore) ReadAll(_ context.Context, f Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.all {
		if f.matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// RunVersion implements Store.
func (s *MemoryStore) RunVersion(_ context.Context, runID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs[runID]) - 1, nil
}

// DeleteRun implements Store.
func (s *MemoryStore) DeleteRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return nil
	}
	delete(s.runs, runID)
	kept := s.all[:0]
	for _, r := range s.all {
		if r.RunID != runID {
			kept = append(kept, r)
		}
	}
	s.all = kept
	return nil
}

// Close implements Store. It is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
