package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Suitable for single-replica
// deployments and tests. The optional write latency lets tests widen the
// race window between a write and the re-read that follows it.
type MemoryStore struct {
	mu           sync.RWMutex
	entries      map[string]Entry
	writeLatency time.Duration
}

// NewMemoryStore creates an empty in-memory registry store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// WithWriteLatency makes every Put sleep for d before applying.
func (s *MemoryStore) WithWriteLatency(d time.Duration) *MemoryStore {
	s.writeLatency = d
	return s
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *MemoryStore) Put(ctx context.Context, userID string, entry Entry) error {
	if s.writeLatency > 0 {
		select {
		case <-time.After(s.writeLatency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[userID] = entry
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, userID)
	return nil
}

// List returns a copy of all entries.
func (s *MemoryStore) List(_ context.Context) (map[string]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out, nil
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Lister = (*MemoryStore)(nil)
)
