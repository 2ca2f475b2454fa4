package history

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(ctx context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.records = append(s.records, &cp)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, len(s.records))
	for i := len(s.records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		cp := *s.records[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, taskID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].TaskID == taskID {
			cp := *s.records[i]
			return &cp, nil
		}
	}
	return nil, ErrRecordNotFound
}

func (s *MemoryStore) Close() error { return nil }
