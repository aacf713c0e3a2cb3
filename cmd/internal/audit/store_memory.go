package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps audit rows in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	rows []Record
	ids  map[string]struct{}
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]struct{})}
}

// Append stores r.
func (s *MemoryStore) Append(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validRecord(r) {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[r.RequestID]; ok {
		return ErrDuplicate
	}
	s.ids[r.RequestID] = struct{}{}
	s.rows = append(s.rows, r)
	return nil
}

// Records returns a copy of all stored rows in append order.
func (s *MemoryStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.rows))
	copy(out, s.rows)
	return out
}
