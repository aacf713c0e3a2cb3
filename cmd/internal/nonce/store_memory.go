package nonce

import (
	"context"
	"sync"
	"time"
)

type memKey struct {
	clientID string
	nonce    string
}

// MemoryStore is a process-local Ledger used when no database is configured.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[memKey]Record
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[memKey]Record)}
}

// HasSeen reports whether the pair is currently recorded.
func (s *MemoryStore) HasSeen(ctx context.Context, clientID, nonce string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[memKey{clientID: clientID, nonce: nonce}]
	return ok, nil
}

// Persist inserts rec or fails with ErrDuplicate.
func (s *MemoryStore) Persist(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validRecord(rec) {
		return ErrInvalidInput
	}
	k := memKey{clientID: rec.ClientID, nonce: rec.Nonce}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[k]; ok {
		return ErrDuplicate
	}
	s.rows[k] = rec
	return nil
}

// CleanupExpired deletes rows with ExpiresAt <= now.
func (s *MemoryStore) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, rec := range s.rows {
		if !rec.ExpiresAt.After(now) {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of recorded nonces.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
