package credential

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used when no database is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Credential
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Credential)}
}

// Get fetches a credential by client id.
func (s *MemoryStore) Get(ctx context.Context, clientID string) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return Credential{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.rows[clientID]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

// Insert adds a new credential.
func (s *MemoryStore) Insert(ctx context.Context, c Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := Validate(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[c.ClientID]; ok {
		return ErrConflict
	}
	s.rows[c.ClientID] = c
	return nil
}

// Deactivate marks the credential inactive.
func (s *MemoryStore) Deactivate(ctx context.Context, clientID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[clientID]
	if !ok {
		return ErrNotFound
	}
	if c.Active {
		c.Active = false
		c.RevokedAt = &now
		s.rows[clientID] = c
	}
	return nil
}

// Len returns the number of stored credentials.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
