package invite

import (
	"context"
	"sync"

	"relay/cmd/internal/credential"
)

// CredentialInserter is the part of credential.Store the memory ledger needs.
type CredentialInserter interface {
	Insert(ctx context.Context, c credential.Credential) error
}

// MemoryStore is a process-local invite ledger. Redemptions are serialized
// by a mutex, which stands in for the database transaction.
type MemoryStore struct {
	mu    sync.Mutex
	rows  map[string]Invite
	creds CredentialInserter
}

// NewMemoryStore constructs a MemoryStore that issues credentials into creds.
func NewMemoryStore(creds CredentialInserter) *MemoryStore {
	return &MemoryStore{rows: make(map[string]Invite), creds: creds}
}

// Create inserts a new invite.
func (s *MemoryStore) Create(ctx context.Context, inv Invite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validInvite(inv) {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[inv.CodeHash]; ok {
		return ErrInvalidInput
	}
	s.rows[inv.CodeHash] = inv
	return nil
}

// Get fetches an invite by code hash.
func (s *MemoryStore) Get(ctx context.Context, codeHash string) (Invite, error) {
	if err := ctx.Err(); err != nil {
		return Invite{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.rows[codeHash]
	if !ok {
		return Invite{}, ErrInviteInvalid
	}
	return inv, nil
}

// Redeem consumes one use and inserts the credential under a single lock.
func (s *MemoryStore) Redeem(ctx context.Context, in RedeemRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.creds == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.rows[in.CodeHash]
	if !ok {
		return ErrInviteInvalid
	}
	if err := checkRedeemable(inv, in.Now); err != nil {
		return err
	}
	if err := s.creds.Insert(ctx, in.Credential); err != nil {
		return err
	}
	inv.UsedCount++
	s.rows[in.CodeHash] = inv
	return nil
}
