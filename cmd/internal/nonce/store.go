package nonce

import (
	"context"
	"strings"
	"time"
)

// Record is one consumed nonce.
type Record struct {
	ClientID  string
	Nonce     string
	SeenAt    time.Time
	ExpiresAt time.Time
}

// Ledger is the persistence boundary for consumed nonces.
//
// Persist is the replay guard: for a given (ClientID, Nonce) at most one
// concurrent call succeeds, the rest fail with ErrDuplicate. HasSeen is a
// fast path only.
type Ledger interface {
	HasSeen(ctx context.Context, clientID, nonce string) (bool, error)
	Persist(ctx context.Context, rec Record) error
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)
}

func validRecord(rec Record) bool {
	if strings.TrimSpace(rec.ClientID) == "" || strings.TrimSpace(rec.Nonce) == "" {
		return false
	}
	if rec.SeenAt.IsZero() || rec.ExpiresAt.IsZero() {
		return false
	}
	return true
}
