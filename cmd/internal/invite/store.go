package invite

import (
	"context"
	"time"

	"relay/cmd/internal/credential"
)

// RedeemRecord describes one redemption attempt against the ledger.
type RedeemRecord struct {
	CodeHash   string
	Now        time.Time
	Credential credential.Credential
}

// Store is the persistence boundary for invites.
//
// Redeem must consume one use of the invite and insert Credential atomically:
// either both happen or neither does.
type Store interface {
	Create(ctx context.Context, inv Invite) error
	Get(ctx context.Context, codeHash string) (Invite, error)
	Redeem(ctx context.Context, in RedeemRecord) error
}

// checkRedeemable applies the business rules in order: expiry first, then usage.
func checkRedeemable(inv Invite, now time.Time) error {
	if inv.ExpiresAt != nil && !inv.ExpiresAt.After(now) {
		return ErrInviteExpired
	}
	if inv.UsedCount >= inv.MaxUses {
		return ErrInviteAlreadyUsed
	}
	return nil
}

func validInvite(inv Invite) bool {
	return len(inv.CodeHash) == 64 &&
		inv.MaxUses >= 1 &&
		inv.UsedCount >= 0 &&
		inv.UsedCount <= inv.MaxUses &&
		!inv.CreatedAt.IsZero()
}
