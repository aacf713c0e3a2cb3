// Package credential stores the long-lived client credentials issued by
// invite redemption.
package credential

import (
	"context"
	"strings"
	"time"
)

// Credential is an issued client identity. Secret holds the stored form,
// which is sealed when a seal key is configured.
type Credential struct {
	ClientID  string
	Secret    string
	InstallID *string
	Active    bool
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Store is the persistence boundary for credentials.
type Store interface {
	Get(ctx context.Context, clientID string) (Credential, error)
	Insert(ctx context.Context, c Credential) error
	Deactivate(ctx context.Context, clientID string, now time.Time) error
}

// Validate checks the fields every backend requires.
func Validate(c Credential) error {
	if strings.TrimSpace(c.ClientID) == "" || c.Secret == "" || c.CreatedAt.IsZero() {
		return ErrInvalidInput
	}
	return nil
}
