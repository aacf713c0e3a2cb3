// Package invite implements the invite ledger and the redemption transaction
// that exchanges an invite code for client credentials.
package invite

import (
	"context"
	"strings"
	"time"

	"relay/cmd/internal/credential"
	"relay/cmd/security/sealer"
	"relay/cmd/security/token"
)

const (
	defaultTTL     = 7 * 24 * time.Hour
	maxCreatedBy   = 128
	maxInstallID   = 128
	defaultMaxUses = 1
)

// Invite represents an invite row. The plaintext code is never stored.
type Invite struct {
	CodeHash  string
	MaxUses   int
	UsedCount int
	ExpiresAt *time.Time
	CreatedAt time.Time
	CreatedBy *string
}

// CreateInput describes invite creation.
//
// TTL < 0 creates an invite that never expires; TTL == 0 uses the default.
type CreateInput struct {
	CreatedBy *string
	TTL       time.Duration
	MaxUses   int
	Now       time.Time
}

// Issued is the credential pair returned to a client exactly once.
type Issued struct {
	ClientID     string
	ClientSecret string
}

// Service manages invite creation and redemption.
type Service struct {
	store      Store
	sealer     sealer.Sealer
	now        func() time.Time
	tokenBytes int
}

// Option configures the Service.
type Option func(*Service) error

// WithTokenBytes sets the entropy of generated codes and credentials in bytes.
func WithTokenBytes(n int) Option {
	return func(s *Service) error {
		if n < 16 {
			return ErrInvalidInput
		}
		s.tokenBytes = n
		return nil
	}
}

// WithSealer seals client secrets before they are stored.
func WithSealer(sl sealer.Sealer) Option {
	return func(s *Service) error {
		if sl == nil {
			return ErrInvalidInput
		}
		s.sealer = sl
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return ErrInvalidInput
		}
		s.now = now
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{
		store:      store,
		sealer:     sealer.Plain{},
		now:        func() time.Time { return time.Now().UTC() },
		tokenBytes: token.DefaultBytes,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// CreateInvite creates a new invite and returns it plus its plaintext code.
func (s *Service) CreateInvite(ctx context.Context, in CreateInput) (Invite, string, error) {
	if s == nil || s.store == nil {
		return Invite{}, "", ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Invite{}, "", err
	}

	now := in.Now
	if now.IsZero() {
		now = s.now()
	}
	maxUses := in.MaxUses
	if maxUses == 0 {
		maxUses = defaultMaxUses
	}
	if maxUses < 0 {
		return Invite{}, "", ErrInvalidInput
	}
	createdBy := trimPtr(in.CreatedBy)
	if createdBy != nil && len(*createdBy) > maxCreatedBy {
		return Invite{}, "", ErrInvalidInput
	}

	var expiresAt *time.Time
	switch {
	case in.TTL == 0:
		t := now.Add(defaultTTL)
		expiresAt = &t
	case in.TTL > 0:
		t := now.Add(in.TTL)
		expiresAt = &t
	}

	code, err := token.New(token.PrefixInviteCode, s.tokenBytes)
	if err != nil {
		return Invite{}, "", err
	}

	inv := Invite{
		CodeHash:  token.HashInviteCodeHex(code),
		MaxUses:   maxUses,
		UsedCount: 0,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		CreatedBy: createdBy,
	}
	if err := s.store.Create(ctx, inv); err != nil {
		return Invite{}, "", err
	}
	return inv, code, nil
}

// Redeem consumes one use of the invite identified by code and issues a new
// active credential. It fails with ErrInviteInvalid, ErrInviteExpired or
// ErrInviteAlreadyUsed; any other error is a storage failure.
func (s *Service) Redeem(ctx context.Context, code, installID string) (Issued, error) {
	if s == nil || s.store == nil {
		return Issued{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Issued{}, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return Issued{}, ErrInviteInvalid
	}
	install := trimPtr(&installID)
	if install != nil && len(*install) > maxInstallID {
		return Issued{}, ErrInvalidInput
	}

	clientID, err := token.New(token.PrefixClientID, s.tokenBytes)
	if err != nil {
		return Issued{}, err
	}
	secret, err := token.New(token.PrefixClientSecret, s.tokenBytes)
	if err != nil {
		return Issued{}, err
	}
	stored, err := s.sealer.Seal(clientID, secret)
	if err != nil {
		return Issued{}, err
	}

	now := s.now()
	err = s.store.Redeem(ctx, RedeemRecord{
		CodeHash: token.HashInviteCodeHex(code),
		Now:      now,
		Credential: credential.Credential{
			ClientID:  clientID,
			Secret:    stored,
			InstallID: install,
			Active:    true,
			CreatedAt: now,
		},
	})
	if err != nil {
		return Issued{}, err
	}
	return Issued{ClientID: clientID, ClientSecret: secret}, nil
}

func trimPtr(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}
