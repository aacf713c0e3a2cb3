package invite

import (
	"context"
	"errors"
	"time"

	"relay/cmd/internal/credential"

	"gorm.io/gorm"
)

type inviteEntry struct {
	CodeHash  string     `gorm:"column:code_hash;primaryKey;size:64"`
	MaxUses   int        `gorm:"column:max_uses;not null"`
	UsedCount int        `gorm:"column:used_count;not null;default:0"`
	ExpiresAt *time.Time `gorm:"column:expires_at"`
	CreatedAt time.Time  `gorm:"column:created_at;not null"`
	CreatedBy *string    `gorm:"column:created_by"`
}

// TableName hard code table name
func (inviteEntry) TableName() string {
	return "invite_codes"
}

func (e inviteEntry) invite() Invite {
	return Invite{
		CodeHash:  e.CodeHash,
		MaxUses:   e.MaxUses,
		UsedCount: e.UsedCount,
		ExpiresAt: e.ExpiresAt,
		CreatedAt: e.CreatedAt,
		CreatedBy: e.CreatedBy,
	}
}

// GormStore persists invites through GORM. The credentials table must live in
// the same database so redemption can write both in one transaction.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a GormStore.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, ErrInvalidInput
	}
	return &GormStore{db: db}, nil
}

// AutoMigrate creates the invite and credential tables.
func AutoMigrate(db *gorm.DB) error {
	if err := credential.AutoMigrate(db); err != nil {
		return err
	}
	return db.AutoMigrate(&inviteEntry{})
}

// Create inserts a new invite record.
func (s *GormStore) Create(ctx context.Context, inv Invite) error {
	if !validInvite(inv) {
		return ErrInvalidInput
	}
	e := inviteEntry{
		CodeHash:  inv.CodeHash,
		MaxUses:   inv.MaxUses,
		UsedCount: inv.UsedCount,
		ExpiresAt: utcPtr(inv.ExpiresAt),
		CreatedAt: inv.CreatedAt.UTC(),
		CreatedBy: inv.CreatedBy,
	}
	if res := s.db.WithContext(ctx).Create(&e); res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return ErrInvalidInput
		}
		return res.Error
	}
	return nil
}

// Get fetches an invite by code hash.
func (s *GormStore) Get(ctx context.Context, codeHash string) (Invite, error) {
	return getInviteGorm(s.db.WithContext(ctx), codeHash)
}

// Redeem runs the redemption transaction. A zero-row guarded update aborts the
// transaction with ErrInviteAlreadyUsed.
func (s *GormStore) Redeem(ctx context.Context, in RedeemRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err := getInviteGorm(tx, in.CodeHash)
		if err != nil {
			return err
		}
		if err := checkRedeemable(inv, in.Now); err != nil {
			return err
		}

		res := tx.Model(&inviteEntry{}).
			Where("code_hash = ? AND used_count < max_uses", in.CodeHash).
			UpdateColumn("used_count", gorm.Expr("used_count + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInviteAlreadyUsed
		}

		cred := in.Credential
		cred.CreatedAt = cred.CreatedAt.UTC()
		return credential.InsertGorm(tx, cred)
	})
}

func getInviteGorm(db *gorm.DB, codeHash string) (Invite, error) {
	var e inviteEntry
	res := db.Where("code_hash = ?", codeHash).Take(&e)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return Invite{}, ErrInviteInvalid
		}
		return Invite{}, res.Error
	}
	return e.invite(), nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
