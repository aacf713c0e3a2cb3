package credential

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Entry is the GORM row for a client credential.
type Entry struct {
	ClientID  string     `gorm:"column:client_id;primaryKey"`
	Secret    string     `gorm:"column:client_secret;not null"`
	InstallID *string    `gorm:"column:install_id"`
	Active    bool       `gorm:"column:active;not null"`
	CreatedAt time.Time  `gorm:"column:created_at;not null"`
	RevokedAt *time.Time `gorm:"column:revoked_at"`
}

// TableName hard code table name
func (Entry) TableName() string {
	return "client_credentials"
}

// ToEntry converts a Credential into its row form.
func ToEntry(c Credential) Entry {
	return Entry{
		ClientID:  c.ClientID,
		Secret:    c.Secret,
		InstallID: c.InstallID,
		Active:    c.Active,
		CreatedAt: c.CreatedAt.UTC(),
		RevokedAt: c.RevokedAt,
	}
}

func (e Entry) credential() Credential {
	return Credential{
		ClientID:  e.ClientID,
		Secret:    e.Secret,
		InstallID: e.InstallID,
		Active:    e.Active,
		CreatedAt: e.CreatedAt,
		RevokedAt: e.RevokedAt,
	}
}

// GormStore persists credentials through GORM.
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

// AutoMigrate creates the credentials table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Entry{})
}

// Get fetches a credential by client id.
func (s *GormStore) Get(ctx context.Context, clientID string) (Credential, error) {
	var e Entry
	res := s.db.WithContext(ctx).Where("client_id = ?", clientID).Take(&e)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, res.Error
	}
	return e.credential(), nil
}

// Insert adds a new credential.
func (s *GormStore) Insert(ctx context.Context, c Credential) error {
	return InsertGorm(s.db.WithContext(ctx), c)
}

// InsertGorm inserts c through tx, which may be an open transaction.
func InsertGorm(tx *gorm.DB, c Credential) error {
	if err := Validate(c); err != nil {
		return err
	}
	e := ToEntry(c)
	if res := tx.Create(&e); res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return res.Error
	}
	return nil
}

// Deactivate marks the credential inactive.
func (s *GormStore) Deactivate(ctx context.Context, clientID string, now time.Time) error {
	db := s.db.WithContext(ctx)
	res := db.Model(&Entry{}).
		Where("client_id = ?", clientID).
		Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	res = db.Model(&Entry{}).
		Where("client_id = ? AND revoked_at IS NULL", clientID).
		Update("revoked_at", now.UTC())
	return res.Error
}
