package nonce

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// nonceEntry is the GORM row for a consumed nonce.
type nonceEntry struct {
	ClientID  string    `gorm:"column:client_id;primaryKey"`
	Nonce     string    `gorm:"column:nonce;primaryKey"`
	SeenAt    time.Time `gorm:"column:seen_at;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index:idx_nonces_expires_at"`
}

// TableName hard code table name
func (nonceEntry) TableName() string {
	return "nonces"
}

// GormStore persists nonces through GORM (SQLite in single-node mode).
// The *gorm.DB must be opened with TranslateError enabled so duplicate keys
// surface as gorm.ErrDuplicatedKey.
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

// AutoMigrate creates the nonce table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&nonceEntry{})
}

// HasSeen reports whether the pair is currently recorded.
func (s *GormStore) HasSeen(ctx context.Context, clientID, nonce string) (bool, error) {
	var n int64
	res := s.db.WithContext(ctx).Model(&nonceEntry{}).
		Where("client_id = ? AND nonce = ?", clientID, nonce).
		Count(&n)
	if res.Error != nil {
		return false, res.Error
	}
	return n > 0, nil
}

// Persist inserts rec or fails with ErrDuplicate.
func (s *GormStore) Persist(ctx context.Context, rec Record) error {
	if !validRecord(rec) {
		return ErrInvalidInput
	}
	entry := nonceEntry{
		ClientID:  rec.ClientID,
		Nonce:     rec.Nonce,
		SeenAt:    rec.SeenAt.UTC(),
		ExpiresAt: rec.ExpiresAt.UTC(),
	}
	if res := s.db.WithContext(ctx).Create(&entry); res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return res.Error
	}
	return nil
}

// CleanupExpired deletes rows with expires_at <= now.
func (s *GormStore) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ?", now.UTC()).
		Delete(&nonceEntry{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
