package audit

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type auditEntry struct {
	RequestID string    `gorm:"column:request_id;primaryKey"`
	ClientID  *string   `gorm:"column:client_id"`
	Status    string    `gorm:"column:status;not null"`
	ErrorCode *string   `gorm:"column:error_code"`
	IP        string    `gorm:"column:ip"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_upload_audit_created_at"`
}

// TableName hard code table name
func (auditEntry) TableName() string {
	return "upload_audit"
}

// GormStore appends audit rows through GORM.
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

// AutoMigrate creates the audit table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&auditEntry{})
}

// Append inserts r.
func (s *GormStore) Append(ctx context.Context, r Record) error {
	if !validRecord(r) {
		return ErrInvalidInput
	}
	e := auditEntry{
		RequestID: r.RequestID,
		ClientID:  r.ClientID,
		Status:    string(r.Status),
		ErrorCode: r.ErrorCode,
		IP:        r.IP,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if res := s.db.WithContext(ctx).Create(&e); res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return res.Error
	}
	return nil
}

// List returns up to limit rows, oldest first.
func (s *GormStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []auditEntry
	if res := s.db.WithContext(ctx).Order("created_at ASC").Limit(limit).Find(&rows); res.Error != nil {
		return nil, res.Error
	}
	out := make([]Record, 0, len(rows))
	for _, e := range rows {
		out = append(out, Record{
			RequestID: e.RequestID,
			ClientID:  e.ClientID,
			Status:    Status(e.Status),
			ErrorCode: e.ErrorCode,
			IP:        e.IP,
			CreatedAt: e.CreatedAt,
		})
	}
	return out, nil
}
