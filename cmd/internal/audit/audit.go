// Package audit records one append-only row per upload attempt.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Status is the terminal state of an upload attempt.
type Status string

const (
	StatusForwarded Status = "FORWARDED"
	StatusRejected  Status = "REJECTED"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrDuplicate    = errors.New("audit record already exists")
)

// Record is an audit row. ClientID is nil when identity was never
// established; ErrorCode is nil for forwarded attempts.
type Record struct {
	RequestID string
	ClientID  *string
	Status    Status
	ErrorCode *string
	IP        string
	CreatedAt time.Time
}

// Store appends audit records. Rows are never updated.
type Store interface {
	Append(ctx context.Context, r Record) error
}

func validRecord(r Record) bool {
	if strings.TrimSpace(r.RequestID) == "" || r.CreatedAt.IsZero() {
		return false
	}
	return r.Status == StatusForwarded || r.Status == StatusRejected
}
