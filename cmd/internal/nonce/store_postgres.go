package nonce

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists nonces in PostgreSQL.
// The pool is owned by the caller.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore.
type StoreOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "relay").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "relay"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

// HasSeen reports whether the pair is currently recorded.
func (s *PostgresStore) HasSeen(ctx context.Context, clientID, nonce string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+pgIdent(s.schema, "nonces")+` WHERE client_id = $1 AND nonce = $2)`,
		clientID, nonce,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// Persist inserts rec. The (client_id, nonce) primary key makes concurrent
// inserts of the same pair resolve to exactly one winner.
func (s *PostgresStore) Persist(ctx context.Context, rec Record) error {
	if !validRecord(rec) {
		return ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "nonces")+` (client_id, nonce, seen_at, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		rec.ClientID, rec.Nonce, rec.SeenAt, rec.ExpiresAt,
	)
	if err != nil {
		if pgIsUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// CleanupExpired deletes rows with expires_at <= now.
func (s *PostgresStore) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(s.schema, "nonces")+` WHERE expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}
