package credential

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx shared by pools and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists credentials in PostgreSQL.
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

// Get fetches a credential by client id.
func (s *PostgresStore) Get(ctx context.Context, clientID string) (Credential, error) {
	var out Credential
	err := s.pool.QueryRow(ctx,
		`SELECT client_id, client_secret, install_id, active, created_at, revoked_at
		   FROM `+Table(s.schema)+`
		  WHERE client_id = $1`,
		clientID,
	).Scan(
		&out.ClientID,
		&out.Secret,
		&out.InstallID,
		&out.Active,
		&out.CreatedAt,
		&out.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, err
	}
	return out, nil
}

// Insert adds a new credential.
func (s *PostgresStore) Insert(ctx context.Context, c Credential) error {
	return InsertWith(ctx, s.pool, s.schema, c)
}

// InsertWith inserts c through q, which may be an open transaction.
func InsertWith(ctx context.Context, q Querier, schema string, c Credential) error {
	if err := Validate(c); err != nil {
		return err
	}
	_, err := q.Exec(ctx,
		`INSERT INTO `+Table(schema)+` (client_id, client_secret, install_id, active, created_at, revoked_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ClientID, c.Secret, c.InstallID, c.Active, c.CreatedAt, c.RevokedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return ErrConflict
		}
		return err
	}
	return nil
}

// Deactivate marks the credential inactive. Already inactive rows keep their
// original revoked_at.
func (s *PostgresStore) Deactivate(ctx context.Context, clientID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+Table(s.schema)+`
		    SET active = FALSE,
		        revoked_at = COALESCE(revoked_at, $2)
		  WHERE client_id = $1`,
		clientID, now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Table returns the quoted credentials table name for schema.
func Table(schema string) string {
	return pgx.Identifier{schema, "client_credentials"}.Sanitize()
}
