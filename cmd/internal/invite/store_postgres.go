package invite

import (
	"context"
	"errors"
	"strings"

	"relay/cmd/internal/credential"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists invites in PostgreSQL. Redemption writes the
// credential row in the same transaction, so both tables must share a schema.
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

// Create inserts a new invite record.
func (s *PostgresStore) Create(ctx context.Context, inv Invite) error {
	if s == nil || s.pool == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validInvite(inv) {
		return ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "invite_codes")+` (
		     code_hash, max_uses, used_count, expires_at, created_at, created_by
		   ) VALUES ($1, $2, $3, $4, $5, $6)`,
		inv.CodeHash,
		inv.MaxUses,
		inv.UsedCount,
		inv.ExpiresAt,
		inv.CreatedAt,
		inv.CreatedBy,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrInvalidInput
		}
		return err
	}
	return nil
}

// Get fetches an invite by code hash.
func (s *PostgresStore) Get(ctx context.Context, codeHash string) (Invite, error) {
	if s == nil || s.pool == nil {
		return Invite{}, ErrInvalidInput
	}
	return getInvite(ctx, s.pool, s.schema, codeHash)
}

// Redeem runs the redemption transaction: lookup, expiry check, usage check,
// guarded increment, credential insert, commit.
func (s *PostgresStore) Redeem(ctx context.Context, in RedeemRecord) error {
	if s == nil || s.pool == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inv, err := getInvite(ctx, tx, s.schema, in.CodeHash)
	if err != nil {
		return err
	}
	if err := checkRedeemable(inv, in.Now); err != nil {
		return err
	}

	// The earlier read is advisory; the WHERE clause re-checks the cap against
	// the committed row.
	tag, err := tx.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "invite_codes")+`
		    SET used_count = used_count + 1
		  WHERE code_hash = $1
		    AND used_count < max_uses`,
		in.CodeHash,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInviteAlreadyUsed
	}

	if err := credential.InsertWith(ctx, tx, s.schema, in.Credential); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func getInvite(ctx context.Context, q credential.Querier, schema, codeHash string) (Invite, error) {
	var out Invite
	err := q.QueryRow(ctx,
		`SELECT code_hash, max_uses, used_count, expires_at, created_at, created_by
		   FROM `+pgIdent(schema, "invite_codes")+`
		  WHERE code_hash = $1`,
		codeHash,
	).Scan(
		&out.CodeHash,
		&out.MaxUses,
		&out.UsedCount,
		&out.ExpiresAt,
		&out.CreatedAt,
		&out.CreatedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invite{}, ErrInviteInvalid
		}
		return Invite{}, err
	}
	return out, nil
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
