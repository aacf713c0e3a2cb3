// Package schema owns the relay's Postgres DDL.
//
// The same statements back `relayctl migrate` and the integration tests, so
// the tables the stores query are defined in exactly one place.
package schema

import (
	"context"
	_ "embed"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed postgres.sql
var postgresSQL string

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrInvalidSchema is returned for schema names that are not plain identifiers.
var ErrInvalidSchema = errors.New("schema: invalid identifier")

// PostgresDDL returns the DDL with every table qualified by schema.
func PostgresDDL(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if !identRe.MatchString(schema) {
		return "", ErrInvalidSchema
	}
	return strings.ReplaceAll(postgresSQL, "{{schema}}", pgx.Identifier{schema}.Sanitize()), nil
}

// ApplyPostgres creates the schema and all tables if they do not exist.
func ApplyPostgres(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	ddl, err := PostgresDDL(schema)
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, ddl)
	return err
}
