// Package pgtest holds Postgres integration-test helpers.
//
// Integration tests are enabled when RELAY_DATABASE_URL is set. Outside CI an
// unreachable Postgres skips the test to keep local runs fast.
package pgtest

import (
	"context"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"relay/cmd/internal/schema"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// EnvDatabaseURL enables integration tests when set.
const EnvDatabaseURL = "RELAY_DATABASE_URL"

// OpenPool connects to RELAY_DATABASE_URL or skips the test.
func OpenPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv(EnvDatabaseURL))
	if raw == "" {
		t.Skipf("integration test skipped: %s not set", EnvDatabaseURL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", EnvDatabaseURL, err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		if shouldSkip(err) {
			t.Skipf("integration test skipped: Postgres unreachable (%s set): %v", EnvDatabaseURL, err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	t.Cleanup(pool.Close)
	return pool
}

// FreshSchema creates a uniquely named schema with all relay tables and
// drops it when the test finishes.
func FreshSchema(t *testing.T, pool *pgxpool.Pool, prefix string) string {
	t.Helper()

	name := prefix + "_" + strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now().UTC()), ulid.Monotonic(rand.Reader, 0)).String())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := schema.ApplyPostgres(ctx, pool, name); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dropCancel()
		_, _ = pool.Exec(dropCtx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{name}.Sanitize()+` CASCADE`)
	})
	return name
}

func shouldSkip(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}
