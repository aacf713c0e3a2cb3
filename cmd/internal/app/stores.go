package app

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"relay/cmd/internal/audit"
	"relay/cmd/internal/credential"
	"relay/cmd/internal/invite"
	"relay/cmd/internal/nonce"
)

// Backend names reported by Stores.Backend.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Stores bundles the relay persistence layer for one backend.
// The app owns the underlying pool or handle; Close releases it.
type Stores struct {
	Credentials credential.Store
	Invites     invite.Store
	Nonces      nonce.Ledger
	Audits      audit.Store

	backend string
	pool    *pgxpool.Pool
	gdb     *gorm.DB
}

// Backend reports which storage backend is in use.
func (s *Stores) Backend() string { return s.backend }

// Durable reports whether the stores survive a restart.
func (s *Stores) Durable() bool { return s.backend != BackendMemory }

// Pool returns the Postgres pool, or nil for other backends.
func (s *Stores) Pool() *pgxpool.Pool { return s.pool }

// Ping checks backend connectivity.
func (s *Stores) Ping(ctx context.Context) error {
	switch {
	case s.pool != nil:
		return PingDB(ctx, s.pool, 2*time.Second)
	case s.gdb != nil:
		return PingSQLite(ctx, s.gdb, 2*time.Second)
	default:
		return nil
	}
}

// Close releases the backend resources.
func (s *Stores) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.gdb != nil {
		sqlDB, err := s.gdb.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// OpenStores selects Postgres, SQLite or memory per cfg.
func OpenStores(ctx context.Context, cfg Config, log Logger) (*Stores, error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		st, err := postgresStores(pool, cfg.DBSchema)
		if err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
		return st, nil

	case cfg.SQLitePath != "":
		db, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		st, err := gormStores(db)
		if err != nil {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
			return nil, err
		}
		log.Info("db.enabled.sqlite_store", "path", cfg.SQLitePath)
		return st, nil

	default:
		log.Warn("db.disabled.inmemory_store")
		return MemoryStores(), nil
	}
}

// MemoryStores returns process-local stores.
func MemoryStores() *Stores {
	creds := credential.NewMemoryStore()
	return &Stores{
		Credentials: creds,
		Invites:     invite.NewMemoryStore(creds),
		Nonces:      nonce.NewMemoryStore(),
		Audits:      audit.NewMemoryStore(),
		backend:     BackendMemory,
	}
}

func postgresStores(pool *pgxpool.Pool, schema string) (*Stores, error) {
	creds, err := credential.NewPostgresStore(pool, credential.WithSchema(schema))
	if err != nil {
		return nil, err
	}
	invites, err := invite.NewPostgresStore(pool, invite.WithSchema(schema))
	if err != nil {
		return nil, err
	}
	nonces, err := nonce.NewPostgresStore(pool, nonce.WithSchema(schema))
	if err != nil {
		return nil, err
	}
	audits, err := audit.NewPostgresStore(pool, audit.WithSchema(schema))
	if err != nil {
		return nil, err
	}
	return &Stores{
		Credentials: creds,
		Invites:     invites,
		Nonces:      nonces,
		Audits:      audits,
		backend:     BackendPostgres,
		pool:        pool,
	}, nil
}

func gormStores(db *gorm.DB) (*Stores, error) {
	creds, err1 := credential.NewGormStore(db)
	invites, err2 := invite.NewGormStore(db)
	nonces, err3 := nonce.NewGormStore(db)
	audits, err4 := audit.NewGormStore(db)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return nil, err
	}
	return &Stores{
		Credentials: creds,
		Invites:     invites,
		Nonces:      nonces,
		Audits:      audits,
		backend:     BackendSQLite,
		gdb:         db,
	}, nil
}
