package app

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"relay/cmd/internal/audit"
	"relay/cmd/internal/invite"
	"relay/cmd/internal/nonce"
)

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
// Note: it does NOT apply the schema; that is `relayctl migrate`.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// OpenSQLite opens the single-node SQLite database at path and migrates every
// relay table. SQLite allows one writer, so the pool is pinned to one connection.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on&_busy_timeout=5000"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := MigrateSQLite(db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// MigrateSQLite creates or updates the relay tables through GORM.
func MigrateSQLite(db *gorm.DB) error {
	// invite migrates client_credentials as well.
	for _, migrate := range []func(*gorm.DB) error{invite.AutoMigrate, nonce.AutoMigrate, audit.AutoMigrate} {
		if err := migrate(db); err != nil {
			return err
		}
	}
	return nil
}

// PingSQLite checks the SQLite handle within timeout.
func PingSQLite(parent context.Context, db *gorm.DB, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
