package nonce

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestGorm(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nonce_ut.db")
	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on&_busy_timeout=5000"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestGormStore_PersistHasSeenCleanup(t *testing.T) {
	t.Parallel()

	st, err := NewGormStore(openTestGorm(t))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if seen, err := st.HasSeen(ctx, "cli_a", "n1"); err != nil || seen {
		t.Fatalf("expected unseen, seen=%v err=%v", seen, err)
	}
	if err := st.Persist(ctx, Record{ClientID: "cli_a", Nonce: "n1", SeenAt: now, ExpiresAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := st.Persist(ctx, Record{ClientID: "cli_a", Nonce: "n1", SeenAt: now.Add(time.Second), ExpiresAt: now.Add(time.Minute)}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := st.Persist(ctx, Record{ClientID: "cli_b", Nonce: "n1", SeenAt: now, ExpiresAt: now.Add(2 * time.Minute)}); err != nil {
		t.Fatalf("persist other client: %v", err)
	}
	if seen, err := st.HasSeen(ctx, "cli_a", "n1"); err != nil || !seen {
		t.Fatalf("expected seen, seen=%v err=%v", seen, err)
	}

	n, err := st.CleanupExpired(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if seen, _ := st.HasSeen(ctx, "cli_b", "n1"); !seen {
		t.Fatalf("unexpired row must survive cleanup")
	}
}
