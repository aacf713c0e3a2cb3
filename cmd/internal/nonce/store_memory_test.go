package nonce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_PersistAndHasSeen(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	seen, err := st.HasSeen(ctx, "cli_a", "n1")
	if err != nil || seen {
		t.Fatalf("expected unseen before persist, seen=%v err=%v", seen, err)
	}

	rec := Record{ClientID: "cli_a", Nonce: "n1", SeenAt: now, ExpiresAt: now.Add(time.Minute)}
	if err := st.Persist(ctx, rec); err != nil {
		t.Fatalf("first persist: %v", err)
	}
	seen, err = st.HasSeen(ctx, "cli_a", "n1")
	if err != nil || !seen {
		t.Fatalf("expected seen after persist, seen=%v err=%v", seen, err)
	}

	rec.SeenAt = now.Add(time.Second)
	if err := st.Persist(ctx, rec); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on second persist, got %v", err)
	}

	// Nonces are scoped per client.
	other := Record{ClientID: "cli_b", Nonce: "n1", SeenAt: now, ExpiresAt: now.Add(time.Minute)}
	if err := st.Persist(ctx, other); err != nil {
		t.Fatalf("other client with same nonce: %v", err)
	}
}

func TestMemoryStore_PersistInvalid(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	if err := st.Persist(context.Background(), Record{ClientID: "cli_a"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestMemoryStore_CleanupExpiredBoundary(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()
	cut := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	recs := []Record{
		{ClientID: "c", Nonce: "past", SeenAt: cut.Add(-2 * time.Minute), ExpiresAt: cut.Add(-time.Minute)},
		{ClientID: "c", Nonce: "equal", SeenAt: cut.Add(-time.Minute), ExpiresAt: cut},
		{ClientID: "c", Nonce: "future", SeenAt: cut, ExpiresAt: cut.Add(time.Nanosecond)},
	}
	for _, r := range recs {
		if err := st.Persist(ctx, r); err != nil {
			t.Fatalf("persist %s: %v", r.Nonce, err)
		}
	}

	n, err := st.CleanupExpired(ctx, cut)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if seen, _ := st.HasSeen(ctx, "c", "future"); !seen {
		t.Fatalf("row with expires_at > cut must survive")
	}
	if seen, _ := st.HasSeen(ctx, "c", "equal"); seen {
		t.Fatalf("row with expires_at == cut must be removed")
	}
}

func TestMemoryStore_ConcurrentPersistOneWinner(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	now := time.Now().UTC()

	const attempts = 16
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			errs <- st.Persist(context.Background(), Record{
				ClientID: "cli_a", Nonce: "race", SeenAt: now, ExpiresAt: now.Add(time.Minute),
			})
		}()
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrDuplicate):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", success)
	}
}
