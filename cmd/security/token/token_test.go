package token

import (
	"strings"
	"testing"
)

func TestHashInviteCodeHex_SHAMode(t *testing.T) {
	t.Setenv(HMACEnvKey, "")

	got := HashInviteCodeHex("  inv_abc \n")
	want := HashSHA256Hex("inv_abc")
	if got != want {
		t.Fatalf("hash mismatch: got=%s want=%s", got, want)
	}
	if len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(got))
	}
}

func TestHashInviteCodeHex_HMACMode(t *testing.T) {
	key := strings.Repeat("k", 32)
	t.Setenv(HMACEnvKey, key)

	got := HashInviteCodeHex("inv_abc")
	if got != HashHMACSHA256Hex("inv_abc", []byte(key)) {
		t.Fatalf("expected HMAC digest")
	}
	if got == HashSHA256Hex("inv_abc") {
		t.Fatalf("HMAC mode must not fall back to plain SHA-256")
	}
}

func TestHMACKeyFromEnv(t *testing.T) {
	t.Setenv(HMACEnvKey, "")
	if _, err := HMACKeyFromEnv(32); err != ErrHMACKeyMissing {
		t.Fatalf("expected ErrHMACKeyMissing, got %v", err)
	}

	t.Setenv(HMACEnvKey, "short")
	if _, err := HMACKeyFromEnv(32); err != ErrHMACKeyTooShort {
		t.Fatalf("expected ErrHMACKeyTooShort, got %v", err)
	}

	t.Setenv(HMACEnvKey, strings.Repeat("x", 32))
	if _, err := HMACKeyFromEnv(32); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	a, err := New(PrefixClientID, DefaultBytes)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New(PrefixClientID, DefaultBytes)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !strings.HasPrefix(a, PrefixClientID) {
		t.Fatalf("missing prefix: %q", a)
	}
	if a == b {
		t.Fatalf("expected distinct tokens")
	}
	// 32 bytes -> 43 base64url chars.
	if got := len(strings.TrimPrefix(a, PrefixClientID)); got != 43 {
		t.Fatalf("unexpected token body length %d", got)
	}

	if _, err := New(PrefixClientSecret, 0); err != ErrInvalidLength {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}
