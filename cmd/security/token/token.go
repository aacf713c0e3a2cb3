package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the invite-code hashing key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "RELAY_TOKEN_HMAC_KEY"

	// DefaultBytes is the entropy used for generated tokens (256 bits).
	DefaultBytes = 32
)

// Token prefixes. They make leaked values easy to classify.
const (
	PrefixClientID     = "cli_"
	PrefixClientSecret = "sec_"
	PrefixInviteCode   = "inv_"
)

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// HMACKeyFromEnv returns the configured HMAC key bytes (trimmed), enforcing a minimum byte length.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}

// HashInviteCodeHex hashes a plaintext invite code for storage and lookup.
// Surrounding whitespace is not part of the code.
func HashInviteCodeHex(code string) string {
	code = strings.TrimSpace(code)
	key := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if key == "" {
		return HashSHA256Hex(code)
	}
	return HashHMACSHA256Hex(code, []byte(key))
}

// New returns prefix followed by nBytes of random data, base64url encoded.
func New(prefix string, nBytes int) (string, error) {
	if nBytes <= 0 {
		return "", ErrInvalidLength
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + base64.RawURLEncoding.EncodeToString(b), nil
}
