package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
)

// Fields is the signed portion of an upload request.
type Fields struct {
	Method        string
	Path          string
	ClientID      string
	Timestamp     int64
	Nonce         string
	FileHash      string
	FileSizeBytes int64
	SchemaVersion string
}

// Canonical renders f as the exact byte sequence that gets signed.
func Canonical(f Fields) string {
	return strings.Join([]string{
		f.Method,
		f.Path,
		f.ClientID,
		strconv.FormatInt(f.Timestamp, 10),
		f.Nonce,
		f.FileHash,
		strconv.FormatInt(f.FileSizeBytes, 10),
		f.SchemaVersion,
	}, "\n")
}

// Sign returns the lowercase hex HMAC-SHA256 of canonical under secret.
func Sign(secret, canonical string) string {
	m := hmac.New(sha256.New, []byte(secret))
	_, _ = m.Write([]byte(canonical))
	return hex.EncodeToString(m.Sum(nil))
}

// Verify reports whether provided is the signature of canonical under secret.
// Malformed or odd-length hex and length mismatches report false.
func Verify(secret, canonical, provided string) bool {
	expected := Sign(secret, canonical)
	if len(provided) != len(expected) || len(provided)%2 != 0 {
		return false
	}
	want, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, got) == 1
}

// IsLowerHex64 reports whether s is exactly 64 lowercase hex characters.
func IsLowerHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
