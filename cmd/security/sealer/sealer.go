// Package sealer encrypts client secrets before they reach the database.
//
// Client secrets are HMAC keys, so they cannot be stored as one-way hashes.
// When a seal key is configured, the stored column holds
// "v1:" + base64url(nonce || XChaCha20-Poly1305 ciphertext) bound to the
// client id as associated data, so a sealed value cannot be moved between rows.
package sealer

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const sealedPrefix = "v1:"

var (
	// ErrInvalidKey is returned when the configured key is not 32 bytes of hex.
	ErrInvalidKey = errors.New("sealer: key must be 64 hex chars (32 bytes)")
	// ErrMalformed is returned for stored values that are not sealed envelopes.
	ErrMalformed = errors.New("sealer: malformed sealed value")
	// ErrOpen is returned when authentication of a sealed value fails.
	ErrOpen = errors.New("sealer: cannot open sealed value")
)

// Sealer seals and opens secrets bound to an owner id.
type Sealer interface {
	Seal(owner, plain string) (string, error)
	Open(owner, stored string) (string, error)
}

// Plain stores secrets as-is. It is used when no seal key is configured.
type Plain struct{}

// Seal returns plain unchanged.
func (Plain) Seal(_, plain string) (string, error) { return plain, nil }

// Open returns stored unchanged.
func (Plain) Open(_, stored string) (string, error) { return stored, nil }

// XChaCha seals with XChaCha20-Poly1305.
type XChaCha struct {
	key []byte
}

// NewXChaCha builds a sealer from a hex-encoded 32-byte key.
func NewXChaCha(hexKey string) (*XChaCha, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return &XChaCha{key: key}, nil
}

// New returns Plain for an empty key, otherwise an XChaCha sealer.
func New(hexKey string) (Sealer, error) {
	if strings.TrimSpace(hexKey) == "" {
		return Plain{}, nil
	}
	return NewXChaCha(hexKey)
}

// Seal encrypts plain with a fresh random nonce.
func (s *XChaCha) Seal(owner, plain string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := aead.Seal(nonce, nonce, []byte(plain), []byte(owner))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal for the same owner.
func (s *XChaCha) Open(owner, stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return "", ErrMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", ErrMalformed
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformed
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, []byte(owner))
	if err != nil {
		return "", ErrOpen
	}
	return string(plain), nil
}
