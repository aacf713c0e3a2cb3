package app

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"relay/cmd/security/sealer"
	"relay/cmd/security/token"
)

// minHMACKeyBytes is measured in bytes (not runes); the key is used raw.
const minHMACKeyBytes = 32

// ValidateSecurityConfig enforces the relay security policy at startup.
// Misconfiguration fails fast instead of silently running weaker.
func ValidateSecurityConfig(cfg Config) error {
	if err := cfg.Relay.Upload().Validate(); err != nil {
		return fmt.Errorf("security policy: %w", err)
	}

	if _, err := NewSealer(cfg); err != nil {
		return err
	}

	// An HMAC key that is set but short is rejected even when not required.
	keySet := strings.TrimSpace(os.Getenv(token.HMACEnvKey)) != ""
	if !cfg.RequireTokenHMAC && !keySet {
		return nil
	}
	if _, err := token.HMACKeyFromEnv(minHMACKeyBytes); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: RELAY_REQUIRE_TOKEN_HMAC=true but RELAY_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: RELAY_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}
	return nil
}

// NewSealer returns the client-secret sealer for cfg.
func NewSealer(cfg Config) (sealer.Sealer, error) {
	if cfg.SecretSealKey == "" {
		if cfg.RequireSecretSeal {
			return nil, errors.New("security policy: RELAY_REQUIRE_SECRET_SEAL=true but RELAY_SECRET_SEAL_KEY is missing")
		}
		return sealer.Plain{}, nil
	}
	sl, err := sealer.New(cfg.SecretSealKey)
	if err != nil {
		return nil, fmt.Errorf("security policy: RELAY_SECRET_SEAL_KEY: %w", err)
	}
	return sl, nil
}
