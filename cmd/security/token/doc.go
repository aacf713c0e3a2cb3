// Package token provides hashing and generation primitives for relay tokens.
//
// It is the single source of truth for invite-code hashing and for the
// random identifiers handed out at redemption time.
//
// Hashing:
//   - Default mode: SHA-256(code) when no HMAC key is configured.
//   - Keyed mode: HMAC-SHA256(code, key) when RELAY_TOKEN_HMAC_KEY is set.
//   - Output is always 64-char lowercase hex, suitable as a primary key.
//
// Generation:
//   - Tokens are crypto/rand bytes rendered base64url (no padding) behind a
//     fixed human-readable prefix ("cli_", "sec_", "inv_").
package token
