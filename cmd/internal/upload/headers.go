package upload

import (
	"net/http"
	"strconv"
	"strings"

	"relay/cmd/security/signature"

	"github.com/google/uuid"
)

// Auth header names sent by clients.
const (
	HeaderClientID  = "X-Client-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

const maxClientIDLen = 128

type authHeaders struct {
	clientID  string
	timestamp int64
	nonce     string
	signature string
}

func parseAuthHeaders(h http.Header) (authHeaders, error) {
	clientID := strings.TrimSpace(h.Get(HeaderClientID))
	tsRaw := strings.TrimSpace(h.Get(HeaderTimestamp))
	nonce := strings.TrimSpace(h.Get(HeaderNonce))
	sig := strings.TrimSpace(h.Get(HeaderSignature))

	if clientID == "" || tsRaw == "" || nonce == "" || sig == "" {
		return authHeaders{}, errMissingHeader
	}
	if len(clientID) > maxClientIDLen || strings.ContainsAny(clientID, "\n\r") {
		return authHeaders{}, errBadClientID
	}
	ts, ok := parseUnixSeconds(tsRaw)
	if !ok {
		return authHeaders{}, errBadTimestamp
	}
	// Only the canonical 36-char form; uuid.Validate alone also admits
	// braces and urn prefixes.
	if len(nonce) != 36 || uuid.Validate(nonce) != nil {
		return authHeaders{}, errBadNonce
	}
	if !signature.IsLowerHex64(sig) {
		return authHeaders{}, errBadSignature
	}
	return authHeaders{clientID: clientID, timestamp: ts, nonce: nonce, signature: sig}, nil
}

// parseUnixSeconds accepts unsigned decimal digits only.
func parseUnixSeconds(s string) (int64, bool) {
	if s == "" || len(s) > 19 {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
