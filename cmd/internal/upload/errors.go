package upload

import (
	"errors"
	"net/http"
)

// Kind classifies a rejected upload. The value is the wire error code.
type Kind string

const (
	KindAuthFailed     Kind = "auth_failed"
	KindNonceReplay    Kind = "nonce_replay"
	KindPayloadInvalid Kind = "payload_invalid"
	KindFileTooLarge   Kind = "file_too_large"
	KindForwardFailed  Kind = "discord_forward_failed"
)

// HTTPStatus maps k to its response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuthFailed:
		return http.StatusUnauthorized
	case KindNonceReplay:
		return http.StatusConflict
	case KindPayloadInvalid:
		return http.StatusUnprocessableEntity
	case KindFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindForwardFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Rejection is a request-scoped business failure. Err carries the internal
// reason for logs and is never sent to clients.
type Rejection struct {
	Kind      Kind
	RequestID string
	Err       error
}

func (r *Rejection) Error() string {
	if r.Err == nil {
		return "upload rejected: " + string(r.Kind)
	}
	return "upload rejected: " + string(r.Kind) + ": " + r.Err.Error()
}

func (r *Rejection) Unwrap() error { return r.Err }

// AsRejection reports whether err is a *Rejection and returns it.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

var (
	ErrInvalidConfig = errors.New("upload: invalid config")

	errMissingHeader   = errors.New("missing auth header")
	errBadClientID     = errors.New("malformed client id")
	errBadTimestamp    = errors.New("timestamp is not numeric")
	errBadNonce        = errors.New("nonce is not a uuid")
	errBadSignature    = errors.New("signature is not 64 lowercase hex chars")
	errClockSkew       = errors.New("timestamp outside allowed skew")
	errUnknownClient   = errors.New("unknown client")
	errInactiveClient  = errors.New("client inactive")
	errSeenNonce       = errors.New("nonce already seen")
	errRaceNonce       = errors.New("nonce committed concurrently")
	errOversize        = errors.New("payload exceeds cap")
	errBadMetadata     = errors.New("metadata malformed")
	errSizeMismatch    = errors.New("declared size does not match payload")
	errHashMismatch    = errors.New("declared hash does not match payload")
	errSignatureDenied = errors.New("signature mismatch")
)
