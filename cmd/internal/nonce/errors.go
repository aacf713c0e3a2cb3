package nonce

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrDuplicate reports that the (client id, nonce) pair is already recorded.
	ErrDuplicate = errors.New("nonce already recorded")
)
