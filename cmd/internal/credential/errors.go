package credential

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("credential not found")
	ErrConflict     = errors.New("credential already exists")
)
