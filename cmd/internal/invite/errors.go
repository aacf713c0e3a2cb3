package invite

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")

	// Redemption outcomes surfaced to clients.
	ErrInviteInvalid     = errors.New("invite invalid")
	ErrInviteExpired     = errors.New("invite expired")
	ErrInviteAlreadyUsed = errors.New("invite already used")
)
