package userstate

import "errors"

// Sentinel error kinds (stable for errors.Is in callers and tests).
var (
	ErrInvalidInput = errors.New("invalid_input")
)

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }
