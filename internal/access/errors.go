package access

import "errors"

var (
	// ErrGrantNotFound is returned when no grant exists with the given id.
	ErrGrantNotFound = errors.New("access grant not found")

	// ErrAlreadyGranted is returned when an approval has already produced a grant.
	ErrAlreadyGranted = errors.New("approval request already granted")
)

// ErrValidation is returned when the caller supplies invalid input.
type ErrValidation struct{ Msg string }

func (e *ErrValidation) Error() string { return e.Msg }
