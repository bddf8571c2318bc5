package approval

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no request exists with the given id.
	ErrNotFound = errors.New("approval request not found")

	// ErrAlreadyTerminal is returned when deciding on a request that is
	// already approved, rejected or executed.
	ErrAlreadyTerminal = errors.New("approval request already resolved")

	// ErrExpired is returned when deciding on a request past its deadline.
	ErrExpired = errors.New("approval request expired")

	// ErrNotApproved is returned when executing, or granting access from, a
	// request that is not in the approved state.
	ErrNotApproved = errors.New("approval request not approved")

	// ErrSelfDecision is returned when a requester decides their own request.
	ErrSelfDecision = errors.New("requester cannot decide their own request")
)

// ErrValidation is returned when the caller supplies invalid input.
type ErrValidation struct{ Msg string }

func (e *ErrValidation) Error() string { return e.Msg }

// ExecutionError wraps the error returned by a gated action. The request
// stays approved and may be executed again.
type ExecutionError struct {
	RequestID uuid.UUID
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute approval request %s: %v", e.RequestID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
