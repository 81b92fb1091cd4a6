package domain

import (
	"errors"
	"fmt"
)

var (
	ErrGarageClosed       = errors.New("garage is closed")
	ErrDriverBlocked      = errors.New("driver is temporarily blocked")
	ErrConflictingBooking = errors.New("driver already holds an active booking")
	ErrSpotUnavailable    = errors.New("spot is not available")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidState       = errors.New("operation not allowed in current booking state")
	ErrNotOwner           = errors.New("caller is not the booking's driver")
	ErrNotAuthorized      = errors.New("caller is not authorized for this booking")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrNotFound           = errors.New("not found")
)

// ErrInvalidTransition is returned when the lifecycle table rejects a move.
var ErrInvalidTransition = fmt.Errorf("invalid booking state transition: %w", ErrInvalidState)

// IsRetryable separates conditions that may clear on their own from ones the
// caller must fix (input, balance, block).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSpotUnavailable) || errors.Is(err, ErrConflictingBooking)
}

// Invariant wraps ErrInvariantViolation with context.
func Invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// ErrorCode names the kind of err for API clients, or returns "" when err is
// not one of the kinds above.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrGarageClosed):
		return "garage_closed"
	case errors.Is(err, ErrDriverBlocked):
		return "driver_blocked"
	case errors.Is(err, ErrConflictingBooking):
		return "conflicting_booking"
	case errors.Is(err, ErrSpotUnavailable):
		return "spot_unavailable"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	default:
		return ""
	}
}
