package permanent

import (
	"errors"

	"alertbridge/internal/domain"
)

// Error marks a delivery that must not be redelivered.
// Params: wrapped root cause.
// Returns: typed marker found by Is.
type Error struct {
	Err error
}

func (e Error) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

// Unwrap exposes wrapped cause for errors.Is/errors.As.
func (e Error) Unwrap() error {
	return e.Err
}

// Mark wraps error with permanent marker.
// Params: source error.
// Returns: wrapped error or nil.
func Mark(err error) error {
	if err == nil {
		return nil
	}
	return Error{Err: err}
}

// Is reports whether a redelivery of the same input can never succeed.
// Params: candidate error.
// Returns: true for marked errors and rejected webhook input.
func Is(err error) bool {
	if err == nil {
		return false
	}
	var marked Error
	if errors.As(err, &marked) {
		return true
	}
	return domain.IsMalformed(err)
}
