package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors raised by service layers. Handlers translate them to
// HTTP statuses; nothing below the handler layer knows about HTTP.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUpstream     = errors.New("upstream unavailable")
)

// NotFoundf wraps ErrNotFound with context.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Conflictf wraps ErrConflict with context.
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// Validationf wraps ErrValidation with context.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// IndexedError reports a failure tied to one row of a batch request.
// Index is the zero-based position in the submitted slice.
type IndexedError struct {
	Index int
	Kind  error // ErrValidation or ErrConflict
	Msg   string
}

func (e *IndexedError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Index, e.Msg)
}

// Unwrap lets errors.Is match the underlying kind.
func (e *IndexedError) Unwrap() error {
	return e.Kind
}

// IndexOf extracts the row index from err when it carries one;
// returns -1 otherwise.
func IndexOf(err error) int {
	var ie *IndexedError
	if errors.As(err, &ie) {
		return ie.Index
	}
	return -1
}
