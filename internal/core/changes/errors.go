package changes

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("invalid change operation")

	ErrMalformedChange = errors.New("malformed change")
	ErrMissingField    = errors.New("missing field")
)

// ValidationError describes why an operation was rejected.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Err}
}

func malformed(format string, args ...any) error {
	return &ValidationError{Field: "changes", Reason: fmt.Sprintf(format, args...), Err: ErrMalformedChange}
}

func missing(field string) error {
	return &ValidationError{Field: field, Reason: "required", Err: ErrMissingField}
}
