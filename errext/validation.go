package errext

import "fmt"

// ValidationError is returned when a request or descriptor field fails
// validation. Field names the offending field.
type ValidationError struct {
	Field string
	Msg   string
}

// NewValidation returns a ValidationError for the given field.
func NewValidation(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// Kind implements HasKind.
func (e *ValidationError) Kind() Kind { return KindValidation }

var _ HasKind = &ValidationError{}
