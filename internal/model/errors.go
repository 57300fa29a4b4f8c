package model

import (
	"errors"
	"fmt"
)

// ErrUpstreamUnavailable marks an incident-feed lookup that could not be
// completed; only the official lens degrades, sibling lenses keep serving.
var ErrUpstreamUnavailable = errors.New("incident feed unavailable")

// ErrInternalAggregation marks corrupt aggregator bookkeeping. It is surfaced
// to the caller, never turned into a false healthy.
var ErrInternalAggregation = errors.New("internal aggregation error")

// ValidationError rejects malformed input at the boundary. Nothing is
// partially ingested when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Validationf builds a ValidationError for one field.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a boundary rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
