package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrNotModifiable       = errors.New("task cannot be modified")
	ErrNotDeletable        = errors.New("task cannot be deleted")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrAlreadyRunning      = errors.New("task is already running")
	ErrUnreachableSchedule = errors.New("schedule cannot be satisfied")
)

// ValidationError names the offending input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
