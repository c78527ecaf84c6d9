package model

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is returned when a request fails validation.
var ErrInvalidInput = errors.New("cadence: invalid input")

// ErrNotFound is returned when a post, article or schedule does not exist.
var ErrNotFound = errors.New("cadence: not found")

// ErrStateConflict is returned when an operation is illegal in the current state.
var ErrStateConflict = errors.New("cadence: state conflict")

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("cadence: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("cadence: %s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StateConflictError carries the reason an operation was refused.
type StateConflictError struct {
	Op     string
	From   Status
	Reason string
}

func (e *StateConflictError) Error() string {
	if e.From != "" {
		return fmt.Sprintf("cadence: %s not allowed from %s: %s", e.Op, e.From, e.Reason)
	}
	return fmt.Sprintf("cadence: %s refused: %s", e.Op, e.Reason)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }
