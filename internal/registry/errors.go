package registry

import (
	"errors"
	"fmt"

	"github.com/t77yq/crisis-escalation/internal/model"
)

var (
	// ErrNotFound is returned when an alert ID is unknown
	ErrNotFound = errors.New("alert not found")

	// ErrInvalidTransition is returned when a status change would violate the lifecycle
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrValidation is returned when a required field is missing or malformed
	ErrValidation = errors.New("validation failed")
)

// ValidationError names the offending field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError carries the current status so callers can reconcile
type TransitionError struct {
	AlertID string
	From    model.AlertStatus
	To      model.AlertStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("alert %s cannot move from %s to %s", e.AlertID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func notFound(id string) error {
	return fmt.Errorf("alert %s: %w", id, ErrNotFound)
}
