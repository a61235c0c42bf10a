package notify

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRecipients is returned when a tier has nobody to notify
	ErrNoRecipients = errors.New("no recipients configured")

	// ErrPermanent marks transport failures that retrying cannot fix
	ErrPermanent = errors.New("permanent delivery failure")
)

// DeliveryError describes a notification that could not be delivered
type DeliveryError struct {
	AlertID  string
	Tier     int
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of alert %s tier %d failed after %d attempt(s): %v",
		e.AlertID, e.Tier, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Permanent wraps err so the dispatcher does not retry it
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

func isTransient(err error) bool {
	return !errors.Is(err, ErrPermanent) && !errors.Is(err, ErrNoRecipients)
}
