package store

import (
	"context"
	"errors"
	"time"

	"github.com/t77yq/crisis-escalation/internal/model"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Store persists alerts and feedback. Alerts and feedback are the durable
// records; keyword statistics are always rebuilt from them.
type Store interface {
	// SaveAlert inserts or replaces an alert
	SaveAlert(ctx context.Context, alert *model.Alert) error

	// GetAlert returns an alert by ID or ErrNotFound
	GetAlert(ctx context.Context, id string) (*model.Alert, error)

	// ListAlerts returns alerts created at or after since, oldest first
	ListAlerts(ctx context.Context, since time.Time) ([]*model.Alert, error)

	// ListUnresolved returns every alert that is not yet resolved, oldest first
	ListUnresolved(ctx context.Context) ([]*model.Alert, error)

	// UpsertFeedback inserts or replaces the feedback for an alert.
	// It reports whether a new record was created.
	UpsertFeedback(ctx context.Context, fb *model.Feedback) (bool, error)

	// GetFeedback returns the feedback for an alert or ErrNotFound
	GetFeedback(ctx context.Context, alertID string) (*model.Feedback, error)

	// ListFeedback returns a page of feedback, newest submission first, and the total count
	ListFeedback(ctx context.Context, offset, limit int) ([]*model.Feedback, int, error)

	// AllFeedback returns every feedback record ordered by submission time then alert ID
	AllFeedback(ctx context.Context) ([]*model.Feedback, error)

	// Close releases resources
	Close() error
}
