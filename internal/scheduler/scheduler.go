package scheduler

import (
	"github.com/t77yq/crisis-escalation/internal/model"
)

// Guard owns the per-alert lock. Escalate must, while holding that lock,
// confirm the alert is still pending, call advance, and on success record
// the returned tier on the alert. It returns a snapshot of the escalated alert.
type Guard interface {
	Escalate(alertID string, advance func() (tier int, ok bool)) (*model.Alert, bool)
}

// Notifier delivers escalation notifications without blocking the caller
type Notifier interface {
	Dispatch(alert *model.Alert, tier int)
}

// Observer is told about every escalation tier that fires
type Observer interface {
	RecordEscalation(alertID string, tier int)
}

// State is the lifecycle of an escalation timer
type State string

const (
	StateArmed     State = "armed"
	StateFired     State = "fired"
	StateCancelled State = "cancelled"
	StateExhausted State = "exhausted"
)
