package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// token is the cancellation handle for one alert's escalation timers.
// Its fields are guarded by mu; callers that need the cancel to be atomic
// with a status change hold the alert's lock around Cancel.
type token struct {
	mu      sync.Mutex
	alertID string
	next    int // index into tiers of the next tier to fire
	state   State
	timer   *time.Timer
}

func (t *token) live() bool {
	return t.state == StateArmed || t.state == StateFired
}

// EscalationScheduler owns one cancellable timer chain per non-terminal alert
type EscalationScheduler struct {
	logger   *zap.Logger
	tiers    []time.Duration
	notifier Notifier
	observer Observer

	mu      sync.Mutex
	tokens  map[string]*token
	stopped bool
}

// NewEscalationScheduler creates a scheduler for the given tier SLAs.
// tiers[0] is measured from alert creation, tiers[n] from the firing of tier n.
// observer may be nil.
func NewEscalationScheduler(logger *zap.Logger, tiers []time.Duration, notifier Notifier, observer Observer) *EscalationScheduler {
	return &EscalationScheduler{
		logger:   logger.Named("escalation-scheduler"),
		tiers:    append([]time.Duration(nil), tiers...),
		notifier: notifier,
		observer: observer,
		tokens:   make(map[string]*token),
	}
}

// Tiers returns the number of escalation tiers
func (s *EscalationScheduler) Tiers() int {
	return len(s.tiers)
}

// Arm starts the timer for the first tier after firedTier (0 for a new
// alert). The deadline is createdAt plus the SLAs of every tier up to and
// including that one, so a restored alert resumes where it stopped. Arming an
// alert that already has a live timer, or whose tiers are all spent, is a
// no-op and returns false.
func (s *EscalationScheduler) Arm(alertID string, createdAt time.Time, firedTier int, guard Guard) bool {
	if firedTier < 0 {
		firedTier = 0
	}
	if firedTier >= len(s.tiers) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if _, ok := s.tokens[alertID]; ok {
		return false
	}

	deadline := createdAt
	for _, sla := range s.tiers[:firedTier+1] {
		deadline = deadline.Add(sla)
	}
	delay := time.Until(deadline)
	if delay < 0 {
		delay = 0
	}

	tok := &token{alertID: alertID, next: firedTier, state: StateArmed}
	tok.mu.Lock()
	tok.timer = time.AfterFunc(delay, func() { s.fire(tok, guard) })
	tok.mu.Unlock()
	s.tokens[alertID] = tok

	s.logger.Debug("Escalation armed",
		zap.String("alert_id", alertID),
		zap.Int("next_tier", firedTier+1),
		zap.Duration("delay", delay))
	return true
}

// Cancel stops any live timer for the alert. It is idempotent: unknown,
// cancelled and exhausted alerts are a no-op.
func (s *EscalationScheduler) Cancel(alertID string) {
	s.mu.Lock()
	tok, ok := s.tokens[alertID]
	delete(s.tokens, alertID)
	s.mu.Unlock()

	if !ok {
		return
	}

	tok.mu.Lock()
	defer tok.mu.Unlock()
	if !tok.live() {
		return
	}
	tok.state = StateCancelled
	if tok.timer != nil {
		tok.timer.Stop()
	}

	s.logger.Debug("Escalation cancelled",
		zap.String("alert_id", alertID),
		zap.Int("tiers_fired", tok.next))
}

// State returns the timer state for a tracked alert
func (s *EscalationScheduler) State(alertID string) (State, bool) {
	s.mu.Lock()
	tok, ok := s.tokens[alertID]
	s.mu.Unlock()
	if !ok {
		return "", false
	}

	tok.mu.Lock()
	defer tok.mu.Unlock()
	return tok.state, true
}

// Active returns the number of alerts with a live timer
func (s *EscalationScheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Stop cancels every timer; later Arm calls are ignored
func (s *EscalationScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	ids := make([]string, 0, len(s.tokens))
	for id := range s.tokens {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Cancel(id)
	}
	s.logger.Info("Escalation scheduler stopped", zap.Int("cancelled", len(ids)))
}

// fire runs when a tier's SLA expires. The decision to fire is taken under
// the guard's per-alert lock, re-checking the token there, so an
// acknowledgment that won the lock first always suppresses the tier.
func (s *EscalationScheduler) fire(tok *token, guard Guard) {
	var (
		fired     int
		exhausted bool
	)

	alert, ok := guard.Escalate(tok.alertID, func() (int, bool) {
		tok.mu.Lock()
		defer tok.mu.Unlock()

		if !tok.live() {
			return 0, false
		}

		tok.next++
		fired = tok.next
		if tok.next < len(s.tiers) {
			tok.state = StateFired
			tok.timer = time.AfterFunc(s.tiers[tok.next], func() { s.fire(tok, guard) })
		} else {
			tok.state = StateExhausted
			exhausted = true
		}
		return fired, true
	})

	if !ok {
		s.retire(tok)
		return
	}
	if exhausted {
		s.retire(tok)
	}

	s.logger.Warn("Escalation fired",
		zap.String("alert_id", alert.ID),
		zap.Int("tier", fired),
		zap.Bool("exhausted", exhausted))

	if s.observer != nil {
		s.observer.RecordEscalation(alert.ID, fired)
	}
	s.notifier.Dispatch(alert, fired)
}

// retire drops tok from the table if it is still the registered token
func (s *EscalationScheduler) retire(tok *token) {
	s.mu.Lock()
	if s.tokens[tok.alertID] == tok {
		delete(s.tokens, tok.alertID)
	}
	s.mu.Unlock()

	tok.mu.Lock()
	if tok.live() {
		tok.state = StateCancelled
		if tok.timer != nil {
			tok.timer.Stop()
		}
	}
	tok.mu.Unlock()
}
