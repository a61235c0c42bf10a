package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/crisis-escalation/internal/model"
	"github.com/t77yq/crisis-escalation/internal/scheduler"
	"github.com/t77yq/crisis-escalation/internal/store"
)

// Lifecycle event kinds passed to an EventSink
const (
	EventCreated      = "created"
	EventAcknowledged = "acknowledged"
	EventIntervened   = "intervened"
	EventResolved     = "resolved"
	EventEscalated    = "escalated"
)

// Scheduler arms and cancels escalation timers
type Scheduler interface {
	Arm(alertID string, createdAt time.Time, firedTier int, guard scheduler.Guard) bool
	Cancel(alertID string)
}

// EventSink receives alert lifecycle events after the alert lock is released
type EventSink interface {
	AlertEvent(kind string, alert *model.Alert)
}

type entry struct {
	mu    sync.Mutex
	alert *model.Alert
}

// Registry is the authoritative in-memory table of alerts. Every mutation of
// one alert happens under that alert's lock; cancelling the escalation timer
// and writing the new status are done inside the same critical section.
type Registry struct {
	logger      *zap.Logger
	sched       Scheduler
	store       store.Store
	notifier    scheduler.Notifier
	events      EventSink
	dedupWindow time.Duration
	now         func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	dedupMu sync.Mutex
	dedup   map[dedupKey]dedupEntry
}

// Option configures a Registry
type Option func(*Registry)

// WithStore writes every mutation through to s
func WithStore(s store.Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithNotifier sends the initial tier-0 notification for new alerts
func WithNotifier(n scheduler.Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

// WithEvents publishes lifecycle events to sink
func WithEvents(sink EventSink) Option {
	return func(r *Registry) { r.events = sink }
}

// WithDedupWindow merges detections for the same user, session and risk
// type within window into one alert. Zero disables merging.
func WithDedupWindow(window time.Duration) Option {
	return func(r *Registry) { r.dedupWindow = window }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry that arms escalations on sched
func New(logger *zap.Logger, sched Scheduler, opts ...Option) *Registry {
	r := &Registry{
		logger:  logger.Named("registry"),
		sched:   sched,
		now:     time.Now,
		entries: make(map[string]*entry),
		dedup:   make(map[dedupKey]dedupEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func validateDetection(d model.Detection) error {
	if strings.TrimSpace(d.UserID) == "" {
		return &ValidationError{Field: "userId", Reason: "is required"}
	}
	if strings.TrimSpace(d.SessionID) == "" {
		return &ValidationError{Field: "sessionId", Reason: "is required"}
	}
	if !d.RiskLevel.Valid() {
		return &ValidationError{Field: "riskLevel", Reason: "must be one of LOW, MEDIUM, HIGH, CRITICAL"}
	}
	if !d.RiskType.Valid() {
		return &ValidationError{Field: "riskType", Reason: "must be one of suicidal, psychosis, self_harm, violence"}
	}
	if strings.TrimSpace(d.SourceMessage) == "" {
		return &ValidationError{Field: "sourceMessage", Reason: "is required"}
	}
	return nil
}

// Create records a detection. If a pending or acknowledged alert for the
// same user, session and risk type exists inside the dedup window, the
// detection's keywords are merged into it and created is false. Otherwise a new pending
// alert is stored, its escalation armed and its initial notification sent.
func (r *Registry) Create(ctx context.Context, d model.Detection) (*model.Alert, bool, error) {
	if err := validateDetection(d); err != nil {
		return nil, false, err
	}

	now := r.now().UTC()
	key := dedupKey{userID: d.UserID, sessionID: d.SessionID, riskType: d.RiskType}

	r.dedupMu.Lock()
	if id, ok := r.liveDedup(key, now); ok {
		if e := r.lookup(id); e != nil {
			e.mu.Lock()
			if e.alert.Status.AcceptsMerge() {
				r.dedupMu.Unlock()
				e.alert.DetectedKeywords = model.NormalizeKeywords(e.alert.DetectedKeywords, d.Keywords)
				snap := e.alert.Clone()
				r.persist(ctx, snap)
				e.mu.Unlock()

				r.logger.Info("Detection merged into open alert",
					zap.String("alert_id", snap.ID),
					zap.Strings("keywords", snap.DetectedKeywords))
				return snap, false, nil
			}
			e.mu.Unlock()
		}
	}

	alert := &model.Alert{
		ID:               uuid.NewString(),
		CreatedAt:        now,
		UserID:           d.UserID,
		SessionID:        d.SessionID,
		RiskLevel:        d.RiskLevel,
		RiskType:         d.RiskType,
		SourceMessage:    d.SourceMessage,
		DetectedKeywords: model.NormalizeKeywords(d.Keywords),
		Status:           model.AlertStatusPending,
	}
	e := &entry{alert: alert}
	e.mu.Lock()

	r.mu.Lock()
	r.entries[alert.ID] = e
	r.mu.Unlock()

	if r.dedupWindow > 0 {
		r.dedup[key] = dedupEntry{alertID: alert.ID, expiresAt: now.Add(r.dedupWindow)}
	}
	r.dedupMu.Unlock()

	r.sched.Arm(alert.ID, alert.CreatedAt, 0, r)
	snap := alert.Clone()
	r.persist(ctx, snap)
	e.mu.Unlock()

	r.logger.Warn("Crisis alert created",
		zap.String("alert_id", snap.ID),
		zap.String("risk_type", string(snap.RiskType)),
		zap.String("risk_level", string(snap.RiskLevel)))

	if r.notifier != nil {
		r.notifier.Dispatch(snap, 0)
	}
	r.publish(EventCreated, snap)
	return snap, true, nil
}

// Acknowledge moves a pending alert to acknowledged and cancels its escalation
func (r *Registry) Acknowledge(ctx context.Context, id, memberID, notes string) (*model.Alert, error) {
	if strings.TrimSpace(memberID) == "" {
		return nil, &ValidationError{Field: "clinicalMemberId", Reason: "is required"}
	}
	return r.transition(ctx, id, model.AlertStatusAcknowledged, func(a *model.Alert, now time.Time) {
		a.AcknowledgedBy = &memberID
		a.AcknowledgedAt = &now
		if notes != "" {
			a.Notes = &notes
		}
	})
}

// Intervene records that a clinician has started an intervention on an
// acknowledged alert
func (r *Registry) Intervene(ctx context.Context, id, memberID, notes string) (*model.Alert, error) {
	if strings.TrimSpace(memberID) == "" {
		return nil, &ValidationError{Field: "clinicalMemberId", Reason: "is required"}
	}
	return r.transition(ctx, id, model.AlertStatusIntervened, func(a *model.Alert, now time.Time) {
		a.IntervenedBy = &memberID
		a.IntervenedAt = &now
		if notes != "" {
			a.InterventionNotes = &notes
		}
	})
}

// Resolve closes an alert from any non-terminal status
func (r *Registry) Resolve(ctx context.Context, id, resolution string) (*model.Alert, error) {
	if strings.TrimSpace(resolution) == "" {
		return nil, &ValidationError{Field: "resolution", Reason: "is required"}
	}
	return r.transition(ctx, id, model.AlertStatusResolved, func(a *model.Alert, now time.Time) {
		a.Resolution = &resolution
		a.ResolvedAt = &now
	})
}

func eventFor(status model.AlertStatus) string {
	switch status {
	case model.AlertStatusAcknowledged:
		return EventAcknowledged
	case model.AlertStatusIntervened:
		return EventIntervened
	default:
		return EventResolved
	}
}

func (r *Registry) transition(ctx context.Context, id string, to model.AlertStatus, apply func(*model.Alert, time.Time)) (*model.Alert, error) {
	e := r.lookup(id)
	if e == nil {
		// Pruned alerts are terminal; report the stored status.
		if r.store != nil {
			if stored, err := r.store.GetAlert(ctx, id); err == nil {
				return nil, &TransitionError{AlertID: id, From: stored.Status, To: to}
			}
		}
		return nil, notFound(id)
	}

	e.mu.Lock()
	from := e.alert.Status
	if !from.CanTransition(to) {
		e.mu.Unlock()
		return nil, &TransitionError{AlertID: id, From: from, To: to}
	}

	r.sched.Cancel(id)
	e.alert.Status = to
	apply(e.alert, r.now().UTC())
	snap := e.alert.Clone()
	r.persist(ctx, snap)
	e.mu.Unlock()

	r.logger.Info("Alert status changed",
		zap.String("alert_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	r.publish(eventFor(to), snap)
	return snap, nil
}

// Escalate implements scheduler.Guard
func (r *Registry) Escalate(alertID string, advance func() (int, bool)) (*model.Alert, bool) {
	e := r.lookup(alertID)
	if e == nil {
		return nil, false
	}

	e.mu.Lock()
	if e.alert.Status != model.AlertStatusPending {
		e.mu.Unlock()
		return nil, false
	}
	tier, ok := advance()
	if !ok {
		e.mu.Unlock()
		return nil, false
	}
	e.alert.EscalationTier = tier
	snap := e.alert.Clone()
	r.persist(context.Background(), snap)
	e.mu.Unlock()

	r.publish(EventEscalated, snap)
	return snap, true
}

// Get returns a copy of the alert. Alerts pruned from memory are read from the store.
func (r *Registry) Get(ctx context.Context, id string) (*model.Alert, error) {
	if e := r.lookup(id); e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.alert.Clone(), nil
	}
	if r.store != nil {
		alert, err := r.store.GetAlert(ctx, id)
		if err == nil {
			return alert, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return nil, notFound(id)
}

// GetActive returns copies of every non-resolved alert, oldest first
func (r *Registry) GetActive() []*model.Alert {
	var active []*model.Alert
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		if !e.alert.Status.Terminal() {
			active = append(active, e.alert.Clone())
		}
		e.mu.Unlock()
	}
	sortAlerts(active)
	return active
}

// Stats counts alerts held in memory by status and risk type
func (r *Registry) Stats() model.AlertStats {
	stats := model.AlertStats{
		ByStatus:   make(map[model.AlertStatus]int),
		ByRiskType: make(map[model.RiskType]int),
	}
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		stats.Total++
		stats.ByStatus[e.alert.Status]++
		stats.ByRiskType[e.alert.RiskType]++
		e.mu.Unlock()
	}
	return stats
}

// Restore loads unresolved alerts from the store and re-arms their
// escalation from the last tier that fired. Unfired tiers whose SLA already
// elapsed fire immediately. Dedup windows still open are rebuilt.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	alerts, err := r.store.ListUnresolved(ctx)
	if err != nil {
		return 0, err
	}

	now := r.now().UTC()
	restored := 0
	for _, alert := range alerts {
		r.mu.Lock()
		if _, ok := r.entries[alert.ID]; ok {
			r.mu.Unlock()
			continue
		}
		r.entries[alert.ID] = &entry{alert: alert}
		r.mu.Unlock()

		r.restoreDedup(alert, now)
		if alert.Status == model.AlertStatusPending {
			r.sched.Arm(alert.ID, alert.CreatedAt, alert.EscalationTier, r)
		}
		restored++
	}

	r.logger.Info("Restored unresolved alerts", zap.Int("count", restored))
	return restored, nil
}

// Prune evicts resolved alerts whose resolution is older than before. They
// stay readable through the store.
func (r *Registry) Prune(before time.Time) int {
	var stale []string
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		if e.alert.Status.Terminal() && e.alert.ResolvedAt != nil && e.alert.ResolvedAt.Before(before) {
			stale = append(stale, e.alert.ID)
		}
		e.mu.Unlock()
	}
	if len(stale) == 0 {
		return 0
	}

	r.mu.Lock()
	for _, id := range stale {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	r.logger.Debug("Pruned resolved alerts", zap.Int("count", len(stale)))
	return len(stale)
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

func (r *Registry) snapshotEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	return entries
}

// persist writes through to the store. Caller holds the alert lock so
// writes for one alert land in order.
func (r *Registry) persist(ctx context.Context, alert *model.Alert) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveAlert(ctx, alert); err != nil {
		r.logger.Error("Failed to persist alert",
			zap.String("alert_id", alert.ID),
			zap.Error(err))
	}
}

func (r *Registry) publish(kind string, alert *model.Alert) {
	if r.events != nil {
		r.events.AlertEvent(kind, alert)
	}
}

func sortAlerts(alerts []*model.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
}
