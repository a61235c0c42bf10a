package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/crisis-escalation/internal/model"
	"github.com/t77yq/crisis-escalation/internal/scheduler"
	"github.com/t77yq/crisis-escalation/internal/store"
)

type dispatch struct {
	alertID string
	tier    int
	status  model.AlertStatus
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []dispatch
}

func (n *recordingNotifier) Dispatch(alert *model.Alert, tier int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, dispatch{alertID: alert.ID, tier: tier, status: alert.Status})
}

// escalations counts tier > 0 notifications for an alert
func (n *recordingNotifier) escalations(alertID string) []dispatch {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []dispatch
	for _, d := range n.sent {
		if d.alertID == alertID && d.tier > 0 {
			out = append(out, d)
		}
	}
	return out
}

type recordingEvents struct {
	mu    sync.Mutex
	kinds []string
}

func (e *recordingEvents) AlertEvent(kind string, alert *model.Alert) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kinds = append(e.kinds, kind)
}

func (e *recordingEvents) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.kinds...)
}

type fixture struct {
	reg      *Registry
	sched    *scheduler.EscalationScheduler
	notifier *recordingNotifier
	events   *recordingEvents
	store    *store.MemoryStore
}

func newFixture(t *testing.T, tiers []time.Duration, opts ...Option) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	notifier := &recordingNotifier{}
	events := &recordingEvents{}
	st := store.NewMemoryStore()
	sched := scheduler.NewEscalationScheduler(logger, tiers, notifier, nil)
	t.Cleanup(sched.Stop)

	opts = append([]Option{
		WithStore(st),
		WithNotifier(notifier),
		WithEvents(events),
		WithDedupWindow(time.Minute),
	}, opts...)

	return &fixture{
		reg:      New(logger, sched, opts...),
		sched:    sched,
		notifier: notifier,
		events:   events,
		store:    st,
	}
}

func detection(user string, keywords ...string) model.Detection {
	return model.Detection{
		UserID:        user,
		SessionID:     "session-1",
		RiskLevel:     model.RiskLevelHigh,
		RiskType:      model.RiskTypeSuicidal,
		SourceMessage: "I don't want to be here anymore",
		Keywords:      keywords,
	}
}

func TestRegistry_CreateValidation(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Hour})

	tests := []struct {
		name   string
		mutate func(*model.Detection)
		field  string
	}{
		{"missing user", func(d *model.Detection) { d.UserID = "" }, "userId"},
		{"missing session", func(d *model.Detection) { d.SessionID = " " }, "sessionId"},
		{"bad level", func(d *model.Detection) { d.RiskLevel = "SEVERE" }, "riskLevel"},
		{"bad type", func(d *model.Detection) { d.RiskType = "anxiety" }, "riskType"},
		{"missing message", func(d *model.Detection) { d.SourceMessage = "" }, "sourceMessage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := detection("u1", "hopeless")
			tt.mutate(&d)
			_, _, err := f.reg.Create(context.Background(), d)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestRegistry_CreateArmsAndNotifies(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Hour})
	ctx := context.Background()

	alert, created, err := f.reg.Create(ctx, detection("u1", "Hopeless ", "end it"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.AlertStatusPending, alert.Status)
	assert.Equal(t, []string{"end it", "hopeless"}, alert.DetectedKeywords)

	state, ok := f.sched.State(alert.ID)
	require.True(t, ok)
	assert.Equal(t, scheduler.StateArmed, state)

	stored, err := f.store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, alert.ID, stored.ID)

	f.notifier.mu.Lock()
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, 0, f.notifier.sent[0].tier)
	f.notifier.mu.Unlock()

	assert.Equal(t, []string{EventCreated}, f.events.all())
}

func TestRegistry_DedupMergesKeywords(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Hour})
	ctx := context.Background()

	first, created, err := f.reg.Create(ctx, detection("u1", "hopeless"))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := f.reg.Create(ctx, detection("u1", "goodbye", "hopeless"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{"goodbye", "hopeless"}, second.DetectedKeywords)
	assert.Equal(t, model.AlertStatusPending, second.Status)

	assert.Len(t, f.reg.GetActive(), 1)
	assert.Equal(t, 1, f.sched.Active())

	// a different risk type opens its own episode
	d := detection("u1", "voices")
	d.RiskType = model.RiskTypePsychosis
	third, created, err := f.reg.Create(ctx, d)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestRegistry_DedupSkipsResolvedAlert(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Hour})
	ctx := context.Background()

	first, _, err := f.reg.Create(ctx, detection("u1", "hopeless"))
	require.NoError(t, err)
	_, err = f.reg.Resolve(ctx, first.ID, "false alarm")
	require.NoError(t, err)

	second, created, err := f.reg.Create(ctx, detection("u1", "hopeless"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRegistry_DedupWindowExpires(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	f := newFixture(t, []time.Duration{time.Hour}, WithClock(clock))
	ctx := context.Background()

	first, _, err := f.reg.Create(ctx, detection("u1", "hopeless"))
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	assert.Equal(t, 1, f.reg.SweepDedup(clock()))
	assert.Equal(t, 0, f.reg.DedupWindows())

	second, created, err := f.reg.Create(ctx, detection("u1", "hopeless"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRegistry_Lifecycle(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Hour})
	ctx := context.Background()

	alert, _, err := f.reg.Create(ctx, detection("u1", "hopeless"))
	require.NoError(t, err)

	_, err = f.reg.Intervene(ctx, alert.ID, "dr-a", "")
	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, model.AlertStatusPending, terr.From)

	acked, err := f.reg.Acknowledge(ctx, alert.ID, "dr-a", "on it")
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusAcknowledged, acked.Status)
	assert.Equal(t, "dr-a", *acked.AcknowledgedBy)
	assert.Equal(t, "on it", *acked.Notes)
	require.NotNil(t, acked.AcknowledgedAt)

	_, ok := f.sched.State(alert.ID)
	assert.False(t, ok)

	_, err = f.reg.Acknowledge(ctx, alert.ID, "dr-b", "")
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	intervened, err := f.reg.Intervene(ctx, alert.ID, "dr-a", "safety plan")
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusIntervened, intervened.Status)
	assert.Equal(t, "safety plan", *intervened.InterventionNotes)

	resolved, err := f.reg.Resolve(ctx, alert.ID, "referred to crisis team")
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = f.reg.Resolve(ctx, alert.ID, "again")
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, model.AlertStatusResolved, terr.From)

	assert.Empty(t, f.reg.GetActive())
	assert.Equal(t,
		[]string{EventCreated, EventAcknowledged, EventIntervened, EventResolved},
		f.events.all())

	stored, err := f.store.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusResolved, stored.Status)
}

func TestRegistry_RequiredFields(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Hour})
	ctx := context.Background()
	alert, _, err := f.reg.Create(ctx, detection("u1"))
	require.NoError(t, err)

	_, err = f.reg.Acknowledge(ctx, alert.ID, "", "")
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = f.reg.Resolve(ctx, alert.ID, " ")
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = f.reg.Acknowledge(ctx, "missing", "dr-a", "")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = f.reg.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Hour})
	ctx := context.Background()
	alert, _, err := f.reg.Create(ctx, detection("u1", "hopeless"))
	require.NoError(t, err)

	got, err := f.reg.Get(ctx, alert.ID)
	require.NoError(t, err)
	got.DetectedKeywords[0] = "mutated"
	got.Status = model.AlertStatusResolved

	again, err := f.reg.Get(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, "hopeless", again.DetectedKeywords[0])
	assert.Equal(t, model.AlertStatusPending, again.Status)
}

func TestRegistry_AcknowledgeBeforeSLANeverEscalates(t *testing.T) {
	f := newFixture(t, []time.Duration{40 * time.Millisecond, 40 * time.Millisecond})
	ctx := context.Background()

	alert, _, err := f.reg.Create(ctx, detection("u1", "hopeless"))
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = f.reg.Acknowledge(ctx, alert.ID, "dr-a", "")
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, f.notifier.escalations(alert.ID))
}

func TestRegistry_UnacknowledgedEscalatesOncePerTier(t *testing.T) {
	f := newFixture(t, []time.Duration{30 * time.Millisecond, 60 * time.Millisecond})
	ctx := context.Background()

	alert, _, err := f.reg.Create(ctx, detection("u1", "hopeless"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.notifier.escalations(alert.ID)) == 1
	}, time.Second, 5*time.Millisecond)

	got, err := f.reg.Get(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EscalationTier)
	assert.Equal(t, model.AlertStatusPending, got.Status)

	require.Eventually(t, func() bool {
		return len(f.notifier.escalations(alert.ID)) == 2
	}, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	escalations := f.notifier.escalations(alert.ID)
	require.Len(t, escalations, 2)
	assert.Equal(t, 1, escalations[0].tier)
	assert.Equal(t, 2, escalations[1].tier)
	assert.Contains(t, f.events.all(), EventEscalated)
}

func TestRegistry_AcknowledgeAfterTierOneStopsEscalation(t *testing.T) {
	f := newFixture(t, []time.Duration{20 * time.Millisecond, 80 * time.Millisecond})
	ctx := context.Background()

	alert, _, err := f.reg.Create(ctx, detection("u1", "hopeless"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.notifier.escalations(alert.ID)) == 1
	}, time.Second, 5*time.Millisecond)

	_, err = f.reg.Acknowledge(ctx, alert.ID, "dr-a", "")
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Len(t, f.notifier.escalations(alert.ID), 1)
}

// No escalation may be observed after acknowledgment, however the timer and
// the clinician interleave.
func TestRegistry_AcknowledgeRacingEscalation(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}, WithDedupWindow(0))
	ctx := context.Background()

	const n = 100
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		alert, _, err := f.reg.Create(ctx, detection(fmt.Sprintf("u%d", i), "hopeless"))
		require.NoError(t, err)
		ids[i] = alert.ID
	}

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			time.Sleep(time.Duration(i%3) * time.Millisecond)
			_, err := f.reg.Acknowledge(ctx, id, "dr-a", "")
			assert.NoError(t, err)
		}(i, id)
	}
	wg.Wait()
	time.Sleep(30 * time.Millisecond)

	for _, id := range ids {
		escalations := f.notifier.escalations(id)
		tiers := make([]int, 0, len(escalations))
		for _, e := range escalations {
			assert.Equal(t, model.AlertStatusPending, e.status)
			tiers = append(tiers, e.tier)
		}
		sort.Ints(tiers)
		for i, tier := range tiers {
			assert.Equal(t, i+1, tier)
		}
		got, err := f.reg.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.AlertStatusAcknowledged, got.Status)
		assert.Equal(t, len(escalations), got.EscalationTier)
	}
	assert.Equal(t, 0, f.sched.Active())
}

func TestRegistry_ConcurrentReadersNeverSeeRegression(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Hour}, WithDedupWindow(0))
	ctx := context.Background()

	rank := map[model.AlertStatus]int{
		model.AlertStatusPending:      0,
		model.AlertStatusAcknowledged: 1,
		model.AlertStatusIntervened:   2,
		model.AlertStatusResolved:     3,
	}

	alert, _, err := f.reg.Create(ctx, detection("u1", "hopeless"))
	require.NoError(t, err)

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			last := 0
			for {
				select {
				case <-stop:
					return
				default:
				}
				got, err := f.reg.Get(ctx, alert.ID)
				if !assert.NoError(t, err) {
					return
				}
				cur := rank[got.Status]
				assert.GreaterOrEqual(t, cur, last)
				last = cur
				f.reg.GetActive()
			}
		}()
	}

	_, err = f.reg.Acknowledge(ctx, alert.ID, "dr-a", "")
	require.NoError(t, err)
	_, err = f.reg.Intervene(ctx, alert.ID, "dr-a", "")
	require.NoError(t, err)
	_, err = f.reg.Resolve(ctx, alert.ID, "done")
	require.NoError(t, err)

	close(stop)
	readers.Wait()
}

func TestRegistry_StatsAndActiveOrder(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
	f := newFixture(t, []time.Duration{time.Hour}, WithClock(clock), WithDedupWindow(0))
	ctx := context.Background()

	a1, _, err := f.reg.Create(ctx, detection("u1"))
	require.NoError(t, err)
	d := detection("u2")
	d.RiskType = model.RiskTypeViolence
	a2, _, err := f.reg.Create(ctx, d)
	require.NoError(t, err)
	a3, _, err := f.reg.Create(ctx, detection("u3"))
	require.NoError(t, err)

	_, err = f.reg.Acknowledge(ctx, a2.ID, "dr-a", "")
	require.NoError(t, err)
	_, err = f.reg.Resolve(ctx, a3.ID, "duplicate report")
	require.NoError(t, err)

	active := f.reg.GetActive()
	require.Len(t, active, 2)
	assert.Equal(t, a1.ID, active[0].ID)
	assert.Equal(t, a2.ID, active[1].ID)

	stats := f.reg.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[model.AlertStatusPending])
	assert.Equal(t, 1, stats.ByStatus[model.AlertStatusAcknowledged])
	assert.Equal(t, 1, stats.ByStatus[model.AlertStatusResolved])
	assert.Equal(t, 2, stats.ByRiskType[model.RiskTypeSuicidal])
	assert.Equal(t, 1, stats.ByRiskType[model.RiskTypeViolence])
}

func TestRegistry_PruneKeepsStoreReadable(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Hour})
	ctx := context.Background()

	alert, _, err := f.reg.Create(ctx, detection("u1"))
	require.NoError(t, err)
	_, err = f.reg.Resolve(ctx, alert.ID, "handled")
	require.NoError(t, err)

	assert.Equal(t, 0, f.reg.Prune(time.Now().Add(-time.Hour)))
	assert.Equal(t, 1, f.reg.Prune(time.Now().Add(time.Second)))
	assert.Equal(t, 0, f.reg.Stats().Total)

	got, err := f.reg.Get(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertStatusResolved, got.Status)

	_, err = f.reg.Resolve(ctx, alert.ID, "again")
	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, model.AlertStatusResolved, terr.From)
}

func TestRegistry_RestoreRearmsPending(t *testing.T) {
	f := newFixture(t, []time.Duration{20 * time.Millisecond})
	ctx := context.Background()

	overdue := &model.Alert{
		ID:               "restored-1",
		CreatedAt:        time.Now().Add(-time.Hour),
		UserID:           "u1",
		SessionID:        "s1",
		RiskLevel:        model.RiskLevelCritical,
		RiskType:         model.RiskTypeSelfHarm,
		SourceMessage:    "cutting again",
		DetectedKeywords: []string{"cutting"},
		Status:           model.AlertStatusPending,
	}
	acked := overdue.Clone()
	acked.ID = "restored-2"
	acked.Status = model.AlertStatusAcknowledged
	resolved := overdue.Clone()
	resolved.ID = "restored-3"
	resolved.Status = model.AlertStatusResolved

	for _, a := range []*model.Alert{overdue, acked, resolved} {
		require.NoError(t, f.store.SaveAlert(ctx, a))
	}

	n, err := f.reg.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, f.reg.GetActive(), 2)

	require.Eventually(t, func() bool {
		return len(f.notifier.escalations("restored-1")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.notifier.escalations("restored-2"))

	n, err = f.reg.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func restoredAlert(id string, createdAt time.Time, status model.AlertStatus, tier int) *model.Alert {
	return &model.Alert{
		ID:               id,
		CreatedAt:        createdAt,
		UserID:           "u-" + id,
		SessionID:        "s1",
		RiskLevel:        model.RiskLevelCritical,
		RiskType:         model.RiskTypeSelfHarm,
		SourceMessage:    "cutting again",
		DetectedKeywords: []string{"cutting"},
		Status:           status,
		EscalationTier:   tier,
	}
}

func TestRegistry_RestoreResumesFromRecordedTier(t *testing.T) {
	tiers := []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond, 24 * time.Hour}
	f := newFixture(t, tiers)
	ctx := context.Background()

	midway := restoredAlert("r1", time.Now().Add(-time.Hour), model.AlertStatusPending, 2)
	spent := restoredAlert("r2", time.Now().Add(-time.Hour), model.AlertStatusPending, 4)
	for _, a := range []*model.Alert{midway, spent} {
		require.NoError(t, f.store.SaveAlert(ctx, a))
	}

	n, err := f.reg.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, f.sched.Active(), "alert with every tier fired is not re-armed")

	require.Eventually(t, func() bool {
		return len(f.notifier.escalations("r1")) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	sent := f.notifier.escalations("r1")
	require.Len(t, sent, 1)
	assert.Equal(t, 3, sent[0].tier)
	assert.Empty(t, f.notifier.escalations("r2"))

	got, err := f.reg.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.EscalationTier)
	stored, err := f.store.GetAlert(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, stored.EscalationTier)

	got, err = f.reg.Get(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, 4, got.EscalationTier)
}

func TestRegistry_RestoreRebuildsDedupWindow(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Hour})
	ctx := context.Background()

	recent := restoredAlert("recent", time.Now().Add(-10*time.Second), model.AlertStatusAcknowledged, 0)
	stale := restoredAlert("stale", time.Now().Add(-10*time.Minute), model.AlertStatusPending, 0)
	for _, a := range []*model.Alert{recent, stale} {
		require.NoError(t, f.store.SaveAlert(ctx, a))
	}

	_, err := f.reg.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.reg.DedupWindows())

	d := detection(recent.UserID, "razor")
	d.SessionID = recent.SessionID
	d.RiskType = recent.RiskType
	merged, created, err := f.reg.Create(ctx, d)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "recent", merged.ID)
	assert.Equal(t, []string{"cutting", "razor"}, merged.DetectedKeywords)

	d = detection(stale.UserID, "razor")
	d.SessionID = stale.SessionID
	d.RiskType = stale.RiskType
	fresh, created, err := f.reg.Create(ctx, d)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, "stale", fresh.ID)
}

func TestRegistry_DedupSkipsIntervenedAlert(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Hour})
	ctx := context.Background()

	first, _, err := f.reg.Create(ctx, detection("u1", "hopeless"))
	require.NoError(t, err)
	_, err = f.reg.Acknowledge(ctx, first.ID, "dr-a", "")
	require.NoError(t, err)
	_, err = f.reg.Intervene(ctx, first.ID, "dr-a", "called the user")
	require.NoError(t, err)

	second, created, err := f.reg.Create(ctx, detection("u1", "goodbye"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)

	got, err := f.reg.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"hopeless"}, got.DetectedKeywords)
}

func TestRegistry_ConcurrentCreateSameEpisode(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Hour})
	ctx := context.Background()

	const n = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[string]struct{})
		created int
		want    []string
	)
	for i := 0; i < n; i++ {
		want = append(want, fmt.Sprintf("kw-%02d", i))
	}

	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(kw string) {
			defer wg.Done()
			<-start
			alert, ok, err := f.reg.Create(ctx, detection("u1", kw))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[alert.ID] = struct{}{}
			if ok {
				created++
			}
		}(want[i])
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
	assert.Equal(t, 1, f.sched.Active())

	active := f.reg.GetActive()
	require.Len(t, active, 1)
	assert.Equal(t, want, active[0].DetectedKeywords)
}
