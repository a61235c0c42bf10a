package feedback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/crisis-escalation/internal/model"
	"github.com/t77yq/crisis-escalation/internal/registry"
	"github.com/t77yq/crisis-escalation/internal/store"
)

type alertMap map[string]*model.Alert

func (m alertMap) Get(ctx context.Context, id string) (*model.Alert, error) {
	a, ok := m[id]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return a.Clone(), nil
}

type countingRecomputer struct {
	invalidations atomic.Int32
	refreshes     atomic.Int32
}

func (r *countingRecomputer) Invalidate() { r.invalidations.Add(1) }

func (r *countingRecomputer) Refresh(ctx context.Context) error {
	r.refreshes.Add(1)
	return nil
}

type feedbackEvents struct {
	mu  sync.Mutex
	ids []string
}

func (e *feedbackEvents) FeedbackEvent(fb *model.Feedback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, fb.AlertID)
}

func boolPtr(b bool) *bool { return &b }

func strPtr(s string) *string { return &s }

type fixture struct {
	collector  *Collector
	store      *store.MemoryStore
	recomputer *countingRecomputer
	events     *feedbackEvents
}

func newFixture(t *testing.T) *fixture {
	alerts := alertMap{
		"pending":    {ID: "pending", Status: model.AlertStatusPending},
		"acked":      {ID: "acked", Status: model.AlertStatusAcknowledged},
		"intervened": {ID: "intervened", Status: model.AlertStatusIntervened},
		"resolved":   {ID: "resolved", Status: model.AlertStatusResolved, DetectedKeywords: []string{"k1"}},
	}
	st := store.NewMemoryStore()
	rc := &countingRecomputer{}
	ev := &feedbackEvents{}
	return &fixture{
		collector:  NewCollector(zaptest.NewLogger(t), alerts, st, rc, ev),
		store:      st,
		recomputer: rc,
		events:     ev,
	}
}

func TestCollect_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := model.RiskType("anxiety")

	tests := []struct {
		name    string
		alertID string
		sub     Submission
		want    error
	}{
		{"missing verdict", "resolved", Submission{}, registry.ErrValidation},
		{"bad corrected type", "resolved", Submission{WasActualCrisis: boolPtr(true), CorrectedRiskType: &bad}, registry.ErrValidation},
		{"pending alert", "pending", Submission{WasActualCrisis: boolPtr(true)}, registry.ErrValidation},
		{"acknowledged alert", "acked", Submission{WasActualCrisis: boolPtr(true)}, registry.ErrValidation},
		{"unknown alert", "missing", Submission{WasActualCrisis: boolPtr(true)}, registry.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.collector.Collect(ctx, tt.alertID, tt.sub)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
	assert.Equal(t, int32(0), f.recomputer.invalidations.Load())
}

func TestCollect_AcceptsIntervenedAndResolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"intervened", "resolved"} {
		fb, created, err := f.collector.Collect(ctx, id, Submission{WasActualCrisis: boolPtr(false)})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "unknown", fb.SubmittedBy)
		assert.False(t, fb.WasActualCrisis)
	}

	require.NoError(t, f.collector.Wait(ctx))
	assert.Equal(t, int32(2), f.recomputer.invalidations.Load())
	assert.Equal(t, int32(2), f.recomputer.refreshes.Load())
	assert.Equal(t, []string{"intervened", "resolved"}, f.events.ids)
}

func TestCollect_ResubmissionUpdatesSingleRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	f.collector.now = func() time.Time { return first }

	fb, created, err := f.collector.Collect(ctx, "resolved", Submission{
		WasActualCrisis: boolPtr(true),
		SubmittedBy:     "dr-a",
	})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, first, fb.CreatedAt)

	second := first.Add(time.Hour)
	f.collector.now = func() time.Time { return second }
	rt := model.RiskTypeSelfHarm

	fb, created, err = f.collector.Collect(ctx, "resolved", Submission{
		WasActualCrisis:   boolPtr(false),
		CorrectedRiskType: &rt,
		CorrectedKeywords: []string{" Cutting", "cutting"},
		Notes:             strPtr("was quoting song lyrics"),
		SubmittedBy:       "dr-b",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, fb.CreatedAt)
	assert.Equal(t, second, fb.SubmittedAt)

	page, err := f.collector.List(ctx, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Feedback, 1)

	stored, err := f.collector.Get(ctx, "resolved")
	require.NoError(t, err)
	assert.False(t, stored.WasActualCrisis)
	assert.Equal(t, "dr-b", stored.SubmittedBy)
	assert.Equal(t, []string{"cutting"}, stored.CorrectedKeywords)
	require.NotNil(t, stored.CorrectedRiskType)
	assert.Equal(t, model.RiskTypeSelfHarm, *stored.CorrectedRiskType)
	require.NoError(t, f.collector.Wait(ctx))
}

func TestList_Pagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"intervened", "resolved"} {
		_, _, err := f.collector.Collect(ctx, id, Submission{WasActualCrisis: boolPtr(true)})
		require.NoError(t, err)
	}

	page, err := f.collector.List(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 2, page.Pages())
	assert.Len(t, page.Feedback, 1)

	page, err = f.collector.List(ctx, 3, 1)
	require.NoError(t, err)
	assert.Empty(t, page.Feedback)

	_, err = f.collector.List(ctx, 1, 0)
	assert.True(t, errors.Is(err, registry.ErrValidation))
	require.NoError(t, f.collector.Wait(ctx))
}
