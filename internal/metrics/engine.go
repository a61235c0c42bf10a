package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/t77yq/crisis-escalation/internal/model"
	"github.com/t77yq/crisis-escalation/internal/registry"
	"github.com/t77yq/crisis-escalation/internal/store"
)

const (
	rebuildKey  = "keyword-stats"
	maxRebuilds = 3
)

// Engine derives detector performance from alerts and clinician feedback.
// Keyword statistics are a cache over the feedback set, rebuilt on demand
// whenever feedback has changed since the last build.
type Engine struct {
	logger *zap.Logger
	store  store.Store
	now    func() time.Time
	group  singleflight.Group

	mu         sync.RWMutex
	stats      []model.KeywordStat
	generation uint64 // bumped by Invalidate
	built      uint64 // generation the cached stats reflect
	hasBuild   bool
	builtAt    time.Time
}

// NewEngine creates a metrics engine reading from st
func NewEngine(logger *zap.Logger, st store.Store) *Engine {
	return &Engine{
		logger: logger.Named("metrics"),
		store:  st,
		now:    time.Now,
	}
}

// Invalidate marks the cached keyword statistics stale
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.generation++
	e.mu.Unlock()
}

func (e *Engine) fresh() ([]model.KeywordStat, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.hasBuild || e.built != e.generation {
		return nil, false
	}
	return append([]model.KeywordStat(nil), e.stats...), true
}

// KeywordStatistics returns per-keyword accuracy, sorted by keyword. Only
// keywords that have received feedback are reported.
func (e *Engine) KeywordStatistics(ctx context.Context) ([]model.KeywordStat, error) {
	// A joined rebuild may predate the latest Invalidate; retry a few times.
	for i := 0; i < maxRebuilds; i++ {
		if stats, ok := e.fresh(); ok {
			return stats, nil
		}
		if err := e.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]model.KeywordStat(nil), e.stats...), nil
}

// Refresh rebuilds keyword statistics from the full feedback set. Concurrent
// callers share one rebuild.
func (e *Engine) Refresh(ctx context.Context) error {
	_, err, shared := e.group.Do(rebuildKey, func() (interface{}, error) {
		e.mu.RLock()
		gen := e.generation
		e.mu.RUnlock()

		stats, err := e.build(ctx)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		e.stats = stats
		e.built = gen
		e.hasBuild = true
		e.builtAt = e.now().UTC()
		e.mu.Unlock()

		e.logger.Debug("Keyword statistics rebuilt",
			zap.Int("keywords", len(stats)),
			zap.Uint64("generation", gen))
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to rebuild keyword statistics: %w", err)
	}
	if shared {
		e.logger.Debug("Keyword statistics rebuild shared")
	}
	return nil
}

// BuiltAt returns when the cached statistics were last rebuilt
func (e *Engine) BuiltAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.builtAt
}

func (e *Engine) build(ctx context.Context) ([]model.KeywordStat, error) {
	alerts, err := e.store.ListAlerts(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	feedback, err := e.store.AllFeedback(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*model.Alert, len(alerts))
	triggered := make(map[string]int)
	for _, a := range alerts {
		byID[a.ID] = a
		for _, kw := range a.DetectedKeywords {
			triggered[kw]++
		}
	}

	type counts struct{ tp, fp int }
	byKeyword := make(map[string]*counts)
	for _, fb := range feedback {
		alert, ok := byID[fb.AlertID]
		if !ok {
			continue
		}
		for _, kw := range alert.DetectedKeywords {
			c, ok := byKeyword[kw]
			if !ok {
				c = &counts{}
				byKeyword[kw] = c
			}
			if fb.WasActualCrisis {
				c.tp++
			} else {
				c.fp++
			}
		}
	}

	stats := make([]model.KeywordStat, 0, len(byKeyword))
	for kw, c := range byKeyword {
		stats = append(stats, NewKeywordStat(kw, triggered[kw], c.tp, c.fp))
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Keyword < stats[j].Keyword })
	return stats, nil
}

// NewKeywordStat derives accuracy and recommendation from the counters
func NewKeywordStat(keyword string, triggered, tp, fp int) model.KeywordStat {
	stat := model.KeywordStat{
		Keyword:        keyword,
		TimesTriggered: triggered,
		TruePositives:  tp,
		FalsePositives: fp,
		Recommendation: Recommend(tp, fp),
	}
	if total := tp + fp; total > 0 {
		stat.Accuracy = float64(tp) / float64(total)
	}
	return stat
}

// Recommend classifies tp/(tp+fp) against the 0.8 and 0.5 boundaries using
// integer arithmetic so the boundaries are exact.
func Recommend(tp, fp int) model.Recommendation {
	total := tp + fp
	switch {
	case total == 0:
		return model.RecommendationKeep
	case 5*tp >= 4*total:
		return model.RecommendationKeep
	case 2*tp >= total:
		return model.RecommendationAdjustWeight
	default:
		return model.RecommendationRemove
	}
}

// PerformanceMetrics aggregates alerts created in the last periodDays days
// with the feedback recorded on them.
func (e *Engine) PerformanceMetrics(ctx context.Context, periodDays int) (*model.PerformanceMetrics, error) {
	if periodDays < 1 {
		return nil, &registry.ValidationError{Field: "days", Reason: "must be a positive integer"}
	}

	since := e.now().UTC().Add(-time.Duration(periodDays) * 24 * time.Hour)
	alerts, err := e.store.ListAlerts(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	feedback, err := e.store.AllFeedback(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}

	pm := &model.PerformanceMetrics{
		PeriodDays:  periodDays,
		Since:       since,
		TotalAlerts: len(alerts),
	}

	inWindow := make(map[string]struct{}, len(alerts))
	var responseTotal time.Duration
	for _, a := range alerts {
		inWindow[a.ID] = struct{}{}
		if a.AcknowledgedAt != nil && !a.AcknowledgedAt.Before(since) {
			responseTotal += a.AcknowledgedAt.Sub(a.CreatedAt)
			pm.AcknowledgedCount++
		}
	}
	if pm.AcknowledgedCount > 0 {
		pm.AvgResponseTime = round2(responseTotal.Seconds() / float64(pm.AcknowledgedCount))
	}

	for _, fb := range feedback {
		if _, ok := inWindow[fb.AlertID]; !ok {
			continue
		}
		pm.ReviewedAlerts++
		if fb.WasActualCrisis {
			pm.ConfirmedCrisis++
		} else {
			pm.FalseAlarms++
		}
	}
	if pm.ReviewedAlerts > 0 {
		pm.PrecisionLike = round2(float64(pm.ConfirmedCrisis) / float64(pm.ReviewedAlerts))
	}
	return pm, nil
}

// GenerateImprovements proposes weight changes for keywords that are not
// pulling their weight. Nothing is applied; the report awaits approval.
func (e *Engine) GenerateImprovements(ctx context.Context) (*model.ImprovementReport, error) {
	stats, err := e.KeywordStatistics(ctx)
	if err != nil {
		return nil, err
	}

	report := &model.ImprovementReport{
		GeneratedAt:      e.now().UTC(),
		KeywordsAnalyzed: len(stats),
		Suggestions:      []model.Improvement{},
		RequiresApproval: true,
	}
	for _, s := range stats {
		samples := s.TruePositives + s.FalsePositives
		switch s.Recommendation {
		case model.RecommendationAdjustWeight:
			report.Suggestions = append(report.Suggestions, model.Improvement{
				Keyword:         s.Keyword,
				Recommendation:  s.Recommendation,
				CurrentAccuracy: round2(s.Accuracy),
				WeightDelta:     -round2((1 - s.Accuracy) / 2),
				Samples:         samples,
				Reason:          fmt.Sprintf("%d of %d reviewed alerts were false alarms", s.FalsePositives, samples),
			})
		case model.RecommendationRemove:
			report.Suggestions = append(report.Suggestions, model.Improvement{
				Keyword:         s.Keyword,
				Recommendation:  s.Recommendation,
				CurrentAccuracy: round2(s.Accuracy),
				WeightDelta:     -1,
				Samples:         samples,
				Reason:          fmt.Sprintf("accuracy %.2f is below 0.50 across %d reviewed alerts", s.Accuracy, samples),
			})
		}
	}

	e.logger.Info("Generated keyword improvements",
		zap.Int("analyzed", report.KeywordsAnalyzed),
		zap.Int("suggestions", len(report.Suggestions)))
	return report, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
