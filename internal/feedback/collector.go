package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/crisis-escalation/internal/model"
	"github.com/t77yq/crisis-escalation/internal/registry"
	"github.com/t77yq/crisis-escalation/internal/store"
)

const unknownSubmitter = "unknown"

// Submission is the clinician's input. WasActualCrisis is a pointer so a
// missing value can be told apart from false.
type Submission struct {
	WasActualCrisis   *bool           `json:"wasActualCrisis"`
	CorrectedRiskType *model.RiskType `json:"correctedRiskType,omitempty"`
	CorrectedKeywords []string        `json:"correctedKeywords,omitempty"`
	Notes             *string         `json:"notes,omitempty"`
	SubmittedBy       string          `json:"submittedBy,omitempty"`
}

// AlertSource resolves the alert feedback is given on
type AlertSource interface {
	Get(ctx context.Context, id string) (*model.Alert, error)
}

// Recomputer rebuilds derived keyword statistics
type Recomputer interface {
	Invalidate()
	Refresh(ctx context.Context) error
}

// EventSink is told about every recorded feedback
type EventSink interface {
	FeedbackEvent(fb *model.Feedback)
}

// Collector validates and stores clinician ground truth, one record per alert
type Collector struct {
	logger     *zap.Logger
	alerts     AlertSource
	store      store.Store
	recomputer Recomputer
	events     EventSink
	now        func() time.Time

	// mu serializes the read-modify-write that keeps CreatedAt stable
	mu sync.Mutex
	wg sync.WaitGroup
}

// NewCollector creates a collector. recomputer and events may be nil.
func NewCollector(logger *zap.Logger, alerts AlertSource, st store.Store, recomputer Recomputer, events EventSink) *Collector {
	return &Collector{
		logger:     logger.Named("feedback"),
		alerts:     alerts,
		store:      st,
		recomputer: recomputer,
		events:     events,
		now:        time.Now,
	}
}

func validate(sub Submission) error {
	if sub.WasActualCrisis == nil {
		return &registry.ValidationError{Field: "wasActualCrisis", Reason: "must be a boolean"}
	}
	if sub.CorrectedRiskType != nil && !sub.CorrectedRiskType.Valid() {
		return &registry.ValidationError{Field: "correctedRiskType", Reason: "must be one of suicidal, psychosis, self_harm, violence"}
	}
	return nil
}

// Collect upserts the feedback for alertID. Only alerts with a clinical
// outcome (intervened or resolved) accept feedback. created reports whether
// this is the first submission for the alert.
func (c *Collector) Collect(ctx context.Context, alertID string, sub Submission) (*model.Feedback, bool, error) {
	if err := validate(sub); err != nil {
		return nil, false, err
	}

	alert, err := c.alerts.Get(ctx, alertID)
	if err != nil {
		return nil, false, err
	}
	if alert.Status != model.AlertStatusIntervened && alert.Status != model.AlertStatusResolved {
		return nil, false, &registry.ValidationError{
			Field:  "alertId",
			Reason: fmt.Sprintf("alert is %s; feedback requires an intervened or resolved alert", alert.Status),
		}
	}

	submittedBy := strings.TrimSpace(sub.SubmittedBy)
	if submittedBy == "" {
		submittedBy = unknownSubmitter
	}

	now := c.now().UTC()
	fb := &model.Feedback{
		AlertID:           alertID,
		WasActualCrisis:   *sub.WasActualCrisis,
		CorrectedRiskType: sub.CorrectedRiskType,
		Notes:             sub.Notes,
		SubmittedAt:       now,
		SubmittedBy:       submittedBy,
		CreatedAt:         now,
	}
	if len(sub.CorrectedKeywords) > 0 {
		fb.CorrectedKeywords = model.NormalizeKeywords(sub.CorrectedKeywords)
	}

	c.mu.Lock()
	prev, err := c.store.GetFeedback(ctx, alertID)
	switch {
	case err == nil:
		fb.CreatedAt = prev.CreatedAt
	case !errors.Is(err, store.ErrNotFound):
		c.mu.Unlock()
		return nil, false, fmt.Errorf("failed to read feedback: %w", err)
	}
	created, err := c.store.UpsertFeedback(ctx, fb)
	c.mu.Unlock()
	if err != nil {
		return nil, false, fmt.Errorf("failed to save feedback: %w", err)
	}

	c.logger.Info("Feedback recorded",
		zap.String("alert_id", alertID),
		zap.Bool("was_actual_crisis", fb.WasActualCrisis),
		zap.Bool("created", created),
		zap.String("submitted_by", submittedBy))

	c.recompute()
	if c.events != nil {
		c.events.FeedbackEvent(fb.Clone())
	}
	return fb, created, nil
}

// recompute marks keyword statistics stale and rebuilds them in the background
func (c *Collector) recompute() {
	if c.recomputer == nil {
		return
	}
	c.recomputer.Invalidate()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.recomputer.Refresh(ctx); err != nil {
			c.logger.Warn("Keyword statistics refresh failed", zap.Error(err))
		}
	}()
}

// Get returns the feedback recorded for an alert
func (c *Collector) Get(ctx context.Context, alertID string) (*model.Feedback, error) {
	return c.store.GetFeedback(ctx, alertID)
}

// Page is one page of feedback, newest first
type Page struct {
	Feedback []*model.Feedback
	Page     int
	Limit    int
	Total    int
}

// Pages returns the number of pages at the current limit
func (p Page) Pages() int {
	if p.Limit <= 0 {
		return 0
	}
	return (p.Total + p.Limit - 1) / p.Limit
}

// List returns feedback page (1-based) of size limit
func (c *Collector) List(ctx context.Context, page, limit int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		return Page{}, &registry.ValidationError{Field: "limit", Reason: "must be positive"}
	}
	items, total, err := c.store.ListFeedback(ctx, (page-1)*limit, limit)
	if err != nil {
		return Page{}, fmt.Errorf("failed to list feedback: %w", err)
	}
	return Page{Feedback: items, Page: page, Limit: limit, Total: total}, nil
}

// Wait blocks until background recomputations finish or ctx is done
func (c *Collector) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
