package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/t77yq/crisis-escalation/internal/model"
)

// MemoryStore implements Store in process memory
type MemoryStore struct {
	mu       sync.RWMutex
	alerts   map[string]*model.Alert
	feedback map[string]*model.Feedback
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts:   make(map[string]*model.Alert),
		feedback: make(map[string]*model.Feedback),
	}
}

func (s *MemoryStore) SaveAlert(ctx context.Context, alert *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = alert.Clone()
	return nil
}

func (s *MemoryStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) ListAlerts(ctx context.Context, since time.Time) ([]*model.Alert, error) {
	return s.filterAlerts(func(a *model.Alert) bool { return !a.CreatedAt.Before(since) }), nil
}

func (s *MemoryStore) ListUnresolved(ctx context.Context) ([]*model.Alert, error) {
	return s.filterAlerts(func(a *model.Alert) bool { return !a.Status.Terminal() }), nil
}

func (s *MemoryStore) filterAlerts(keep func(*model.Alert) bool) []*model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) UpsertFeedback(ctx context.Context, fb *model.Feedback) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.feedback[fb.AlertID]
	s.feedback[fb.AlertID] = fb.Clone()
	return !exists, nil
}

func (s *MemoryStore) GetFeedback(ctx context.Context, alertID string) (*model.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fb, ok := s.feedback[alertID]
	if !ok {
		return nil, ErrNotFound
	}
	return fb.Clone(), nil
}

func (s *MemoryStore) ListFeedback(ctx context.Context, offset, limit int) ([]*model.Feedback, int, error) {
	all, _ := s.AllFeedback(ctx)
	total := len(all)

	// newest first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if offset >= total {
		return []*model.Feedback{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *MemoryStore) AllFeedback(ctx context.Context) ([]*model.Feedback, error) {
	s.mu.RLock()
	out := make([]*model.Feedback, 0, len(s.feedback))
	for _, fb := range s.feedback {
		out = append(out, fb.Clone())
	}
	s.mu.RUnlock()

	sortFeedback(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortFeedback(fbs []*model.Feedback) {
	sort.Slice(fbs, func(i, j int) bool {
		if fbs[i].SubmittedAt.Equal(fbs[j].SubmittedAt) {
			return fbs[i].AlertID < fbs[j].AlertID
		}
		return fbs[i].SubmittedAt.Before(fbs[j].SubmittedAt)
	})
}
