package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/t77yq/crisis-escalation/internal/export"
	"github.com/t77yq/crisis-escalation/internal/feedback"
	"github.com/t77yq/crisis-escalation/internal/model"
	"github.com/t77yq/crisis-escalation/internal/registry"
)

const (
	defaultPeriodDays    = 30
	defaultTrainingLimit = 1000
	defaultPageSize      = 20
	maxPageSize          = 100
)

// feedbackRequest keeps wasActualCrisis raw so a non-boolean value is
// reported against that field rather than as a malformed body
type feedbackRequest struct {
	WasActualCrisis   json.RawMessage `json:"wasActualCrisis"`
	CorrectedRiskType *model.RiskType `json:"correctedRiskType"`
	CorrectedKeywords []string        `json:"correctedKeywords"`
	Notes             *string         `json:"notes"`
	SubmittedBy       string          `json:"submittedBy"`
}

func (req feedbackRequest) submission() (feedback.Submission, error) {
	sub := feedback.Submission{
		CorrectedRiskType: req.CorrectedRiskType,
		CorrectedKeywords: req.CorrectedKeywords,
		Notes:             req.Notes,
		SubmittedBy:       req.SubmittedBy,
	}
	raw := bytes.TrimSpace(req.WasActualCrisis)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return sub, nil
	}
	var verdict bool
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return sub, &registry.ValidationError{Field: "wasActualCrisis", Reason: "must be a boolean"}
	}
	sub.WasActualCrisis = &verdict
	return sub, nil
}

func (s *Server) submitFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}
	sub, err := req.submission()
	if err != nil {
		s.respondError(w, err)
		return
	}

	fb, created, err := s.deps.Feedback.Collect(r.Context(), chi.URLParam(r, "alertId"), sub)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":             true,
		"feedback":            fb,
		"created":             created,
		"trainingDataCreated": true,
	})
}

func (s *Server) performanceMetrics(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "days", defaultPeriodDays)
	if err != nil {
		s.respondError(w, err)
		return
	}
	pm, err := s.deps.Metrics.PerformanceMetrics(r.Context(), days)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "metrics": pm})
}

func (s *Server) keywordStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Metrics.KeywordStatistics(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"count":    len(stats),
		"keywords": stats,
	})
}

func (s *Server) improvements(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Metrics.GenerateImprovements(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "improvements": report})
}

func (s *Server) trainingData(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	limit, err := intQuery(r, "limit", defaultTrainingLimit)
	if err != nil {
		s.respondError(w, err)
		return
	}

	data, err := s.deps.Exporter.Export(r.Context(), format, limit)
	if err != nil {
		s.respondError(w, err)
		return
	}

	filename := fmt.Sprintf("training-data-%s.%s", time.Now().UTC().Format("20060102"), format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}

func (s *Server) listFeedback(w http.ResponseWriter, r *http.Request) {
	page, err := intQuery(r, "page", 1)
	if err != nil {
		s.respondError(w, err)
		return
	}
	limit, err := intQuery(r, "limit", defaultPageSize)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	result, err := s.deps.Feedback.List(r.Context(), page, limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	items := result.Feedback
	if items == nil {
		items = []*model.Feedback{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"feedbacks": items,
		"pagination": map[string]int{
			"page":  result.Page,
			"limit": result.Limit,
			"total": result.Total,
			"pages": result.Pages(),
		},
	})
}
