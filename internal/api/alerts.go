package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/t77yq/crisis-escalation/internal/model"
)

type clinicianAction struct {
	ClinicalMemberID string `json:"clinicalMemberId"`
	Notes            string `json:"notes"`
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

func (s *Server) createAlert(w http.ResponseWriter, r *http.Request) {
	var d model.Detection
	if err := decodeJSON(r, &d); err != nil {
		s.respondError(w, err)
		return
	}

	alert, created, err := s.deps.Alerts.Create(r.Context(), d)
	if err != nil {
		s.respondError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, map[string]interface{}{
		"success": true,
		"created": created,
		"alert":   alert,
	})
}

func (s *Server) activeAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.deps.Alerts.GetActive()
	if alerts == nil {
		alerts = []*model.Alert{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(alerts),
		"alerts":  alerts,
	})
}

func (s *Server) alertStats(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Alerts.Stats()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"total":      stats.Total,
		"byStatus":   stats.ByStatus,
		"byRiskType": stats.ByRiskType,
	})
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.deps.Alerts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "alert": alert})
}

func (s *Server) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req clinicianAction
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}

	alert, err := s.deps.Alerts.Acknowledge(r.Context(), chi.URLParam(r, "id"), req.ClinicalMemberID, req.Notes)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Alert acknowledged",
		"alert":   alert,
	})
}

func (s *Server) interveneAlert(w http.ResponseWriter, r *http.Request) {
	var req clinicianAction
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}

	alert, err := s.deps.Alerts.Intervene(r.Context(), chi.URLParam(r, "id"), req.ClinicalMemberID, req.Notes)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Intervention recorded",
		"alert":   alert,
	})
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, err)
		return
	}

	alert, err := s.deps.Alerts.Resolve(r.Context(), chi.URLParam(r, "id"), req.Resolution)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Alert resolved",
		"alert":   alert,
	})
}
