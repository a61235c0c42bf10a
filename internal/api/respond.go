package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/t77yq/crisis-escalation/internal/registry"
	"github.com/t77yq/crisis-escalation/internal/store"
)

type errorResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	CurrentStatus string `json:"currentStatus,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}

// mapHTTPStatus maps domain errors to status codes
func mapHTTPStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidTransition):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := mapHTTPStatus(err)
	resp := errorResponse{Message: err.Error()}

	var terr *registry.TransitionError
	if errors.As(err, &terr) {
		resp.CurrentStatus = string(terr.From)
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
		resp.Message = "internal server error"
	}
	respondJSON(w, status, resp)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &registry.ValidationError{Field: "body", Reason: "must be valid JSON: " + err.Error()}
	}
	return nil
}

// intQuery reads a positive integer query parameter, falling back to def
func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &registry.ValidationError{Field: name, Reason: "must be a positive integer"}
	}
	return n, nil
}
