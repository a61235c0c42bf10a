package model

import (
	"sort"
	"strings"
	"time"
)

// RiskLevel represents the severity assigned by the upstream classifier
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// Valid reports whether l is a known risk level
func (l RiskLevel) Valid() bool {
	switch l {
	case RiskLevelLow, RiskLevelMedium, RiskLevelHigh, RiskLevelCritical:
		return true
	}
	return false
}

// RiskType represents the category of crisis detected
type RiskType string

const (
	RiskTypeSuicidal  RiskType = "suicidal"
	RiskTypePsychosis RiskType = "psychosis"
	RiskTypeSelfHarm  RiskType = "self_harm"
	RiskTypeViolence  RiskType = "violence"
)

// RiskTypes lists every risk type the engine understands
var RiskTypes = []RiskType{RiskTypeSuicidal, RiskTypePsychosis, RiskTypeSelfHarm, RiskTypeViolence}

// Valid reports whether t is a known risk type
func (t RiskType) Valid() bool {
	switch t {
	case RiskTypeSuicidal, RiskTypePsychosis, RiskTypeSelfHarm, RiskTypeViolence:
		return true
	}
	return false
}

// AlertStatus represents the position of an alert in its lifecycle
type AlertStatus string

const (
	AlertStatusPending      AlertStatus = "pending"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusIntervened   AlertStatus = "intervened"
	AlertStatusResolved     AlertStatus = "resolved"
)

// AlertStatuses lists every status in lifecycle order
var AlertStatuses = []AlertStatus{
	AlertStatusPending,
	AlertStatusAcknowledged,
	AlertStatusIntervened,
	AlertStatusResolved,
}

// Terminal reports whether no further transitions are possible
func (s AlertStatus) Terminal() bool {
	return s == AlertStatusResolved
}

// AcceptsMerge reports whether later detections of the same episode may
// still be folded into the alert. The keyword set of an intervened alert is fixed.
func (s AlertStatus) AcceptsMerge() bool {
	return s == AlertStatusPending || s == AlertStatusAcknowledged
}

// CanTransition reports whether moving from s to next is a forward step.
// Allowed: pending→acknowledged, pending→resolved, acknowledged→intervened,
// acknowledged→resolved, intervened→resolved.
func (s AlertStatus) CanTransition(next AlertStatus) bool {
	switch s {
	case AlertStatusPending:
		return next == AlertStatusAcknowledged || next == AlertStatusResolved
	case AlertStatusAcknowledged:
		return next == AlertStatusIntervened || next == AlertStatusResolved
	case AlertStatusIntervened:
		return next == AlertStatusResolved
	}
	return false
}

// Detection is the classifier output that may open an alert
type Detection struct {
	UserID        string    `json:"userId"`
	SessionID     string    `json:"sessionId"`
	RiskLevel     RiskLevel `json:"riskLevel"`
	RiskType      RiskType  `json:"riskType"`
	SourceMessage string    `json:"sourceMessage"`
	Keywords      []string  `json:"detectedKeywords"`
	DetectedAt    time.Time `json:"detectedAt,omitempty"`
}

// Alert is a crisis event awaiting clinical response
type Alert struct {
	ID               string      `json:"id"`
	CreatedAt        time.Time   `json:"createdAt"`
	UserID           string      `json:"userId"`
	SessionID        string      `json:"sessionId"`
	RiskLevel        RiskLevel   `json:"riskLevel"`
	RiskType         RiskType    `json:"riskType"`
	SourceMessage    string      `json:"sourceMessage"`
	DetectedKeywords []string    `json:"detectedKeywords"`
	Status           AlertStatus `json:"status"`

	AcknowledgedBy *string    `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	Notes          *string    `json:"notes,omitempty"`

	IntervenedBy      *string    `json:"intervenedBy,omitempty"`
	IntervenedAt      *time.Time `json:"intervenedAt,omitempty"`
	InterventionNotes *string    `json:"interventionNotes,omitempty"`

	Resolution *string    `json:"resolution,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`

	// EscalationTier is the highest escalation tier fired so far, 0 if none
	EscalationTier int `json:"escalationTier"`
}

// Clone returns a deep copy safe to hand to readers
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	cp := *a
	cp.DetectedKeywords = append([]string(nil), a.DetectedKeywords...)
	cp.AcknowledgedBy = cloneString(a.AcknowledgedBy)
	cp.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	cp.Notes = cloneString(a.Notes)
	cp.IntervenedBy = cloneString(a.IntervenedBy)
	cp.IntervenedAt = cloneTime(a.IntervenedAt)
	cp.InterventionNotes = cloneString(a.InterventionNotes)
	cp.Resolution = cloneString(a.Resolution)
	cp.ResolvedAt = cloneTime(a.ResolvedAt)
	return &cp
}

// HasKeyword reports whether the alert was triggered by keyword
func (a *Alert) HasKeyword(keyword string) bool {
	for _, k := range a.DetectedKeywords {
		if k == keyword {
			return true
		}
	}
	return false
}

// AlertStats summarizes the registry by status and risk type
type AlertStats struct {
	Total      int                 `json:"total"`
	ByStatus   map[AlertStatus]int `json:"byStatus"`
	ByRiskType map[RiskType]int    `json:"byRiskType"`
}

// NormalizeKeywords lowercases, trims, deduplicates and sorts keywords
func NormalizeKeywords(sets ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, set := range sets {
		for _, k := range set {
			k = strings.ToLower(strings.TrimSpace(k))
			if k == "" {
				continue
			}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
