package model

import "time"

// Feedback is a clinician's ground-truth judgment on a handled alert
type Feedback struct {
	AlertID           string    `json:"alertId"`
	WasActualCrisis   bool      `json:"wasActualCrisis"`
	CorrectedRiskType *RiskType `json:"correctedRiskType,omitempty"`
	CorrectedKeywords []string  `json:"correctedKeywords,omitempty"`
	Notes             *string   `json:"notes,omitempty"`
	SubmittedAt       time.Time `json:"submittedAt"`
	SubmittedBy       string    `json:"submittedBy"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Clone returns a deep copy
func (f *Feedback) Clone() *Feedback {
	if f == nil {
		return nil
	}
	cp := *f
	if f.CorrectedRiskType != nil {
		rt := *f.CorrectedRiskType
		cp.CorrectedRiskType = &rt
	}
	if f.CorrectedKeywords != nil {
		cp.CorrectedKeywords = append([]string(nil), f.CorrectedKeywords...)
	}
	cp.Notes = cloneString(f.Notes)
	return &cp
}

// HasCorrections reports whether the clinician amended the classifier output
func (f *Feedback) HasCorrections() bool {
	return f.CorrectedRiskType != nil || len(f.CorrectedKeywords) > 0
}

// Recommendation is the suggested action for a detector keyword
type Recommendation string

const (
	RecommendationKeep         Recommendation = "keep"
	RecommendationAdjustWeight Recommendation = "adjust_weight"
	RecommendationRemove       Recommendation = "remove"
)

// KeywordStat is derived detector accuracy for one keyword
type KeywordStat struct {
	Keyword        string         `json:"keyword"`
	TimesTriggered int            `json:"timesTriggered"`
	TruePositives  int            `json:"truePositives"`
	FalsePositives int            `json:"falsePositives"`
	Accuracy       float64        `json:"accuracy"`
	Recommendation Recommendation `json:"recommendation"`
}

// Improvement is a suggested keyword weight change awaiting human approval
type Improvement struct {
	Keyword         string         `json:"keyword"`
	Recommendation  Recommendation `json:"recommendation"`
	CurrentAccuracy float64        `json:"currentAccuracy"`
	WeightDelta     float64        `json:"suggestedWeightDelta"`
	Samples         int            `json:"samples"`
	Reason          string         `json:"reason"`
}

// ImprovementReport groups improvements for review
type ImprovementReport struct {
	GeneratedAt      time.Time     `json:"generatedAt"`
	KeywordsAnalyzed int           `json:"keywordsAnalyzed"`
	Suggestions      []Improvement `json:"suggestions"`
	RequiresApproval bool          `json:"requiresApproval"`
}

// PerformanceMetrics aggregates detector performance over a window
type PerformanceMetrics struct {
	PeriodDays      int       `json:"periodDays"`
	Since           time.Time `json:"since"`
	TotalAlerts     int       `json:"totalAlerts"`
	ReviewedAlerts  int       `json:"reviewedAlerts"`
	ConfirmedCrisis int       `json:"confirmedCrisis"`
	FalseAlarms     int       `json:"falseAlarms"`
	PrecisionLike   float64   `json:"precisionLike"`
	// AvgResponseTime is in seconds
	AvgResponseTime   float64 `json:"avgResponseTime"`
	AcknowledgedCount int     `json:"acknowledgedCount"`
}

// TrainingExample is one labeled row of the fine-tuning corpus
type TrainingExample struct {
	AlertID     string    `json:"alertId"`
	Input       string    `json:"input"`
	Context     string    `json:"context"`
	Label       bool      `json:"label"`
	RiskType    RiskType  `json:"riskType"`
	Keywords    []string  `json:"keywords"`
	Quality     float64   `json:"quality"`
	SubmittedAt time.Time `json:"submittedAt"`
}
