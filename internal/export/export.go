package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/crisis-escalation/internal/model"
	"github.com/t77yq/crisis-escalation/internal/registry"
	"github.com/t77yq/crisis-escalation/internal/store"
)

// Format is a training data serialization
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// ParseFormat accepts "jsonl" or "csv"; empty means jsonl
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSONL:
		return FormatJSONL, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", &registry.ValidationError{Field: "format", Reason: "must be jsonl or csv"}
}

// ContentType is the HTTP media type for f
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/x-ndjson"
}

// Quality weights
const (
	weightNotes       = 0.5
	weightFresh       = 0.3
	weightCorrections = 0.2
)

// Config tunes which feedback is good enough to train on
type Config struct {
	// QualityThreshold is the minimum quality, inclusive, for an example to be exported
	QualityThreshold float64
	// StaleAfter is how long after resolution feedback still counts as fresh
	StaleAfter time.Duration
}

// Exporter turns resolved alerts with clinician feedback into training examples
type Exporter struct {
	logger *zap.Logger
	store  store.Store
	cfg    Config
}

// NewExporter creates an exporter over st
func NewExporter(logger *zap.Logger, st store.Store, cfg Config) *Exporter {
	return &Exporter{
		logger: logger.Named("export"),
		store:  st,
		cfg:    cfg,
	}
}

// Quality scores how much a feedback record can be trusted as a label:
// clinician notes, a submission soon after resolution, and explicit
// corrections each add weight.
func Quality(alert *model.Alert, fb *model.Feedback, staleAfter time.Duration) float64 {
	q := 0.0
	if fb.Notes != nil && strings.TrimSpace(*fb.Notes) != "" {
		q += weightNotes
	}
	if alert.ResolvedAt != nil && fb.SubmittedAt.Sub(*alert.ResolvedAt) <= staleAfter {
		q += weightFresh
	}
	if fb.HasCorrections() {
		q += weightCorrections
	}
	return math.Round(q*100) / 100
}

// Examples returns approved training examples ordered by submission time,
// then alert ID. limit <= 0 returns all of them.
func (x *Exporter) Examples(ctx context.Context, limit int) ([]model.TrainingExample, error) {
	feedback, err := x.store.AllFeedback(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	alerts, err := x.store.ListAlerts(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	byID := make(map[string]*model.Alert, len(alerts))
	for _, a := range alerts {
		byID[a.ID] = a
	}

	sort.SliceStable(feedback, func(i, j int) bool {
		if !feedback[i].SubmittedAt.Equal(feedback[j].SubmittedAt) {
			return feedback[i].SubmittedAt.Before(feedback[j].SubmittedAt)
		}
		return feedback[i].AlertID < feedback[j].AlertID
	})

	examples := make([]model.TrainingExample, 0, len(feedback))
	skipped := 0
	for _, fb := range feedback {
		alert, ok := byID[fb.AlertID]
		if !ok || alert.Status != model.AlertStatusResolved {
			skipped++
			continue
		}
		quality := Quality(alert, fb, x.cfg.StaleAfter)
		if quality < x.cfg.QualityThreshold {
			skipped++
			continue
		}
		examples = append(examples, newExample(alert, fb, quality))
		if limit > 0 && len(examples) == limit {
			break
		}
	}

	x.logger.Debug("Selected training examples",
		zap.Int("approved", len(examples)),
		zap.Int("skipped", skipped))
	return examples, nil
}

func newExample(alert *model.Alert, fb *model.Feedback, quality float64) model.TrainingExample {
	riskType := alert.RiskType
	if fb.CorrectedRiskType != nil {
		riskType = *fb.CorrectedRiskType
	}
	keywords := alert.DetectedKeywords
	if len(fb.CorrectedKeywords) > 0 {
		keywords = fb.CorrectedKeywords
	}
	if keywords == nil {
		keywords = []string{}
	}

	return model.TrainingExample{
		AlertID:     alert.ID,
		Input:       alert.SourceMessage,
		Context:     fmt.Sprintf("risk_level=%s detected=%s", alert.RiskLevel, strings.Join(alert.DetectedKeywords, ",")),
		Label:       fb.WasActualCrisis,
		RiskType:    riskType,
		Keywords:    append([]string(nil), keywords...),
		Quality:     quality,
		SubmittedAt: fb.SubmittedAt.UTC(),
	}
}

// Export serializes approved examples. The same feedback set always
// produces the same bytes.
func (x *Exporter) Export(ctx context.Context, format Format, limit int) ([]byte, error) {
	examples, err := x.Examples(ctx, limit)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatJSONL:
		return encodeJSONL(examples)
	case FormatCSV:
		return encodeCSV(examples)
	}
	return nil, &registry.ValidationError{Field: "format", Reason: "must be jsonl or csv"}
}

func encodeJSONL(examples []model.TrainingExample) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range examples {
		if err := enc.Encode(&examples[i]); err != nil {
			return nil, fmt.Errorf("failed to encode example %s: %w", examples[i].AlertID, err)
		}
	}
	return buf.Bytes(), nil
}

var csvHeader = []string{"alert_id", "input", "context", "label", "risk_type", "keywords", "quality", "submitted_at"}

func encodeCSV(examples []model.TrainingExample) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, ex := range examples {
		record := []string{
			ex.AlertID,
			ex.Input,
			ex.Context,
			strconv.FormatBool(ex.Label),
			string(ex.RiskType),
			strings.Join(ex.Keywords, ";"),
			strconv.FormatFloat(ex.Quality, 'f', 2, 64),
			ex.SubmittedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("failed to encode example %s: %w", ex.AlertID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
