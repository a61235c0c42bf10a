package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/t77yq/crisis-escalation/internal/model"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite database at dbPath
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// mattn/go-sqlite3 serializes writers; one connection avoids SQLITE_BUSY churn
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		logger: logger.Named("sqlite-store"),
		db:     db,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			risk_type TEXT NOT NULL,
			source_message TEXT NOT NULL,
			keywords TEXT NOT NULL,
			status TEXT NOT NULL,
			acknowledged_by TEXT,
			acknowledged_at DATETIME,
			notes TEXT,
			intervened_by TEXT,
			intervened_at DATETIME,
			intervention_notes TEXT,
			resolution TEXT,
			resolved_at DATETIME,
			escalation_tier INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at);
		CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);

		CREATE TABLE IF NOT EXISTS feedback (
			alert_id TEXT PRIMARY KEY REFERENCES alerts(id),
			was_actual_crisis INTEGER NOT NULL,
			corrected_risk_type TEXT,
			corrected_keywords TEXT,
			notes TEXT,
			submitted_at DATETIME NOT NULL,
			submitted_by TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_feedback_submitted_at ON feedback(submitted_at);
	`)
	return eris.Wrap(err, "sqlite: initialize")
}

const alertColumns = `id, created_at, user_id, session_id, risk_level, risk_type, source_message,
	keywords, status, acknowledged_by, acknowledged_at, notes, intervened_by, intervened_at,
	intervention_notes, resolution, resolved_at, escalation_tier`

func (s *SQLiteStore) SaveAlert(ctx context.Context, a *model.Alert) error {
	keywords, err := json.Marshal(a.DetectedKeywords)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal keywords")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.CreatedAt.UTC(),
		a.UserID,
		a.SessionID,
		string(a.RiskLevel),
		string(a.RiskType),
		a.SourceMessage,
		string(keywords),
		string(a.Status),
		nullString(a.AcknowledgedBy),
		nullTime(a.AcknowledgedAt),
		nullString(a.Notes),
		nullString(a.IntervenedBy),
		nullTime(a.IntervenedAt),
		nullString(a.InterventionNotes),
		nullString(a.Resolution),
		nullTime(a.ResolvedAt),
		a.EscalationTier,
	)
	return eris.Wrapf(err, "sqlite: save alert %s", a.ID)
}

func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get alert %s", id)
	}
	return a, nil
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, since time.Time) ([]*model.Alert, error) {
	return s.queryAlerts(ctx, `SELECT `+alertColumns+` FROM alerts
		WHERE created_at >= ? ORDER BY created_at ASC, id ASC`, since.UTC())
}

func (s *SQLiteStore) ListUnresolved(ctx context.Context) ([]*model.Alert, error) {
	return s.queryAlerts(ctx, `SELECT `+alertColumns+` FROM alerts
		WHERE status != ? ORDER BY created_at ASC, id ASC`, string(model.AlertStatusResolved))
}

func (s *SQLiteStore) queryAlerts(ctx context.Context, query string, args ...interface{}) ([]*model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list alerts")
	}
	defer rows.Close()

	var alerts []*model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan alert")
		}
		alerts = append(alerts, a)
	}
	return alerts, eris.Wrap(rows.Err(), "sqlite: list alerts iterate")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row scanner) (*model.Alert, error) {
	var (
		a                                      model.Alert
		riskLevel, riskType, status, keywords  string
		ackBy, notes, intBy, intNotes, resolut sql.NullString
		ackAt, intAt, resolvedAt               sql.NullTime
	)

	err := row.Scan(
		&a.ID,
		&a.CreatedAt,
		&a.UserID,
		&a.SessionID,
		&riskLevel,
		&riskType,
		&a.SourceMessage,
		&keywords,
		&status,
		&ackBy,
		&ackAt,
		&notes,
		&intBy,
		&intAt,
		&intNotes,
		&resolut,
		&resolvedAt,
		&a.EscalationTier,
	)
	if err != nil {
		return nil, err
	}

	a.RiskLevel = model.RiskLevel(riskLevel)
	a.RiskType = model.RiskType(riskType)
	a.Status = model.AlertStatus(status)
	a.CreatedAt = a.CreatedAt.UTC()
	if err := json.Unmarshal([]byte(keywords), &a.DetectedKeywords); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal keywords for %s", a.ID)
	}
	a.AcknowledgedBy = fromNullString(ackBy)
	a.AcknowledgedAt = fromNullTime(ackAt)
	a.Notes = fromNullString(notes)
	a.IntervenedBy = fromNullString(intBy)
	a.IntervenedAt = fromNullTime(intAt)
	a.InterventionNotes = fromNullString(intNotes)
	a.Resolution = fromNullString(resolut)
	a.ResolvedAt = fromNullTime(resolvedAt)
	return &a, nil
}

const feedbackColumns = `alert_id, was_actual_crisis, corrected_risk_type, corrected_keywords,
	notes, submitted_at, submitted_by, created_at`

func (s *SQLiteStore) UpsertFeedback(ctx context.Context, fb *model.Feedback) (bool, error) {
	var corrected sql.NullString
	if fb.CorrectedKeywords != nil {
		data, err := json.Marshal(fb.CorrectedKeywords)
		if err != nil {
			return false, eris.Wrap(err, "sqlite: marshal corrected keywords")
		}
		corrected = sql.NullString{String: string(data), Valid: true}
	}
	var riskType sql.NullString
	if fb.CorrectedRiskType != nil {
		riskType = sql.NullString{String: string(*fb.CorrectedRiskType), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin feedback upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback WHERE alert_id = ?`, fb.AlertID).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: check feedback %s", fb.AlertID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO feedback (`+feedbackColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fb.AlertID,
		fb.WasActualCrisis,
		riskType,
		corrected,
		nullString(fb.Notes),
		fb.SubmittedAt.UTC(),
		fb.SubmittedBy,
		fb.CreatedAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: upsert feedback %s", fb.AlertID)
	}

	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit feedback upsert")
	}
	return exists == 0, nil
}

func (s *SQLiteStore) GetFeedback(ctx context.Context, alertID string) (*model.Feedback, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+feedbackColumns+` FROM feedback WHERE alert_id = ?`, alertID)
	fb, err := scanFeedback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get feedback %s", alertID)
	}
	return fb, nil
}

func (s *SQLiteStore) ListFeedback(ctx context.Context, offset, limit int) ([]*model.Feedback, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback`).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: count feedback")
	}
	if limit <= 0 {
		limit = -1
	}

	fbs, err := s.queryFeedback(ctx, `SELECT `+feedbackColumns+` FROM feedback
		ORDER BY submitted_at DESC, alert_id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return fbs, total, nil
}

func (s *SQLiteStore) AllFeedback(ctx context.Context) ([]*model.Feedback, error) {
	return s.queryFeedback(ctx, `SELECT `+feedbackColumns+` FROM feedback
		ORDER BY submitted_at ASC, alert_id ASC`)
}

func (s *SQLiteStore) queryFeedback(ctx context.Context, query string, args ...interface{}) ([]*model.Feedback, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list feedback")
	}
	defer rows.Close()

	fbs := make([]*model.Feedback, 0)
	for rows.Next() {
		fb, err := scanFeedback(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan feedback")
		}
		fbs = append(fbs, fb)
	}
	return fbs, eris.Wrap(rows.Err(), "sqlite: list feedback iterate")
}

func scanFeedback(row scanner) (*model.Feedback, error) {
	var (
		fb                         model.Feedback
		riskType, corrected, notes sql.NullString
	)

	err := row.Scan(
		&fb.AlertID,
		&fb.WasActualCrisis,
		&riskType,
		&corrected,
		&notes,
		&fb.SubmittedAt,
		&fb.SubmittedBy,
		&fb.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if riskType.Valid {
		rt := model.RiskType(riskType.String)
		fb.CorrectedRiskType = &rt
	}
	if corrected.Valid {
		if err := json.Unmarshal([]byte(corrected.String), &fb.CorrectedKeywords); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal corrected keywords for %s", fb.AlertID)
		}
	}
	fb.Notes = fromNullString(notes)
	fb.SubmittedAt = fb.SubmittedAt.UTC()
	fb.CreatedAt = fb.CreatedAt.UTC()
	return &fb, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time.UTC()
	return &v
}
