package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/t77yq/crisis-escalation/internal/export"
	"github.com/t77yq/crisis-escalation/internal/feedback"
	"github.com/t77yq/crisis-escalation/internal/model"
	"github.com/t77yq/crisis-escalation/internal/monitor"
)

// Alerts is the alert registry surface used by the handlers
type Alerts interface {
	Create(ctx context.Context, d model.Detection) (*model.Alert, bool, error)
	Acknowledge(ctx context.Context, id, memberID, notes string) (*model.Alert, error)
	Intervene(ctx context.Context, id, memberID, notes string) (*model.Alert, error)
	Resolve(ctx context.Context, id, resolution string) (*model.Alert, error)
	Get(ctx context.Context, id string) (*model.Alert, error)
	GetActive() []*model.Alert
	Stats() model.AlertStats
}

// Feedback records and lists clinician feedback
type Feedback interface {
	Collect(ctx context.Context, alertID string, sub feedback.Submission) (*model.Feedback, bool, error)
	List(ctx context.Context, page, limit int) (feedback.Page, error)
}

// Metrics reports detector performance
type Metrics interface {
	PerformanceMetrics(ctx context.Context, periodDays int) (*model.PerformanceMetrics, error)
	KeywordStatistics(ctx context.Context) ([]model.KeywordStat, error)
	GenerateImprovements(ctx context.Context) (*model.ImprovementReport, error)
}

// Exporter produces training data
type Exporter interface {
	Export(ctx context.Context, format export.Format, limit int) ([]byte, error)
}

// Health reports operational counters
type Health interface {
	Snapshot() monitor.Snapshot
}

// Deps are the components behind the REST surface
type Deps struct {
	Alerts   Alerts
	Feedback Feedback
	Metrics  Metrics
	Exporter Exporter
	Health   Health
}

// Server serves the alert and feedback REST API
type Server struct {
	logger *zap.Logger
	deps   Deps
	router chi.Router
}

// NewServer builds the router. corsOrigins lists the dashboard origins
// allowed to call the API.
func NewServer(logger *zap.Logger, deps Deps, corsOrigins []string) *Server {
	s := &Server{
		logger: logger.Named("api"),
		deps:   deps,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/alerts", func(r chi.Router) {
		r.Post("/", s.createAlert)
		r.Get("/active", s.activeAlerts)
		r.Get("/stats", s.alertStats)
		r.Get("/{id}", s.getAlert)
		r.Post("/{id}/acknowledge", s.acknowledgeAlert)
		r.Post("/{id}/intervene", s.interveneAlert)
		r.Post("/{id}/resolve", s.resolveAlert)
	})

	r.Route("/hitl-feedback", func(r chi.Router) {
		r.Get("/metrics", s.performanceMetrics)
		r.Get("/improvements", s.improvements)
		r.Get("/keywords", s.keywordStatistics)
		r.Get("/training-data", s.trainingData)
		r.Get("/all", s.listFeedback)
		r.Post("/{alertId}", s.submitFeedback)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("uri", r.URL.RequestURI()),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"success": true, "status": "ok"}
	if s.deps.Health != nil {
		resp["monitor"] = s.deps.Health.Snapshot()
	}
	respondJSON(w, http.StatusOK, resp)
}
