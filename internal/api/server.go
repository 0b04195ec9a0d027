// Package api is the mobile-facing HTTP gateway. It translates requests into
// orchestrator and store calls and wraps every /api answer in the
// {success, message, data} envelope.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dunamismax/florique/internal/domain"
	"github.com/dunamismax/florique/internal/orchestrator"
	"github.com/dunamismax/florique/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxBodyBytes = 32 << 20

// JobService is the orchestrator surface the gateway needs.
type JobService interface {
	StartJob(ctx context.Context, req domain.StartJobRequest) (orchestrator.Admission, error)
	GetStatus(ctx context.Context, jobID string) (domain.StatusView, error)
	GetResult(ctx context.Context, jobID string) (domain.JobResultView, error)
	CancelJob(jobID string) bool
}

type Options struct {
	// Settings backs /api/configurations. Those routes answer 503 when nil.
	Settings              SettingsStore
	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
	Tracer                trace.Tracer
	// Registry receives the HTTP metrics and is served on /metrics. A fresh
	// one is created when nil.
	Registry *prometheus.Registry
}

type Server struct {
	logger                *zap.SugaredLogger
	jobs                  JobService
	users                 store.UserStore
	backgrounds           store.BackgroundStore
	feedback              store.FeedbackStore
	settings              SettingsStore
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	metrics               *metrics
	tracer                trace.Tracer
	router                chi.Router
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func NewServer(
	logger *zap.SugaredLogger,
	jobs JobService,
	users store.UserStore,
	backgrounds store.BackgroundStore,
	feedback store.FeedbackStore,
	opts Options,
) *Server {
	header := strings.TrimSpace(opts.RateLimitUserIDHeader)
	if header == "" {
		header = "X-User-ID"
	}

	s := &Server{
		logger:                logger.Named("api"),
		jobs:                  jobs,
		users:                 users,
		backgrounds:           backgrounds,
		feedback:              feedback,
		settings:              opts.Settings,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: header,
		metrics:               newMetrics(opts.Registry),
		tracer:                opts.Tracer,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		s.withTracing,
		s.metrics.withHTTPMetrics,
	)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.metricsHandler())

	r.Route("/api", func(r chi.Router) {
		r.With(s.withRateLimit).Post("/enhance", s.handleStartJob)
		r.Get("/jobs/{jobId}/status", s.handleJobStatus)
		r.Get("/jobs/{jobId}/result", s.handleJobResult)
		r.Post("/jobs/{jobId}/cancel", s.handleCancelJob)

		r.Post("/users/register", s.handleRegisterUser)
		r.Post("/users/credits", s.handleUpdateCredits)
		r.Get("/users/{userId}/credits", s.handleGetCredits)
		r.Get("/users/{userId}", s.handleGetUser)

		r.Get("/backgrounds", s.handleBackgrounds)
		r.Post("/feedback", s.handleSubmitFeedback)

		r.Post("/configurations/clear-cache", s.handleClearConfigurationCache)
		r.Get("/configurations/{key}", s.handleGetConfiguration)
		r.Put("/configurations/{key}", s.handleUpdateConfiguration)
	})

	s.router = r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req domain.StartJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, envelope{Message: err.Error()})
		return
	}

	admission, err := s.jobs.StartJob(r.Context(), req)
	switch {
	case err == nil:
		writeEnvelope(w, http.StatusOK, envelope{Success: true, Message: "Enhancement job started", Data: admission})
	case errors.Is(err, domain.ErrValidation):
		writeEnvelope(w, http.StatusBadRequest, envelope{Message: err.Error()})
	case errors.Is(err, domain.ErrInsufficientCredit):
		writeEnvelope(w, http.StatusPaymentRequired, envelope{Message: "Insufficient credits"})
	default:
		s.logger.Errorw("start job failed", "user_id", req.UserID, "error", err)
		writeEnvelope(w, http.StatusInternalServerError, envelope{Message: "Failed to start enhancement job"})
	}
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	view, err := s.jobs.GetStatus(r.Context(), jobID)
	if err != nil {
		s.writeJobLookupError(w, jobID, err)
		return
	}
	writeEnvelope(w, http.StatusOK, envelope{Success: true, Data: view})
}

func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	view, err := s.jobs.GetResult(r.Context(), jobID)
	if err != nil {
		s.writeJobLookupError(w, jobID, err)
		return
	}

	switch view.Status {
	case domain.JobStatusProcessing:
		writeEnvelope(w, http.StatusOK, envelope{Message: "Job is still processing", Data: view})
	case domain.JobStatusFailed:
		writeEnvelope(w, http.StatusOK, envelope{Message: view.ErrorDetail, Data: view})
	default:
		writeEnvelope(w, http.StatusOK, envelope{Success: true, Data: view})
	}
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	cancelled := s.jobs.CancelJob(jobID)

	message := "Job cancellation requested"
	if !cancelled {
		message = "No running job with that id"
	}
	writeEnvelope(w, http.StatusOK, envelope{
		Success: cancelled,
		Message: message,
		Data:    map[string]any{"jobId": jobID, "cancelled": cancelled},
	})
}

func (s *Server) writeJobLookupError(w http.ResponseWriter, jobID string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeEnvelope(w, http.StatusNotFound, envelope{Message: "Job not found"})
		return
	}
	s.logger.Errorw("job lookup failed", "job_id", jobID, "error", err)
	writeEnvelope(w, http.StatusInternalServerError, envelope{Message: "Failed to load job"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, into any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return errors.Wrap(err, "invalid JSON body")
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeEnvelope(w http.ResponseWriter, status int, body envelope) {
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
