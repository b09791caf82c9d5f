package httpserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fernlab/evalsvc/internal/adapter/observability"
	"github.com/fernlab/evalsvc/internal/config"
	"github.com/fernlab/evalsvc/internal/domain"
	"github.com/fernlab/evalsvc/internal/evaluator"
	"github.com/fernlab/evalsvc/internal/jobqueue"
	"github.com/fernlab/evalsvc/internal/ratelimiter"
	"github.com/fernlab/evalsvc/internal/streamer"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// Server aggregates the job orchestration substrate behind the HTTP API.
// Remediation and RemediationStream are nil when remediation is disabled.
type Server struct {
	Cfg config.Config

	Jobs        *jobqueue.JobManager
	Batches     *jobqueue.BatchManager
	Stream      *streamer.Streamer
	RateLimiter *ratelimiter.DailyLimiter
	Registry    *evaluator.Registry

	Remediation       *jobqueue.RemediationManager
	RemediationStream *streamer.Streamer

	StartedAt time.Time
}

// NewServer constructs a Server over the already-running job orchestration
// components.
func NewServer(cfg config.Config, jobs *jobqueue.JobManager, batches *jobqueue.BatchManager, stream *streamer.Streamer, limiter *ratelimiter.DailyLimiter, registry *evaluator.Registry, remediation *jobqueue.RemediationManager, remediationStream *streamer.Streamer) *Server {
	return &Server{
		Cfg: cfg, Jobs: jobs, Batches: batches, Stream: stream,
		RateLimiter: limiter, Registry: registry,
		Remediation: remediation, RemediationStream: remediationStream,
		StartedAt: time.Now(),
	}
}

type submitRequest struct {
	Payload             json.RawMessage `json:"payload"`
	SourceRemediationID string          `json:"sourceRemediationId,omitempty"`
	ParentEvaluationID  string          `json:"parentEvaluationId,omitempty"`
}

// SubmitEvaluationHandler handles POST /evaluate.
func (s *Server) SubmitEvaluationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req submitRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: "INVALID_ARGUMENT"})
				return
			}
		}

		// Consume gates admission in one atomic step; a Check-then-Consume
		// pair would let concurrent requests near the cap all pass the check.
		if s.RateLimiter != nil {
			d := s.RateLimiter.Consume()
			observability.SetRateLimiterRemaining(d.Remaining)
			if !d.Allowed {
				writeJSON(w, http.StatusTooManyRequests, errorEnvelope{Error: domain.CodeRateLimited})
				return
			}
		}

		id, err := s.Jobs.SubmitJob(domain.EvaluateRequest{
			Payload:             req.Payload,
			SourceRemediationID: req.SourceRemediationID,
			ParentEvaluationID:  req.ParentEvaluationID,
		})
		if err != nil {
			// No job was created, so the consumed daily slot goes back.
			if s.RateLimiter != nil {
				s.RateLimiter.Refund()
			}
			writeAdmissionError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id})
	}
}

// GetEvaluationHandler handles GET /evaluate/{id}.
func (s *Server) GetEvaluationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		j, ok := s.Jobs.GetJob(id)
		if !ok {
			writeNotFound(w)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(j))
	}
}

// EvaluationProgressHandler handles GET /evaluate/{id}/progress (SSE).
func (s *Server) EvaluationProgressHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Stream.ServeHTTP(w, r, chi.URLParam(r, "id"))
	}
}

// IssuesHandler handles GET /evaluate/{id}/issues.
func (s *Server) IssuesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, ok := s.Jobs.GetJob(chi.URLParam(r, "id"))
		if !ok {
			writeNotFound(w)
			return
		}
		issues := evaluator.ExtractIssues(j.Result)
		writeJSON(w, http.StatusOK, map[string]any{"issues": issues})
	}
}

// EvaluatorsHandler handles GET /evaluators.
func (s *Server) EvaluatorsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"evaluators": s.Registry.List()})
	}
}

type batchRequest struct {
	URLs    []string        `json:"urls" validate:"required,min=1,dive,required"`
	Payload json.RawMessage `json:"payload"`
}

// SubmitBatchHandler handles POST /evaluate/batch.
func (s *Server) SubmitBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req batchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: "INVALID_ARGUMENT"})
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: "INVALID_ARGUMENT"})
			return
		}
		id := s.Batches.SubmitBatch(req.URLs, domain.EvaluateRequest{Payload: req.Payload})
		writeJSON(w, http.StatusAccepted, map[string]string{"batchId": id})
	}
}

// GetBatchHandler handles GET /evaluate/batch/{id}.
func (s *Server) GetBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := s.Batches.Status(chi.URLParam(r, "id"))
		if !ok {
			writeNotFound(w)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// CancelBatchHandler handles POST /evaluate/batch/{id}/cancel.
func (s *Server) CancelBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.Batches.Cancel(chi.URLParam(r, "id")) {
			writeNotFound(w)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type remediationRequest struct {
	Payload      json.RawMessage `json:"payload"`
	EvaluationID string          `json:"evaluationId"`
}

// SubmitRemediationHandler handles POST /remediate.
func (s *Server) SubmitRemediationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Remediation == nil {
			writeJSON(w, http.StatusNotImplemented, errorEnvelope{Error: "REMEDIATION_DISABLED"})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req remediationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: "INVALID_ARGUMENT"})
			return
		}
		// One concurrent remediation per evaluation.
		if req.EvaluationID != "" && s.Remediation.HasActiveJobForEvaluation(req.EvaluationID) {
			writeJSON(w, http.StatusConflict, errorEnvelope{Error: "REMEDIATION_IN_PROGRESS"})
			return
		}
		id, err := s.Remediation.SubmitJob(domain.RemediationRequest{Payload: req.Payload, EvaluationID: req.EvaluationID})
		if err != nil {
			writeAdmissionError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id})
	}
}

// GetRemediationHandler handles GET /remediate/{id}.
func (s *Server) GetRemediationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Remediation == nil {
			writeNotFound(w)
			return
		}
		j, ok := s.Remediation.GetJob(chi.URLParam(r, "id"))
		if !ok {
			writeNotFound(w)
			return
		}
		writeJSON(w, http.StatusOK, toRemediationResponse(j))
	}
}

// RemediationProgressHandler handles GET /remediate/{id}/progress (SSE).
func (s *Server) RemediationProgressHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.RemediationStream == nil {
			writeNotFound(w)
			return
		}
		s.RemediationStream.ServeHTTP(w, r, chi.URLParam(r, "id"))
	}
}

// ConfigHandler handles GET /config.
func (s *Server) ConfigHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"maxConcurrentJobs": s.Cfg.MaxConcurrentJobs,
			"maxQueueSize":      s.Cfg.MaxQueueSize,
			"logTailMax":        s.Cfg.LogTailMax,
			"enableRemediation": s.Cfg.EnableRemediation,
		}
		if s.RateLimiter != nil {
			stats := s.RateLimiter.StatsNow()
			resp["dailyGitEvalLimit"] = stats.Limit
			resp["dailyGitEvalCount"] = stats.Count
			resp["dailyGitEvalRemaining"] = stats.Remaining
			observability.SetRateLimiterRemaining(stats.Remaining)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HealthzHandler handles GET /healthz. The service reports degraded once
// more than half of a meaningful sample of jobs has failed, and unhealthy
// (503) once every job in the sample has failed.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := s.Jobs.Stats()
		completed := stats.ByStatus[string(domain.JobCompleted)]
		failed := stats.ByStatus[string(domain.JobFailed)]
		queued := stats.ByStatus[string(domain.JobQueued)]
		running := stats.ByStatus[string(domain.JobRunning)]

		status := "healthy"
		httpStatus := http.StatusOK
		if stats.Total >= 5 && failed == stats.Total {
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else if stats.Total >= 10 && float64(failed)/float64(stats.Total) > 0.5 {
			status = "degraded"
		}

		writeJSON(w, httpStatus, map[string]any{
			"status":    status,
			"timestamp": time.Now().UTC(),
			"uptime":    time.Since(s.StartedAt).Seconds(),
			"version":   "1",
			"jobs": map[string]int{
				"total":     stats.Total,
				"active":    stats.Active,
				"queued":    queued,
				"running":   running,
				"completed": completed,
				"failed":    failed,
			},
		})
	}
}

func toJobResponse(j *domain.Job) map[string]any {
	out := map[string]any{
		"id":        j.ID,
		"status":    j.Status,
		"request":   j.Request.Payload,
		"createdAt": j.CreatedAt,
		"updatedAt": j.UpdatedAt,
		"progress":  j.Progress,
		"logs":      j.Logs,
	}
	if !j.StartedAt.IsZero() {
		out["startedAt"] = j.StartedAt
	}
	if !j.CompletedAt.IsZero() {
		out["completedAt"] = j.CompletedAt
	}
	if !j.FailedAt.IsZero() {
		out["failedAt"] = j.FailedAt
	}
	if j.Status == domain.JobCompleted {
		out["result"] = j.Result
	}
	if j.Error != nil {
		out["error"] = j.Error
	}
	return out
}

func toRemediationResponse(j *domain.RemediationJob) map[string]any {
	out := map[string]any{
		"id":          j.ID,
		"status":      j.Status,
		"request":     j.Request.Payload,
		"currentStep": j.CurrentStep,
		"createdAt":   j.CreatedAt,
		"updatedAt":   j.UpdatedAt,
		"logs":        j.Logs,
	}
	if !j.StartedAt.IsZero() {
		out["startedAt"] = j.StartedAt
	}
	if !j.CompletedAt.IsZero() {
		out["completedAt"] = j.CompletedAt
	}
	if !j.FailedAt.IsZero() {
		out["failedAt"] = j.FailedAt
	}
	if j.Status == domain.RemediationCompleted {
		out["result"] = j.Result
	}
	if j.Error != nil {
		out["error"] = j.Error
	}
	return out
}
