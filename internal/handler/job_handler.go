package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"opsbus/internal/event"
	"opsbus/internal/metrics"
	"opsbus/internal/models"
	"opsbus/internal/service"
)

// CreateJobRequest is the POST /jobs body.
type CreateJobRequest struct {
	Type           string          `json:"type"`
	Queue          string          `json:"queue"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority,omitempty"`
	DelaySeconds   int             `json:"delay_seconds,omitempty"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	TenantID       string          `json:"tenant_id"`
	UserID         string          `json:"user_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
}

// JobService is the slice of the enqueue service the API needs.
type JobService interface {
	Enqueue(ctx context.Context, opts models.EnqueueOptions) (string, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)
	CountByStatus(ctx context.Context) (map[models.JobStatus]int, error)
}

// JobHandler handles HTTP requests for jobs
type JobHandler struct {
	enqueuer JobService
	limiter  *service.SubmissionLimiter
	registry *event.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(enqueuer JobService, limiter *service.SubmissionLimiter, registry *event.Registry, m *metrics.Metrics, logger *slog.Logger) *JobHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobHandler{
		enqueuer: enqueuer,
		limiter:  limiter,
		registry: registry,
		metrics:  m,
		logger:   logger,
	}
}

// CreateJob handles POST /jobs
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.TenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if req.Queue == "" {
		http.Error(w, "queue is required", http.StatusBadRequest)
		return
	}

	if err := h.limiter.Allow(req.TenantID); err != nil {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	jobID, err := h.enqueuer.Enqueue(r.Context(), models.EnqueueOptions{
		Type:           req.Type,
		Queue:          req.Queue,
		Payload:        req.Payload,
		Priority:       req.Priority,
		Delay:          time.Duration(req.DelaySeconds) * time.Second,
		ScheduledAt:    req.ScheduledAt,
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		h.logger.Error("error creating job", "error", err)

		if errors.Is(err, service.ErrInvalidEnqueue) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		errMsg := err.Error()
		if strings.Contains(errMsg, "database") || strings.Contains(errMsg, "connection") {
			http.Error(w, "job creation failed: database error", http.StatusInternalServerError)
		} else {
			http.Error(w, "job creation failed: "+errMsg, http.StatusInternalServerError)
		}
		return
	}

	job, err := h.enqueuer.GetJob(r.Context(), jobID)
	if err != nil {
		// The row exists; a read failure here should not fail the submission.
		h.logger.Error("error reading back created job", "job_id", jobID, "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"job_id": jobID})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(job); err != nil {
		h.logger.Error("error encoding response", "error", err)
	}
}

// GetJob handles GET /jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if path == "" || path == r.URL.Path {
		http.Error(w, "job id is required", http.StatusBadRequest)
		return
	}

	job, err := h.enqueuer.GetJob(r.Context(), path)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		h.logger.Error("error getting job", "job_id", path, "error", err)
		http.Error(w, "failed to retrieve job", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(job); err != nil {
		h.logger.Error("error encoding response", "error", err)
	}
}

// ListJobs handles GET /jobs?status=
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	statusStr := r.URL.Query().Get("status")
	if statusStr == "" {
		http.Error(w, "status query parameter is required", http.StatusBadRequest)
		return
	}

	status := models.JobStatus(statusStr)
	if !status.Valid() {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	jobs, err := h.enqueuer.ListJobsByStatus(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("error listing jobs", "status", status, "error", err)
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(jobs); err != nil {
		h.logger.Error("error encoding response", "error", err)
	}
}

// GetDeadLetterQueue handles GET /dlq. Dead jobs stay in the jobs table
// under status DEAD; this is a filtered view, not a separate store.
func (h *JobHandler) GetDeadLetterQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobs, err := h.enqueuer.ListJobsByStatus(r.Context(), models.StatusDead, 100)
	if err != nil {
		h.logger.Error("error listing dead letter jobs", "error", err)
		http.Error(w, "failed to retrieve dead letter queue", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(jobs); err != nil {
		h.logger.Error("error encoding response", "error", err)
	}
}

// GetHandlers handles GET /handlers
func (h *JobHandler) GetHandlers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.registry.Handlers()); err != nil {
		h.logger.Error("error encoding response", "error", err)
	}
}

// GetMetrics handles GET /metrics
func (h *JobHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := h.metrics.GetSnapshot()

	response := map[string]interface{}{
		"counters": snapshot,
	}
	if counts, err := h.enqueuer.CountByStatus(r.Context()); err != nil {
		h.logger.Error("error counting jobs by status", "error", err)
	} else {
		response["jobs"] = counts
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("error encoding response", "error", err)
	}
}
