package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dev-xo/remix-saas-sub001/internal/models"
)

// JobStore defines the interface for job storage operations
type JobStore interface {
	Enqueue(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id int64) (*models.Job, error)
	CancelJob(ctx context.Context, id int64) error
	GetStats(ctx context.Context) (*models.JobStats, error)
	ListPendingJobs(ctx context.Context, limit int) ([]*models.Job, error)
	ListProcessingJobs(ctx context.Context) ([]*models.Job, error)
}

// CreateJobRequest represents a request to create a new job
type CreateJobRequest struct {
	JobType      string       `json:"job_type"`
	Payload      models.JSONB `json:"payload"`
	Priority     string       `json:"priority,omitempty"`
	MaxAttempts  int          `json:"max_attempts,omitempty"`
	ScheduledFor *time.Time   `json:"scheduled_for,omitempty"`
}

// JobHandler exposes the reconciliation queue to operators.
type JobHandler struct {
	Store  JobStore
	Logger *zap.Logger
}

// RegisterRoutes registers job handlers with the router
func (h *JobHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/admin/jobs", h.CreateJob)
	router.Get("/api/admin/jobs/stats", h.Stats)
	router.Get("/api/admin/jobs/pending", h.ListPending)
	router.Get("/api/admin/jobs/processing", h.ListProcessing)
	router.Get("/api/admin/jobs/{id}", h.GetJob)
	router.Post("/api/admin/jobs/{id}/cancel", h.CancelJob)
}

// CreateJob enqueues a job by hand, for example to force a subscription resync.
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.JobType == "" {
		writeMessage(w, http.StatusBadRequest, "job_type is required")
		return
	}

	job := models.NewJob(req.JobType, req.Payload)
	if req.Priority != "" {
		job.Priority = models.JobPriority(req.Priority)
		if !job.Priority.Valid() {
			writeMessage(w, http.StatusBadRequest, "unknown priority")
			return
		}
	}
	if req.MaxAttempts > 0 {
		job.MaxAttempts = req.MaxAttempts
	}
	job.ScheduledFor = req.ScheduledFor

	if err := h.Store.Enqueue(r.Context(), job); err != nil {
		writeError(w, h.Logger, "jobs: enqueue", err)
		return
	}

	h.Logger.Info("jobs: enqueued by operator", zap.Int64("job_id", job.ID), zap.String("job_type", job.JobType))
	writeJSON(w, http.StatusCreated, job)
}

// GetJob retrieves a job by ID
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.Store.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, "jobs: get", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob cancels a pending or failed job
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeMessage(w, http.StatusBadRequest, "invalid job id")
		return
	}

	if err := h.Store.CancelJob(r.Context(), id); err != nil {
		writeError(w, h.Logger, "jobs: cancel", err)
		return
	}

	h.Logger.Info("jobs: cancelled", zap.Int64("job_id", id))
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": models.JobStatusCancelled})
}

// Stats returns statistics about the job queue
func (h *JobHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.GetStats(r.Context())
	if err != nil {
		writeError(w, h.Logger, "jobs: stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListPending returns pending jobs
func (h *JobHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 1000 {
		limit = l
	}

	jobs, err := h.Store.ListPendingJobs(r.Context(), limit)
	if err != nil {
		writeError(w, h.Logger, "jobs: list pending", err)
		return
	}
	writeJobs(w, jobs)
}

// ListProcessing returns currently processing jobs
func (h *JobHandler) ListProcessing(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.Store.ListProcessingJobs(r.Context())
	if err != nil {
		writeError(w, h.Logger, "jobs: list processing", err)
		return
	}
	writeJobs(w, jobs)
}

func writeJobs(w http.ResponseWriter, jobs []*models.Job) {
	if jobs == nil {
		jobs = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}
