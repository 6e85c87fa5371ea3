package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dev-xo/remix-saas-sub001/internal/models"
)

const jobColumns = `id, job_type, payload, status, priority, attempts, max_attempts,
		created_at, updated_at, scheduled_for, last_error, retry_after,
		processed_at, completed_at, worker_id, metadata`

const jobPriorityOrder = `CASE priority
				WHEN 'critical' THEN 4
				WHEN 'high' THEN 3
				WHEN 'normal' THEN 2
				WHEN 'low' THEN 1
			END DESC,
			created_at ASC`

// JobStore provides database operations for job queue management.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a new JobStore instance.
func NewJobStore(db *sql.DB) (*JobStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &JobStore{db: db}, nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	err := row.Scan(
		&job.ID,
		&job.JobType,
		&job.Payload,
		&job.Status,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.ScheduledFor,
		&job.LastError,
		&job.RetryAfter,
		&job.ProcessedAt,
		&job.CompletedAt,
		&job.WorkerID,
		&job.Metadata,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Enqueue stores a new pending job and fills in its id and timestamps.
func (s *JobStore) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.IsValid(); err != nil {
		return fmt.Errorf("%w: invalid job: %s", ErrInvalidArgument, err)
	}

	status := models.JobStatusPending
	if job.Status != "" {
		status = job.Status
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO jobs (job_type, payload, status, priority, max_attempts, scheduled_for, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		job.JobType,
		job.Payload,
		status,
		job.Priority,
		job.MaxAttempts,
		job.ScheduledFor,
		job.Metadata,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: enqueue job: %w", err)
	}
	job.Status = status
	return nil
}

// GetByID retrieves a job by its id.
func (s *JobStore) GetByID(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return nil, translate("get job by id", err)
	}
	return job, nil
}

// ClaimNextJob atomically claims the next runnable job for workerID. It returns
// nil, nil when the queue is empty.
func (s *JobStore) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'processing',
		    worker_id = $1,
		    processed_at = NOW(),
		    updated_at = NOW(),
		    attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			  AND (scheduled_for IS NULL OR scheduled_for <= NOW())
			  AND (retry_after IS NULL OR retry_after <= NOW())
			ORDER BY ` + jobPriorityOrder + `
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRowContext(ctx, query, workerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: claim next job: %w", err)
	}
	return job, nil
}

// MarkCompleted marks a job as successfully completed.
func (s *JobStore) MarkCompleted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'completed', completed_at = NOW(), updated_at = NOW(), worker_id = NULL
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("store: mark job completed: %w", err)
	}
	return nil
}

// MarkFailed marks a job as permanently failed.
func (s *JobStore) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'failed', last_error = $2, updated_at = NOW(), worker_id = NULL
		 WHERE id = $1`,
		id, errorMsg,
	)
	if err != nil {
		return fmt.Errorf("store: mark job failed: %w", err)
	}
	return nil
}

// ScheduleRetry puts a job back to pending, runnable after retryAfter.
func (s *JobStore) ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'pending', last_error = $2, retry_after = $3, updated_at = NOW(), worker_id = NULL
		 WHERE id = $1`,
		id, errorMsg, retryAfter,
	)
	if err != nil {
		return fmt.Errorf("store: schedule job retry: %w", err)
	}
	return nil
}

// CancelJob cancels a pending or failed job. Jobs in any other state yield
// ErrConflict.
func (s *JobStore) CancelJob(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'cancelled', updated_at = NOW(), worker_id = NULL
		 WHERE id = $1 AND status IN ('pending', 'failed')`,
		id,
	)
	if err != nil {
		return fmt.Errorf("store: cancel job: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("store: cancel job: %w", err)
	}
	if !exists {
		return fmt.Errorf("store: cancel job %d: %w", id, ErrNotFound)
	}
	return fmt.Errorf("store: cancel job %d: %w: job is processing or already finished", id, ErrConflict)
}

// ReleaseJob hands a processing job back to the queue, used on shutdown.
func (s *JobStore) ReleaseJob(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'pending', worker_id = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'processing'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("store: release job: %w", err)
	}
	return nil
}

// RequeueStale releases processing jobs whose worker has not touched them for
// longer than olderThan.
func (s *JobStore) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'pending', worker_id = NULL, updated_at = NOW()
		 WHERE status = 'processing'
		   AND updated_at < NOW() - INTERVAL '1 second' * $1`,
		olderThan.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: requeue stale jobs: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

// GetStats counts jobs per status.
func (s *JobStore) GetStats(ctx context.Context) (*models.JobStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled,
			COUNT(*) AS total
		FROM jobs
	`

	stats := &models.JobStats{}
	err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
		&stats.Cancelled,
		&stats.Total,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get job stats: %w", err)
	}
	return stats, nil
}

// ListProcessingJobs returns all jobs currently being processed.
func (s *JobStore) ListProcessingJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = 'processing' ORDER BY processed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list processing jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListPendingJobs returns runnable pending jobs in claim order.
func (s *JobStore) ListPendingJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'pending'
		  AND (scheduled_for IS NULL OR scheduled_for <= NOW())
		  AND (retry_after IS NULL OR retry_after <= NOW())
		ORDER BY ` + jobPriorityOrder + `
		LIMIT $1
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list pending jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]*models.Job, error) {
	jobs := make([]*models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate jobs: %w", err)
	}
	return jobs, nil
}

// CleanupOldJobs deletes finished jobs last touched before olderThan ago.
func (s *JobStore) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs
		 WHERE status IN ('completed', 'failed', 'cancelled')
		   AND updated_at < NOW() - INTERVAL '1 second' * $1`,
		olderThan.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup old jobs: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}
