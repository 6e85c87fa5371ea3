// Package worker runs the background job queue: a pool of processors that
// claim jobs from Postgres, retry failures with backoff, and release
// in-flight jobs on shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dev-xo/remix-saas-sub001/internal/models"
)

// Handler processes a single job.
type Handler func(ctx context.Context, job *models.Job) error

// Queue is the job storage the worker drives. *store.JobStore satisfies it.
type Queue interface {
	ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errorMsg string) error
	ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error
	ReleaseJob(ctx context.Context, id int64) error
}

// Stats holds worker statistics
type Stats struct {
	JobsProcessed   int64     `json:"jobs_processed"`
	JobsSucceeded   int64     `json:"jobs_succeeded"`
	JobsFailed      int64     `json:"jobs_failed"`
	JobsRetried     int64     `json:"jobs_retried"`
	ActiveJobs      int       `json:"active_jobs"`
	LastProcessedAt time.Time `json:"last_processed_at"`
}

// Config holds worker configuration
type Config struct {
	// MaxConcurrent is the maximum number of concurrent job processors
	MaxConcurrent int
	// PollInterval is the time between polling for new jobs
	PollInterval time.Duration
	// RetryBaseDelay is the base delay for exponential backoff
	RetryBaseDelay time.Duration
	// RetryMaxDelay is the maximum delay between retries
	RetryMaxDelay time.Duration
	// RetryBackoffMultiplier is the multiplier for exponential backoff
	RetryBackoffMultiplier float64
	// JobTimeout is the maximum time allowed for a job to run
	JobTimeout time.Duration
	// ShutdownTimeout is the maximum time to wait for jobs to complete during shutdown
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:          2,
		PollInterval:           time.Second,
		RetryBaseDelay:         5 * time.Second,
		RetryMaxDelay:          10 * time.Minute,
		RetryBackoffMultiplier: 2.0,
		JobTimeout:             2 * time.Minute,
		ShutdownTimeout:        30 * time.Second,
	}
}

// ErrPermanent marks a handler error that must not be retried.
var ErrPermanent = errors.New("permanent job failure")

// Permanent wraps err so the job is failed without further attempts.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Worker is the async job queue processor
type Worker struct {
	config Config
	queue  Queue
	logger *zap.Logger

	workerID string
	handlers map[string]Handler
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopped  bool
	mu       sync.RWMutex

	// activeJobs tracks currently processing job IDs for graceful shutdown
	activeJobs map[int64]context.CancelFunc

	statsMu sync.RWMutex
	stats   Stats

	// now and jitter are replaced in tests.
	now    func() time.Time
	jitter func() float64
}

// New creates a new Worker instance
func New(config Config, queue Queue, logger *zap.Logger) *Worker {
	defaults := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = defaults.RetryMaxDelay
	}
	if config.RetryBackoffMultiplier <= 1 {
		config.RetryBackoffMultiplier = defaults.RetryBackoffMultiplier
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = defaults.JobTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	workerID := "worker-" + uuid.NewString()
	return &Worker{
		config:     config,
		queue:      queue,
		logger:     logger.With(zap.String("worker_id", workerID)),
		workerID:   workerID,
		handlers:   make(map[string]Handler),
		stopCh:     make(chan struct{}),
		activeJobs: make(map[int64]context.CancelFunc),
		now:        time.Now,
		jitter:     rand.Float64,
	}
}

// RegisterHandler binds a handler to a job type. It must be called before Start.
func (w *Worker) RegisterHandler(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

// RegisterHandlers binds every entry of hs.
func (w *Worker) RegisterHandlers(hs map[string]func(context.Context, *models.Job) error) {
	for jobType, h := range hs {
		w.RegisterHandler(jobType, h)
	}
}

// ID returns the identifier recorded on claimed jobs.
func (w *Worker) ID() string {
	return w.workerID
}

// Start begins the worker loop
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("starting worker", zap.Int("processors", w.config.MaxConcurrent))

	for i := 0; i < w.config.MaxConcurrent; i++ {
		w.wg.Add(1)
		go w.processor(ctx, i)
	}
}

// Stop gracefully shuts down the worker
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	w.logger.Info("stopping worker")

	shutdownCtx, cancel := context.WithTimeout(ctx, w.config.ShutdownTimeout)
	defer cancel()

	w.releaseActiveJobs(shutdownCtx)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker stopped")
		return nil
	case <-shutdownCtx.Done():
		return fmt.Errorf("worker: shutdown timeout exceeded")
	}
}

// processor is the main loop for a single worker goroutine
func (w *Worker) processor(ctx context.Context, id int) {
	defer w.wg.Done()
	logger := w.logger.With(zap.Int("processor", id))

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
			if err := w.processNextJob(ctx); err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					logger.Error("process next job", zap.Error(err))
				}
				w.wait(ctx)
			}
		}
	}
}

// processNextJob attempts to claim and process the next available job
func (w *Worker) processNextJob(ctx context.Context) error {
	job, err := w.queue.ClaimNextJob(ctx, w.workerID)
	if err != nil {
		return err
	}
	if job == nil {
		w.wait(ctx)
		return nil
	}

	w.processJob(ctx, job)
	return nil
}

func (w *Worker) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-time.After(w.config.PollInterval):
	}
}

// processJob handles the execution of a single job
func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	start := w.now()

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	w.trackActiveJob(job.ID, cancel)
	defer w.untrackActiveJob(job.ID)

	w.logger.Debug("processing job",
		zap.Int64("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.Int("attempt", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts),
	)

	w.mu.RLock()
	handler, ok := w.handlers[job.JobType]
	w.mu.RUnlock()
	if !ok {
		w.handleError(ctx, job, Permanent(fmt.Errorf("no handler registered for job type %q", job.JobType)), start)
		return
	}

	if err := runHandler(jobCtx, handler, job); err != nil {
		w.handleError(ctx, job, err, start)
		return
	}
	w.handleSuccess(ctx, job, start)
}

// runHandler turns a handler panic into an error.
func runHandler(ctx context.Context, h Handler, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// handleError handles a job failure, retrying if appropriate
func (w *Worker) handleError(ctx context.Context, job *models.Job, err error, start time.Time) {
	duration := w.now().Sub(start)
	logger := w.logger.With(
		zap.Int64("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.Int("attempt", job.Attempts),
		zap.Duration("duration", duration),
		zap.Error(err),
	)

	w.statsMu.Lock()
	w.stats.JobsProcessed++
	w.stats.JobsFailed++
	w.stats.LastProcessedAt = w.now()
	w.statsMu.Unlock()

	if job.CanRetry() && !errors.Is(err, ErrPermanent) {
		delay := w.retryDelay(job.Attempts)

		w.statsMu.Lock()
		w.stats.JobsRetried++
		w.statsMu.Unlock()

		logger.Warn("job failed, scheduling retry", zap.Duration("retry_in", delay))
		if err := w.queue.ScheduleRetry(ctx, job.ID, err.Error(), w.now().Add(delay)); err != nil {
			logger.Error("schedule retry", zap.NamedError("store_error", err))
		}
		return
	}

	logger.Error("job failed permanently")
	if err := w.queue.MarkFailed(ctx, job.ID, err.Error()); err != nil {
		logger.Error("mark job failed", zap.NamedError("store_error", err))
	}
}

// retryDelay is exponential in the attempt number, capped, with ±20% jitter.
func (w *Worker) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(w.config.RetryBaseDelay) * math.Pow(w.config.RetryBackoffMultiplier, float64(attempt-1))
	delay := math.Min(base, float64(w.config.RetryMaxDelay))
	return time.Duration(delay * (0.8 + 0.4*w.jitter()))
}

// handleSuccess handles a successful job completion
func (w *Worker) handleSuccess(ctx context.Context, job *models.Job, start time.Time) {
	duration := w.now().Sub(start)

	w.statsMu.Lock()
	w.stats.JobsProcessed++
	w.stats.JobsSucceeded++
	w.stats.LastProcessedAt = w.now()
	w.statsMu.Unlock()

	w.logger.Info("job completed",
		zap.Int64("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.Duration("duration", duration),
	)

	if err := w.queue.MarkCompleted(ctx, job.ID); err != nil {
		w.logger.Error("mark job completed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
}

func (w *Worker) trackActiveJob(jobID int64, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeJobs[jobID] = cancel
}

func (w *Worker) untrackActiveJob(jobID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.activeJobs, jobID)
}

// releaseActiveJobs cancels in-flight jobs and puts them back to pending.
func (w *Worker) releaseActiveJobs(ctx context.Context) {
	w.mu.Lock()
	jobIDs := make([]int64, 0, len(w.activeJobs))
	for id, cancel := range w.activeJobs {
		cancel()
		jobIDs = append(jobIDs, id)
	}
	w.mu.Unlock()

	for _, id := range jobIDs {
		if err := w.queue.ReleaseJob(ctx, id); err != nil {
			w.logger.Error("release job", zap.Int64("job_id", id), zap.Error(err))
			continue
		}
		w.logger.Info("released job back to pending", zap.Int64("job_id", id))
	}
}

// Stats returns current worker statistics.
func (w *Worker) Stats() Stats {
	w.statsMu.RLock()
	stats := w.stats
	w.statsMu.RUnlock()

	w.mu.RLock()
	stats.ActiveJobs = len(w.activeJobs)
	w.mu.RUnlock()
	return stats
}
