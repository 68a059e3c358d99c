package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"opsbus/internal/broker"
	"opsbus/internal/metrics"
	"opsbus/internal/models"
	"opsbus/internal/repository"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrInvalidEnqueue    = errors.New("enqueue requires a type and a queue")
)

// EnqueueService performs the dual write: the job row is written first and
// must succeed; the broker publish is best-effort. A publish failure leaves
// the row PENDING for the recovery sweep, so the caller still gets a job ID.
type EnqueueService struct {
	repo     repository.JobRepository
	broker   broker.Broker
	policies *broker.PolicyTable
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewEnqueueService creates a new enqueue service
func NewEnqueueService(repo repository.JobRepository, b broker.Broker, policies *broker.PolicyTable, m *metrics.Metrics, logger *slog.Logger) *EnqueueService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EnqueueService{
		repo:     repo,
		broker:   b,
		policies: policies,
		metrics:  m,
		logger:   logger,
	}
}

// Enqueue durably records a unit of work and best-effort publishes it.
// The only error it returns is a failure to write the job row, the one
// case where the work was never durably recorded.
func (s *EnqueueService) Enqueue(ctx context.Context, opts models.EnqueueOptions) (string, error) {
	if opts.Type == "" || opts.Queue == "" {
		return "", ErrInvalidEnqueue
	}

	if opts.IdempotencyKey != "" {
		existing, err := s.repo.GetJobByIdempotencyKey(ctx, opts.IdempotencyKey)
		if err != nil {
			return "", fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			return s.reuseExisting(ctx, existing, opts)
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.policies.For(opts.Queue).Attempts
	}

	job := &models.Job{
		ID:             uuid.New().String(),
		Type:           opts.Type,
		Queue:          opts.Queue,
		Payload:        opts.Payload,
		Status:         models.StatusPending,
		MaxAttempts:    maxAttempts,
		Priority:       opts.Priority,
		TenantID:       opts.TenantID,
		UserID:         opts.UserID,
		IdempotencyKey: opts.IdempotencyKey,
		ScheduledAt:    opts.ScheduledAt,
	}

	if err := s.repo.CreateJob(ctx, job); err != nil {
		// A duplicate key here means another enqueue won the race; reuse its job.
		var dupErr *repository.ErrDuplicateIdempotencyKey
		if errors.As(err, &dupErr) {
			existing, fetchErr := s.repo.GetJobByIdempotencyKey(ctx, dupErr.IdempotencyKey)
			if fetchErr != nil {
				return "", fmt.Errorf("failed to fetch existing job: %w", fetchErr)
			}
			if existing != nil {
				s.logger.Info("duplicate enqueue collapsed",
					"job_id", existing.ID, "idempotency_key", dupErr.IdempotencyKey)
				return existing.ID, nil
			}
		}
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	s.metrics.IncrementJobsEnqueued()
	s.publish(ctx, job, opts.EffectiveDelay(time.Now()))

	s.logger.Info("job enqueued",
		"job_id", job.ID, "type", job.Type, "queue", job.Queue, "tenant_id", job.TenantID)
	return job.ID, nil
}

// reuseExisting collapses an idempotent re-enqueue onto the job that
// already carries the key. A non-terminal-failed predecessor short-circuits
// to its ID; a FAILED or DEAD predecessor is reset to PENDING and
// re-published as a fresh logical attempt.
func (s *EnqueueService) reuseExisting(ctx context.Context, existing *models.Job, opts models.EnqueueOptions) (string, error) {
	if existing.Status != models.StatusFailed && existing.Status != models.StatusDead {
		s.logger.Info("duplicate enqueue collapsed",
			"job_id", existing.ID, "idempotency_key", opts.IdempotencyKey)
		return existing.ID, nil
	}

	if err := s.repo.RequeueJob(ctx, existing.ID); err != nil {
		return "", fmt.Errorf("failed to requeue job: %w", err)
	}
	existing.Status = models.StatusPending
	s.publish(ctx, existing, opts.EffectiveDelay(time.Now()))

	s.logger.Info("terminal job re-enqueued",
		"job_id", existing.ID, "idempotency_key", opts.IdempotencyKey)
	return existing.ID, nil
}

// publish is the best-effort half of the dual write. Failure is logged,
// never returned: the PENDING row is the durable fallback.
func (s *EnqueueService) publish(ctx context.Context, job *models.Job, delay time.Duration) {
	err := s.broker.Publish(ctx, broker.Message{
		JobID:    job.ID,
		Queue:    job.Queue,
		Type:     job.Type,
		Payload:  job.Payload,
		Priority: job.Priority,
		Delay:    delay,
	})
	if err != nil {
		s.logger.Error("broker publish failed, job saved as PENDING",
			"job_id", job.ID, "queue", job.Queue, "error", err)
	}
}

// GetJob retrieves a job by ID
func (s *EnqueueService) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.repo.GetJobByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobsByStatus retrieves jobs by status
func (s *EnqueueService) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	jobs, err := s.repo.ListJobsByStatus(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// CountByStatus returns job counts per lifecycle state
func (s *EnqueueService) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	return counts, nil
}
