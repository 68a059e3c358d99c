package repository

import (
	"context"
	"encoding/json"
	"time"

	"opsbus/internal/models"
)

// JobRepository defines the interface for durable job persistence. The
// store it fronts is the source of truth for job state; broker state is
// never authoritative.
type JobRepository interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJobByID(ctx context.Context, id string) (*models.Job, error)

	// GetJobByIdempotencyKey returns (nil, nil) when no job carries the key.
	GetJobByIdempotencyKey(ctx context.Context, key string) (*models.Job, error)

	ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)

	// StartJob transitions a job to PROCESSING, increments attempts, and
	// records startedAt, returning the updated row.
	StartJob(ctx context.Context, id string) (*models.Job, error)

	CompleteJob(ctx context.Context, id string, result json.RawMessage) error

	// FailJob records a failed attempt; dead marks the job DEAD instead of
	// FAILED once attempts are exhausted.
	FailJob(ctx context.Context, id string, errMsg string, dead bool) error

	// RequeueJob resets a FAILED or DEAD job back to PENDING with zero
	// attempts, for idempotent re-enqueue of a terminal-failed unit of work.
	RequeueJob(ctx context.Context, id string) error

	// ListStalePending returns PENDING jobs created before cutoff: rows
	// whose broker message is presumed lost.
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error)

	// ListStaleProcessing returns PROCESSING jobs started before cutoff:
	// rows whose worker is presumed crashed.
	ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error)

	// ListStaleFailed returns FAILED jobs with attempts remaining that
	// failed before cutoff: rows whose retry message never made it to
	// the broker.
	ListStaleFailed(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error)

	CountByStatus(ctx context.Context) (map[models.JobStatus]int, error)
}
