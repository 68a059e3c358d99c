package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"opsbus/internal/broker"
	"opsbus/internal/metrics"
	"opsbus/internal/models"
	"opsbus/internal/repository"
)

const (
	recoveryPendingBatch = 100
	recoveryStaleBatch   = 50
)

// SweepResult reports what one recovery pass did.
type SweepResult struct {
	Requeued    int `json:"requeued"`
	MarkedStale int `json:"marked_stale"`
}

// RecoverySweep reconciles the durable record store against the broker.
// It is what makes the dual write durable: a PENDING row whose broker
// message was lost gets re-published, and a PROCESSING row whose worker
// died gets failed back into the retry path.
type RecoverySweep struct {
	repo           repository.JobRepository
	broker         broker.Broker
	pendingGrace   time.Duration
	staleThreshold time.Duration
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// NewRecoverySweep creates a recovery sweep
func NewRecoverySweep(repo repository.JobRepository, b broker.Broker, pendingGrace, staleThreshold time.Duration, m *metrics.Metrics, logger *slog.Logger) *RecoverySweep {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoverySweep{
		repo:           repo,
		broker:         b,
		pendingGrace:   pendingGrace,
		staleThreshold: staleThreshold,
		metrics:        m,
		logger:         logger,
	}
}

// Run executes one sweep pass.
func (s *RecoverySweep) Run(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := time.Now()

	pending, err := s.repo.ListStalePending(ctx, now.Add(-s.pendingGrace), recoveryPendingBatch)
	if err != nil {
		return result, fmt.Errorf("failed to list stale pending jobs: %w", err)
	}

	for _, job := range pending {
		// Re-publish preserving the job ID as the dedup key: if the
		// original message is merely slow rather than lost, the broker
		// drops this duplicate.
		var delay time.Duration
		if job.ScheduledAt != nil {
			if d := job.ScheduledAt.Sub(now); d > 0 {
				delay = d
			}
		}
		err := s.broker.Publish(ctx, broker.Message{
			JobID:    job.ID,
			Queue:    job.Queue,
			Type:     job.Type,
			Payload:  job.Payload,
			Priority: job.Priority,
			Delay:    delay,
		})
		if err != nil {
			s.logger.Error("recovery re-publish failed", "job_id", job.ID, "queue", job.Queue, "error", err)
			continue
		}
		result.Requeued++
		s.logger.Info("pending job re-published", "job_id", job.ID, "queue", job.Queue)
	}

	stale, err := s.repo.ListStaleProcessing(ctx, now.Add(-s.staleThreshold), recoveryStaleBatch)
	if err != nil {
		return result, fmt.Errorf("failed to list stale processing jobs: %w", err)
	}

	for _, job := range stale {
		dead := job.Attempts >= job.MaxAttempts
		msg := fmt.Sprintf("marked stale by recovery sweep: exceeded %s processing time", s.staleThreshold)
		if err := s.repo.FailJob(ctx, job.ID, msg, dead); err != nil {
			s.logger.Error("failed to mark stale job", "job_id", job.ID, "error", err)
			continue
		}
		result.MarkedStale++

		if dead {
			s.logger.Error("stale job dead, retries exhausted",
				"job_id", job.ID, "attempts", job.Attempts, "max_attempts", job.MaxAttempts)
			continue
		}

		// Put the job back on the retry path; its consumed message will
		// never be redelivered on its own.
		err := s.broker.Publish(ctx, broker.Message{
			JobID:    job.ID,
			Queue:    job.Queue,
			Type:     job.Type,
			Payload:  job.Payload,
			Priority: job.Priority,
		})
		if err != nil {
			s.logger.Error("stale retry publish failed", "job_id", job.ID, "error", err)
			continue
		}
		s.logger.Warn("stale job failed and re-published",
			"job_id", job.ID, "attempts", job.Attempts)
	}

	failed, err := s.repo.ListStaleFailed(ctx, now.Add(-s.pendingGrace), recoveryStaleBatch)
	if err != nil {
		return result, fmt.Errorf("failed to list stale failed jobs: %w", err)
	}

	for _, job := range failed {
		// A FAILED row with attempts remaining should have a retry
		// message in flight. Past the grace window that message is
		// presumed lost (the retry publish failed), so re-publish it;
		// the dedup marker makes this a no-op when the retry is merely
		// delayed.
		err := s.broker.Publish(ctx, broker.Message{
			JobID:    job.ID,
			Queue:    job.Queue,
			Type:     job.Type,
			Payload:  job.Payload,
			Priority: job.Priority,
		})
		if err != nil {
			s.logger.Error("failed retry re-publish failed", "job_id", job.ID, "queue", job.Queue, "error", err)
			continue
		}
		result.Requeued++
		s.logger.Warn("failed job retry re-published",
			"job_id", job.ID, "queue", job.Queue, "attempts", job.Attempts)
	}

	s.metrics.AddJobsRequeued(result.Requeued)
	s.metrics.AddJobsMarkedStale(result.MarkedStale)

	if result.Requeued > 0 || result.MarkedStale > 0 {
		s.logger.Info("recovery sweep finished",
			"requeued", result.Requeued, "marked_stale", result.MarkedStale)
	}
	return result, nil
}

// EnqueueSweepJob queues the periodic RECOVERY_SWEEP system job. The
// idempotency key is bucketed by interval so overlapping schedulers
// collapse onto one job per window.
func EnqueueSweepJob(ctx context.Context, enq *EnqueueService, interval time.Duration) (string, error) {
	bucket := time.Now().Truncate(interval).Unix()
	return enq.Enqueue(ctx, models.EnqueueOptions{
		Type:           "RECOVERY_SWEEP",
		Queue:          "system",
		Payload:        []byte("{}"),
		IdempotencyKey: fmt.Sprintf("recovery-sweep:%d", bucket),
	})
}
