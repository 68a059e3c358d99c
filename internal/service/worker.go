package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"opsbus/internal/broker"
	"opsbus/internal/metrics"
	"opsbus/internal/models"
	"opsbus/internal/repository"
)

const defaultFetchBlock = 2 * time.Second

// ProcessorFunc executes one job attempt and returns the job result.
// The job has already been transitioned to PROCESSING when it runs.
type ProcessorFunc func(ctx context.Context, job *models.Job) (json.RawMessage, error)

// PoolConfig configures a worker pool for one queue.
type PoolConfig struct {
	Queue       string
	Concurrency int

	// RatePerSec caps message throughput across the pool; zero disables
	// the limiter. Burst defaults to the ceiling of RatePerSec.
	RatePerSec float64
	Burst      int

	Policy broker.RetryPolicy

	// OnDead runs after a job exhausts its retries and is marked DEAD.
	// The worker binary uses it to emit the JobFailed event.
	OnDead func(ctx context.Context, job *models.Job, cause error)
}

// WorkerPool pulls broker messages for a single queue at bounded
// concurrency and drives each job through its lifecycle. The harness is
// identical for every queue; only the processor differs.
type WorkerPool struct {
	cfg     PoolConfig
	repo    repository.JobRepository
	broker  broker.Broker
	process ProcessorFunc
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewWorkerPool creates a worker pool for one queue
func NewWorkerPool(cfg PoolConfig, repo repository.JobRepository, b broker.Broker, process ProcessorFunc, m *metrics.Metrics, logger *slog.Logger) *WorkerPool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RatePerSec)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	return &WorkerPool{
		cfg:     cfg,
		repo:    repo,
		broker:  b,
		process: process,
		limiter: limiter,
		metrics: m,
		logger:  logger.With("queue", cfg.Queue),
	}
}

// Run processes messages until the context is cancelled.
func (p *WorkerPool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "concurrency", p.cfg.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runLoop(ctx)
		}()
	}
	wg.Wait()

	p.logger.Info("worker pool stopped")
	return ctx.Err()
}

func (p *WorkerPool) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
		}

		msg, err := p.broker.Fetch(ctx, p.cfg.Queue, defaultFetchBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("fetch failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}

		p.handle(ctx, msg)
	}
}

// handle drives one delivered message through the job lifecycle.
func (p *WorkerPool) handle(ctx context.Context, msg *broker.Message) {
	job, err := p.repo.GetJobByID(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			p.logger.Warn("no job row for broker message, dropping", "job_id", msg.JobID)
			return
		}
		p.logger.Error("job lookup failed", "job_id", msg.JobID, "error", err)
		return
	}

	// At-least-once delivery: a terminal job delivered again is a no-op.
	if job.Status.Terminal() {
		p.logger.Info("duplicate delivery of terminal job skipped",
			"job_id", job.ID, "status", job.Status)
		return
	}

	started, err := p.repo.StartJob(ctx, job.ID)
	if err != nil {
		// The row stays PENDING or FAILED; a later delivery or sweep retries it.
		p.logger.Error("failed to mark job processing", "job_id", job.ID, "error", err)
		return
	}

	result, procErr := p.process(ctx, started)
	if procErr == nil {
		if err := p.repo.CompleteJob(ctx, started.ID, result); err != nil {
			p.logger.Error("failed to mark job completed", "job_id", started.ID, "error", err)
			return
		}
		p.metrics.IncrementJobsCompleted()
		p.logger.Info("job completed", "job_id", started.ID, "type", started.Type, "attempt", started.Attempts)
		return
	}

	p.fail(ctx, started, procErr)
}

func (p *WorkerPool) fail(ctx context.Context, job *models.Job, procErr error) {
	dead := job.Attempts >= job.MaxAttempts

	if err := p.repo.FailJob(ctx, job.ID, procErr.Error(), dead); err != nil {
		p.logger.Error("failed to mark job failed", "job_id", job.ID, "error", err)
		return
	}

	if dead {
		p.metrics.IncrementJobsDead()
		p.logger.Error("job dead, retries exhausted",
			"job_id", job.ID, "type", job.Type,
			"attempts", job.Attempts, "max_attempts", job.MaxAttempts, "error", procErr)
		if p.cfg.OnDead != nil {
			p.cfg.OnDead(ctx, job, procErr)
		}
		return
	}

	p.metrics.IncrementJobsFailed()
	p.metrics.IncrementJobsRetried()

	delay := p.cfg.Policy.NextDelay(job.Attempts)
	err := p.broker.Publish(ctx, broker.Message{
		JobID:    job.ID,
		Queue:    job.Queue,
		Type:     job.Type,
		Payload:  job.Payload,
		Priority: job.Priority,
		Delay:    delay,
	})
	if err != nil {
		p.logger.Error("retry publish failed", "job_id", job.ID, "error", err)
	}

	p.logger.Warn("job failed, retry scheduled",
		"job_id", job.ID, "type", job.Type,
		"attempt", job.Attempts, "max_attempts", job.MaxAttempts,
		"retry_in", delay, "error", procErr)
}
