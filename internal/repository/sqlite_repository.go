package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"opsbus/internal/event"
	"opsbus/internal/models"
)

// SQLiteRepository implements JobRepository and the event-log append using SQLite
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens the database and initializes the schema
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		queue TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'PENDING',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		priority INTEGER NOT NULL DEFAULT 0,
		tenant_id TEXT,
		user_id TEXT,
		idempotency_key TEXT UNIQUE,
		result TEXT,
		error TEXT,
		scheduled_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		failed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_status_started ON jobs(status, started_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_queue ON jobs(queue);
	CREATE INDEX IF NOT EXISTS idx_jobs_tenant_id ON jobs(tenant_id);

	CREATE TABLE IF NOT EXISTS domain_event_log (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		initiated_by TEXT,
		payload TEXT NOT NULL DEFAULT '{}',
		occurred_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_event_log_tenant ON domain_event_log(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_event_log_type ON domain_event_log(event_type);
	`

	_, err := r.db.Exec(schema)
	return err
}

// ErrDuplicateIdempotencyKey is returned when a job with the same idempotency key already exists
type ErrDuplicateIdempotencyKey struct {
	IdempotencyKey string
}

func (e *ErrDuplicateIdempotencyKey) Error() string {
	return fmt.Sprintf("job with idempotency_key %s already exists", e.IdempotencyKey)
}

const jobColumns = `id, type, queue, payload, status, attempts, max_attempts, priority,
	       tenant_id, user_id, idempotency_key, result, error,
	       scheduled_at, created_at, updated_at, started_at, completed_at, failed_at`

// CreateJob inserts a new job row
func (r *SQLiteRepository) CreateJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (id, type, queue, payload, status, attempts, max_attempts, priority,
		                  tenant_id, user_id, idempotency_key, scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage("{}")
	}

	// Convert empty string to NULL for idempotency_key:
	// SQLite allows multiple NULLs in a UNIQUE column but not multiple empty strings
	var idempotencyKey interface{}
	if job.IdempotencyKey != "" {
		idempotencyKey = job.IdempotencyKey
	}

	var scheduledAt interface{}
	if job.ScheduledAt != nil {
		scheduledAt = job.ScheduledAt.Unix()
	}

	_, err := r.db.ExecContext(ctx, query,
		job.ID,
		job.Type,
		job.Queue,
		string(job.Payload),
		job.Status,
		job.Attempts,
		job.MaxAttempts,
		job.Priority,
		nullableString(job.TenantID),
		nullableString(job.UserID),
		idempotencyKey,
		scheduledAt,
		job.CreatedAt.Unix(),
		job.UpdatedAt.Unix(),
	)

	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") && job.IdempotencyKey != "" {
			return &ErrDuplicateIdempotencyKey{IdempotencyKey: job.IdempotencyKey}
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJobByID retrieves a job by ID
func (r *SQLiteRepository) GetJobByID(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// GetJobByIdempotencyKey retrieves a job by its idempotency key, or nil
func (r *SQLiteRepository) GetJobByIdempotencyKey(ctx context.Context, key string) (*models.Job, error) {
	if key == "" {
		return nil, nil
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = ?`, key)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job by idempotency key: %w", err)
	}
	return job, nil
}

// ListJobsByStatus retrieves jobs with a specific status, oldest first
func (r *SQLiteRepository) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// StartJob transitions a job to PROCESSING and increments its attempt count
func (r *SQLiteRepository) StartJob(ctx context.Context, id string) (*models.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = attempts + 1, started_at = ?, updated_at = ?
		WHERE id = ?
	`, models.StatusProcessing, now.Unix(), now.Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to start job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, sql.ErrNoRows
	}

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to read started job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return job, nil
}

// CompleteJob marks a job COMPLETED and stores its result
func (r *SQLiteRepository) CompleteJob(ctx context.Context, id string, result json.RawMessage) error {
	now := time.Now()

	var resultVal interface{}
	if len(result) > 0 {
		resultVal = string(result)
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, result = ?, error = NULL, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, models.StatusCompleted, resultVal, now.Unix(), now.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// FailJob records a failed attempt, marking the job DEAD when dead is set
func (r *SQLiteRepository) FailJob(ctx context.Context, id string, errMsg string, dead bool) error {
	status := models.StatusFailed
	if dead {
		status = models.StatusDead
	}

	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, error = ?, failed_at = ?, updated_at = ?
		WHERE id = ?
	`, status, errMsg, now.Unix(), now.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	return nil
}

// RequeueJob resets a job to PENDING with zero attempts
func (r *SQLiteRepository) RequeueJob(ctx context.Context, id string) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = 0, error = NULL, result = NULL,
		    started_at = NULL, completed_at = NULL, failed_at = NULL,
		    created_at = ?, updated_at = ?
		WHERE id = ?
	`, models.StatusPending, now.Unix(), now.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return nil
}

// ListStalePending retrieves PENDING jobs created before cutoff
func (r *SQLiteRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?
	`, models.StatusPending, cutoff.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale pending jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListStaleProcessing retrieves PROCESSING jobs started before cutoff
func (r *SQLiteRepository) ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND started_at < ?
		ORDER BY started_at ASC
		LIMIT ?
	`, models.StatusProcessing, cutoff.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale processing jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListStaleFailed retrieves FAILED jobs with attempts remaining that
// failed before cutoff
func (r *SQLiteRepository) ListStaleFailed(ctx context.Context, cutoff time.Time, limit int) ([]*models.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND attempts < max_attempts AND failed_at < ?
		ORDER BY failed_at ASC
		LIMIT ?
	`, models.StatusFailed, cutoff.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale failed jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountByStatus returns job counts keyed by lifecycle state
func (r *SQLiteRepository) CountByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status models.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate counts: %w", err)
	}
	return counts, nil
}

// AppendEvent persists a dispatched domain event to the audit log
func (r *SQLiteRepository) AppendEvent(ctx context.Context, evt event.Event) error {
	payload := evt.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO domain_event_log (id, event_type, tenant_id, initiated_by, payload, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, evt.ID, string(evt.Type), evt.TenantID, nullableString(evt.InitiatedBy), string(payload), evt.OccurredAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

/* ── scan helpers ── */

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var payload string
	var tenantID, userID, idempotencyKey, result, errMsg sql.NullString
	var scheduledAt, startedAt, completedAt, failedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&job.ID,
		&job.Type,
		&job.Queue,
		&payload,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.Priority,
		&tenantID,
		&userID,
		&idempotencyKey,
		&result,
		&errMsg,
		&scheduledAt,
		&createdAt,
		&updatedAt,
		&startedAt,
		&completedAt,
		&failedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Payload = json.RawMessage(payload)
	job.TenantID = tenantID.String
	job.UserID = userID.String
	job.IdempotencyKey = idempotencyKey.String
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	job.Error = errMsg.String
	job.CreatedAt = time.Unix(createdAt, 0)
	job.UpdatedAt = time.Unix(updatedAt, 0)
	job.ScheduledAt = unixPtr(scheduledAt)
	job.StartedAt = unixPtr(startedAt)
	job.CompletedAt = unixPtr(completedAt)
	job.FailedAt = unixPtr(failedAt)

	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}
