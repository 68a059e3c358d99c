package models

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
	StatusDead       JobStatus = "DEAD"
)

// Terminal reports whether no further automatic transition applies.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDead
}

// Valid reports whether s is a known lifecycle state.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDead:
		return true
	}
	return false
}

// Job is the durable unit of queued work. The row in the record store is
// the source of truth; the broker message carrying its ID is disposable.
type Job struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Queue          string          `json:"queue"`
	Payload        json.RawMessage `json:"payload"`
	Status         JobStatus       `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	Priority       int             `json:"priority"`
	TenantID       string          `json:"tenant_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"`
}

// EnqueueOptions describes a request to create a job
type EnqueueOptions struct {
	Type           string          `json:"type"`
	Queue          string          `json:"queue"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority,omitempty"`
	Delay          time.Duration   `json:"delay,omitempty"`
	ScheduledAt    *time.Time      `json:"scheduled_at,omitempty"`
	TenantID       string          `json:"tenant_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
}

// EffectiveDelay resolves Delay vs ScheduledAt into a single deferral.
func (o EnqueueOptions) EffectiveDelay(now time.Time) time.Duration {
	if o.Delay > 0 {
		return o.Delay
	}
	if o.ScheduledAt != nil {
		if d := o.ScheduledAt.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
