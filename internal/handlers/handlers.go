// Package handlers wires the standing domain event handlers onto the
// registry. Registration happens once at process start, in both the API
// and worker binaries, so queued handler names always resolve.
package handlers

import (
	"context"
	"log/slog"

	"opsbus/internal/event"
	"opsbus/internal/models"
)

// Enqueuer is the durable enqueue the notification handlers hand jobs to.
type Enqueuer interface {
	Enqueue(ctx context.Context, opts models.EnqueueOptions) (string, error)
}

// Recipient is the contact surface for one notification target.
type Recipient struct {
	Name  string
	Email string
	Phone string
}

// RecipientDirectory resolves who a student-scoped notification goes to.
// The relational schema behind it is outside this module.
type RecipientDirectory interface {
	Lookup(ctx context.Context, tenantID string, studentID int64) (*Recipient, error)
}

// AuditWriter records audit entries for state-changing events.
type AuditWriter interface {
	WriteAudit(ctx context.Context, entry AuditEntry) error
}

// AuditEntry is one audit trail row.
type AuditEntry struct {
	TenantID    string
	EventID     string
	EventType   event.Type
	InitiatedBy string
	Summary     string
}

// AnalyticsRecorder accumulates per-tenant event counts.
type AnalyticsRecorder interface {
	RecordEvent(ctx context.Context, tenantID string, eventType event.Type) error
}

// Deps carries everything the standing handlers need.
type Deps struct {
	Audit     AuditWriter
	Analytics AnalyticsRecorder
	Directory RecipientDirectory
	Enqueuer  Enqueuer
	Logger    *slog.Logger
}

// RegisterAll registers every standing handler. Call before
// Registry.Initialize.
func RegisterAll(reg *event.Registry, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if err := registerAuditHandlers(reg, deps); err != nil {
		return err
	}
	if err := registerAnalyticsHandlers(reg, deps); err != nil {
		return err
	}
	if err := registerNotificationHandlers(reg, deps); err != nil {
		return err
	}
	return nil
}
