package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"opsbus/internal/event"
)

// registerAuditHandlers attaches a synchronous audit handler to every
// state-changing event. Audit runs inline with the emitter so the trail
// entry exists before the emitting request returns; a write failure is
// surfaced in the dispatch result but never blocks the other handlers.
func registerAuditHandlers(reg *event.Registry, deps Deps) error {
	audited := []event.Type{
		event.PaymentReconciled,
		event.PaymentReversed,
		event.InvoiceIssued,
		event.StudentEnrolled,
		event.StudentPromoted,
		event.StudentWithdrawn,
	}

	for _, eventType := range audited {
		name := "audit:" + string(eventType)
		err := reg.OnSync(eventType, name, func(ctx context.Context, evt event.Event) error {
			entry := AuditEntry{
				TenantID:    evt.TenantID,
				EventID:     evt.ID,
				EventType:   evt.Type,
				InitiatedBy: evt.InitiatedBy,
				Summary:     summarize(evt),
			}
			if err := deps.Audit.WriteAudit(ctx, entry); err != nil {
				return fmt.Errorf("write audit entry for %s: %w", evt.Type, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// summarize renders a one-line human summary of the event for the audit
// trail. Unknown or undecodable payloads fall back to the bare type name.
func summarize(evt event.Event) string {
	switch evt.Type {
	case event.PaymentReconciled:
		var p event.PaymentReconciledPayload
		if json.Unmarshal(evt.Payload, &p) == nil {
			return fmt.Sprintf("payment %s reconciled against invoice %s for %.2f", p.PaymentRecordID, p.InvoiceID, p.Amount)
		}
	case event.PaymentReversed:
		var p event.PaymentReversedPayload
		if json.Unmarshal(evt.Payload, &p) == nil {
			return fmt.Sprintf("payment %s reversed (%s)", p.PaymentRecordID, p.Reason)
		}
	case event.InvoiceIssued:
		var p event.InvoiceIssuedPayload
		if json.Unmarshal(evt.Payload, &p) == nil {
			return fmt.Sprintf("invoice %s issued to student %d for %.2f", p.InvoiceNo, p.StudentID, p.TotalAmount)
		}
	case event.StudentEnrolled:
		var p event.StudentEnrolledPayload
		if json.Unmarshal(evt.Payload, &p) == nil {
			return fmt.Sprintf("student %d enrolled in class %s", p.StudentID, p.ClassID)
		}
	case event.StudentPromoted:
		var p event.StudentPromotedPayload
		if json.Unmarshal(evt.Payload, &p) == nil {
			return fmt.Sprintf("student %d %s to class %s", p.StudentID, p.Action, p.ToClassID)
		}
	case event.StudentWithdrawn:
		var p event.StudentWithdrawnPayload
		if json.Unmarshal(evt.Payload, &p) == nil {
			return fmt.Sprintf("student %d withdrawn from enrollment %s", p.StudentID, p.EnrollmentID)
		}
	}
	return string(evt.Type)
}

// SlogAuditWriter writes audit entries to the structured log. It stands in
// where no relational audit table is wired up.
type SlogAuditWriter struct {
	Logger *slog.Logger
}

func (w *SlogAuditWriter) WriteAudit(ctx context.Context, entry AuditEntry) error {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "audit",
		"tenant_id", entry.TenantID,
		"event_id", entry.EventID,
		"event_type", entry.EventType,
		"initiated_by", entry.InitiatedBy,
		"summary", entry.Summary)
	return nil
}
