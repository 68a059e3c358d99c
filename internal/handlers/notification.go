package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"opsbus/internal/event"
	"opsbus/internal/models"
	"opsbus/internal/processor"
)

// registerNotificationHandlers turns domain events into NOTIFICATION
// fan-out jobs. The handlers run async on the event-handlers queue and
// only ever enqueue; the notification worker does the channel fan-out and
// the delivery workers do the sending.
func registerNotificationHandlers(reg *event.Registry, deps Deps) error {
	err := reg.OnAsync(event.NotificationRequested, "notification:requested",
		event.Typed(func(ctx context.Context, evt event.Event, p event.NotificationRequestedPayload) error {
			return enqueueNotification(ctx, deps, evt, processor.NotificationJobPayload{
				TenantID:       evt.TenantID,
				RecipientName:  p.RecipientName,
				RecipientEmail: p.RecipientEmail,
				RecipientPhone: p.RecipientPhone,
				Subject:        p.Subject,
				Message:        p.Message,
			})
		}))
	if err != nil {
		return err
	}

	err = reg.OnAsync(event.InvoiceIssued, "notification:invoice-issued",
		event.Typed(func(ctx context.Context, evt event.Event, p event.InvoiceIssuedPayload) error {
			recipient, err := deps.Directory.Lookup(ctx, evt.TenantID, p.StudentID)
			if err != nil {
				return fmt.Errorf("lookup recipient for student %d: %w", p.StudentID, err)
			}
			if recipient == nil {
				deps.Logger.WarnContext(ctx, "no recipient for invoice notification",
					"tenant_id", evt.TenantID, "student_id", p.StudentID)
				return nil
			}
			return enqueueNotification(ctx, deps, evt, processor.NotificationJobPayload{
				TenantID:       evt.TenantID,
				RecipientName:  recipient.Name,
				RecipientEmail: recipient.Email,
				RecipientPhone: recipient.Phone,
				Subject:        fmt.Sprintf("Invoice %s issued", p.InvoiceNo),
				Message:        fmt.Sprintf("Invoice %s for %.2f is due on %s.", p.InvoiceNo, p.TotalAmount, p.DueDate),
			})
		}))
	if err != nil {
		return err
	}

	return reg.OnAsync(event.PaymentReconciled, "notification:payment-receipt",
		event.Typed(func(ctx context.Context, evt event.Event, p event.PaymentReconciledPayload) error {
			recipient, err := deps.Directory.Lookup(ctx, evt.TenantID, p.StudentID)
			if err != nil {
				return fmt.Errorf("lookup recipient for student %d: %w", p.StudentID, err)
			}
			if recipient == nil {
				deps.Logger.WarnContext(ctx, "no recipient for payment receipt",
					"tenant_id", evt.TenantID, "student_id", p.StudentID)
				return nil
			}
			return enqueueNotification(ctx, deps, evt, processor.NotificationJobPayload{
				TenantID:       evt.TenantID,
				RecipientName:  recipient.Name,
				RecipientEmail: recipient.Email,
				RecipientPhone: recipient.Phone,
				Subject:        "Payment received",
				Message:        fmt.Sprintf("Payment of %.2f was applied to invoice %s.", p.Amount, p.InvoiceID),
			})
		}))
}

// enqueueNotification hands a fan-out payload to the notification queue.
// The event ID keys the enqueue, so a retried handler never produces a
// second notification job.
func enqueueNotification(ctx context.Context, deps Deps, evt event.Event, payload processor.NotificationJobPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification payload: %w", err)
	}
	_, err = deps.Enqueuer.Enqueue(ctx, models.EnqueueOptions{
		Type:           "NOTIFICATION",
		Queue:          "notification",
		Payload:        body,
		TenantID:       evt.TenantID,
		IdempotencyKey: fmt.Sprintf("notify-%s", evt.ID),
	})
	if err != nil {
		return fmt.Errorf("enqueue notification job: %w", err)
	}
	return nil
}

// NoopDirectory is the directory used when no student contact store is
// wired up. Every lookup misses.
type NoopDirectory struct{}

func (NoopDirectory) Lookup(context.Context, string, int64) (*Recipient, error) {
	return nil, nil
}
