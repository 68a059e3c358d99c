package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"opsbus/internal/models"
	"opsbus/internal/service"
)

// NotificationJobPayload is the body of a NOTIFICATION fan-out job.
type NotificationJobPayload struct {
	TenantID       string `json:"tenant_id,omitempty"`
	RecipientName  string `json:"recipient_name"`
	RecipientEmail string `json:"recipient_email,omitempty"`
	RecipientPhone string `json:"recipient_phone,omitempty"`
	Subject        string `json:"subject"`
	Message        string `json:"message"`
}

// DeliveryJobPayload is the body of an EMAIL, SMS, or WHATSAPP child job.
type DeliveryJobPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
	Message string `json:"message"`
}

// FanOutResult is the completed notification job's result.
type FanOutResult struct {
	ChildJobs []string `json:"child_jobs"`
}

// NotificationProcessor fans a notification out into one delivery child
// job per reachable channel. The parent completes once the children are
// durably enqueued; each child retries on its own.
func NotificationProcessor(enq Enqueuer) service.ProcessorFunc {
	return func(ctx context.Context, job *models.Job) (json.RawMessage, error) {
		var payload NotificationJobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode notification payload: %w", err)
		}

		result := FanOutResult{ChildJobs: []string{}}

		spawn := func(jobType, queue string, delivery DeliveryJobPayload) error {
			body, err := json.Marshal(delivery)
			if err != nil {
				return fmt.Errorf("encode %s payload: %w", jobType, err)
			}
			childID, err := enq.Enqueue(ctx, models.EnqueueOptions{
				Type:     jobType,
				Queue:    queue,
				Payload:  body,
				TenantID: payload.TenantID,
				// Children of a retried parent must not double-deliver.
				IdempotencyKey: fmt.Sprintf("notif-%s-%s", job.ID, queue),
			})
			if err != nil {
				return err
			}
			result.ChildJobs = append(result.ChildJobs, childID)
			return nil
		}

		if payload.RecipientEmail != "" {
			err := spawn("EMAIL", "email", DeliveryJobPayload{
				To:      payload.RecipientEmail,
				Subject: payload.Subject,
				Message: payload.Message,
			})
			if err != nil {
				return nil, err
			}
		}

		if payload.RecipientPhone != "" {
			err := spawn("SMS", "sms", DeliveryJobPayload{
				To:      payload.RecipientPhone,
				Message: payload.Message,
			})
			if err != nil {
				return nil, err
			}
			err = spawn("WHATSAPP", "whatsapp", DeliveryJobPayload{
				To:      payload.RecipientPhone,
				Message: payload.Message,
			})
			if err != nil {
				return nil, err
			}
		}

		return json.Marshal(result)
	}
}
