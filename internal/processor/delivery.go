package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"opsbus/internal/models"
	"opsbus/internal/service"
)

// DeliveryProcessor sends one delivery job through a channel gateway.
// The same processor serves the email, sms, and whatsapp queues; only the
// gateway differs.
func DeliveryProcessor(channel string, gateway Gateway) service.ProcessorFunc {
	return func(ctx context.Context, job *models.Job) (json.RawMessage, error) {
		var payload DeliveryJobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", channel, err)
		}
		if payload.To == "" {
			return nil, fmt.Errorf("%s job has no recipient", channel)
		}

		if err := gateway.Send(ctx, payload.To, payload.Subject, payload.Message); err != nil {
			return nil, fmt.Errorf("%s delivery failed to %s: %w", channel, payload.To, err)
		}

		return json.Marshal(map[string]string{"delivered_to": payload.To, "channel": channel})
	}
}

// LogGateway is the development gateway: it logs the message instead of
// delivering it.
type LogGateway struct {
	Channel string
	Logger  *slog.Logger
}

// Send logs the message as delivered.
func (g LogGateway) Send(ctx context.Context, to, subject, body string) error {
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("dev mode delivery", "channel", g.Channel, "to", to, "subject", subject)
	return nil
}
