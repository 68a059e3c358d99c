package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"opsbus/internal/event"
	"opsbus/internal/models"
	"opsbus/internal/service"
)

// EventHandlerProcessor executes queued async event handlers. The message
// carries a handler name and the full event; the function is resolved from
// the registry at dequeue time. An unknown name fails the attempt like any
// other handler error.
func EventHandlerProcessor(registry *event.Registry) service.ProcessorFunc {
	return func(ctx context.Context, job *models.Job) (json.RawMessage, error) {
		var envelope event.HandlerEnvelope
		if err := json.Unmarshal(job.Payload, &envelope); err != nil {
			return nil, fmt.Errorf("decode handler envelope: %w", err)
		}

		reg, ok := registry.Resolve(envelope.HandlerName)
		if !ok {
			return nil, fmt.Errorf("handler %q not found in registry", envelope.HandlerName)
		}

		if err := reg.Handler(ctx, envelope.Event()); err != nil {
			return nil, err
		}

		return json.Marshal(map[string]string{
			"event_id":     envelope.EventID,
			"handler_name": envelope.HandlerName,
		})
	}
}
