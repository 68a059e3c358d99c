package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"opsbus/internal/metrics"
	"opsbus/internal/models"
)

// HandlerQueue carries the generic async-handler jobs produced by the bus.
const HandlerQueue = "event-handlers"

// jobTypePrefix namespaces bus-produced job types, e.g. EVENT_StudentEnrolled.
const jobTypePrefix = "EVENT_"

// JobType returns the job type string for an event type.
func JobType(t Type) string { return jobTypePrefix + string(t) }

// Enqueuer is the dual-write enqueue the bus hands async handlers to.
type Enqueuer interface {
	Enqueue(ctx context.Context, opts models.EnqueueOptions) (string, error)
}

// Log persists dispatched events as the audit trail. Append failures must be
// tolerable: the bus logs and moves on.
type Log interface {
	AppendEvent(ctx context.Context, evt Event) error
}

// DispatchResult reports what a single emit did. Emit never fails; callers
// that care about downstream durability inspect Errors.
type DispatchResult struct {
	EventID             string   `json:"event_id"`
	SyncHandlersRun     int      `json:"sync_handlers_run"`
	AsyncHandlersQueued int      `json:"async_handlers_queued"`
	Errors              []string `json:"errors"`
}

// HandlerEnvelope is the broker message body for a queued async handler.
// It carries the full event so the worker never re-reads the event log.
type HandlerEnvelope struct {
	EventID      string          `json:"event_id"`
	EventType    Type            `json:"event_type"`
	HandlerName  string          `json:"handler_name"`
	TenantID     string          `json:"tenant_id"`
	InitiatedBy  string          `json:"initiated_by,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
	EventPayload json.RawMessage `json:"event_payload"`
}

// Event reconstructs the dispatched event from the envelope.
func (e HandlerEnvelope) Event() Event {
	return Event{
		ID:          e.EventID,
		Type:        e.EventType,
		OccurredAt:  e.OccurredAt,
		TenantID:    e.TenantID,
		InitiatedBy: e.InitiatedBy,
		Payload:     e.EventPayload,
	}
}

// Bus dispatches domain events: sync handlers inline, async handlers through
// the durable job queue. It runs in the caller's goroutine; the only
// concurrency it introduces is the best-effort event-log append.
type Bus struct {
	registry *Registry
	log      Log
	enqueuer Enqueuer
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewBus creates an event bus over a frozen (or about-to-be-frozen) registry.
func NewBus(registry *Registry, log Log, enqueuer Enqueuer, m *metrics.Metrics, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &Bus{
		registry: registry,
		log:      log,
		enqueuer: enqueuer,
		metrics:  m,
		logger:   logger,
	}
}

// EmitOption customizes event construction.
type EmitOption func(*Event)

// WithActor records the user that initiated the event.
func WithActor(userID string) EmitOption {
	return func(e *Event) { e.InitiatedBy = userID }
}

// Emit builds, persists, and dispatches an event. It never returns an error:
// the triggering business operation must not fail because a downstream
// audit, notification, or analytics step did. A failure to serialize the
// payload is the one case where nothing can be dispatched; it is reported
// through DispatchResult.Errors like everything else.
func (b *Bus) Emit(ctx context.Context, tenantID string, payload Payload, opts ...EmitOption) DispatchResult {
	evt := Event{
		ID:         uuid.New().String(),
		Type:       payload.EventType(),
		OccurredAt: time.Now().UTC(),
		TenantID:   tenantID,
	}
	for _, opt := range opts {
		opt(&evt)
	}

	result := DispatchResult{EventID: evt.ID, Errors: []string{}}

	raw, err := json.Marshal(payload)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("[emit:%s] encode payload: %v", evt.Type, err))
		b.logger.Error("event payload not serializable", "event_type", evt.Type, "error", err)
		return result
	}
	evt.Payload = raw

	b.metrics.IncrementEventsEmitted()
	b.persistEvent(ctx, evt)

	for _, reg := range b.registry.Match(evt.Type) {
		if !reg.Async {
			if err := reg.Handler(ctx, evt); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("[sync:%s] %v", reg.Name, err))
				b.metrics.AddSyncHandlerErrors(1)
				b.logger.Error("sync handler failed",
					"handler", reg.Name, "event_type", evt.Type, "event_id", evt.ID, "error", err)
				continue
			}
			result.SyncHandlersRun++
		}
	}

	for _, reg := range b.registry.Match(evt.Type) {
		if reg.Async {
			if err := b.enqueueHandler(ctx, evt, reg); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("[async:%s] %v", reg.Name, err))
				b.logger.Error("async handler enqueue failed",
					"handler", reg.Name, "event_type", evt.Type, "event_id", evt.ID, "error", err)
				continue
			}
			result.AsyncHandlersQueued++
		}
	}

	return result
}

// persistEvent appends the event to the log off the caller's path, with one
// retry. The event log is an audit trail: losing a row is logged, never
// propagated to the emitter.
func (b *Bus) persistEvent(ctx context.Context, evt Event) {
	if b.log == nil {
		return
	}
	// The request context may be cancelled the moment emit returns.
	bg := context.WithoutCancel(ctx)
	go func() {
		err := b.log.AppendEvent(bg, evt)
		if err != nil {
			time.Sleep(100 * time.Millisecond)
			err = b.log.AppendEvent(bg, evt)
		}
		if err != nil {
			b.logger.Error("event log append failed",
				"event_id", evt.ID, "event_type", evt.Type, "error", err)
		}
	}()
}

func (b *Bus) enqueueHandler(ctx context.Context, evt Event, reg Registration) error {
	envelope, err := json.Marshal(HandlerEnvelope{
		EventID:      evt.ID,
		EventType:    evt.Type,
		HandlerName:  reg.Name,
		TenantID:     evt.TenantID,
		InitiatedBy:  evt.InitiatedBy,
		OccurredAt:   evt.OccurredAt,
		EventPayload: evt.Payload,
	})
	if err != nil {
		return fmt.Errorf("encode handler envelope: %w", err)
	}

	_, err = b.enqueuer.Enqueue(ctx, models.EnqueueOptions{
		Type:           JobType(evt.Type),
		Queue:          HandlerQueue,
		Payload:        envelope,
		TenantID:       evt.TenantID,
		UserID:         evt.InitiatedBy,
		IdempotencyKey: fmt.Sprintf("evt-%s-%s", evt.ID, reg.Name),
	})
	return err
}
