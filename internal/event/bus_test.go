package event

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsbus/internal/models"
)

type mockEnqueuer struct {
	mu       sync.Mutex
	enqueued []models.EnqueueOptions
	err      error
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, opts models.EnqueueOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.enqueued = append(m.enqueued, opts)
	return "job-" + opts.IdempotencyKey, nil
}

type mockEventLog struct {
	mu       sync.Mutex
	appended []Event
	failures int
	done     chan struct{}
}

func newMockEventLog() *mockEventLog {
	return &mockEventLog{done: make(chan struct{}, 4)}
}

func (m *mockEventLog) AppendEvent(ctx context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		m.done <- struct{}{}
		return errors.New("log unavailable")
	}
	m.appended = append(m.appended, evt)
	m.done <- struct{}{}
	return nil
}

func (m *mockEventLog) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appended)
}

func waitForAppends(t *testing.T, log *mockEventLog, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-log.done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event log append")
		}
	}
}

func TestBus_Emit_SyncAndAsync(t *testing.T) {
	reg := NewRegistry(nil)
	syncRan := false
	require.NoError(t, reg.OnSync(StudentEnrolled, "audit:enrollment", func(ctx context.Context, evt Event) error {
		syncRan = true
		return nil
	}))
	require.NoError(t, reg.OnAsync(StudentEnrolled, "analytics:enrollment", noop))
	reg.Initialize()

	enq := &mockEnqueuer{}
	log := newMockEventLog()
	bus := NewBus(reg, log, enq, nil, nil)

	result := bus.Emit(context.Background(), "tenant-1", StudentEnrolledPayload{
		EnrollmentID: "enr-1",
		StudentID:    42,
		ClassID:      "cls-9",
	})

	assert.True(t, syncRan)
	assert.Equal(t, 1, result.SyncHandlersRun)
	assert.Equal(t, 1, result.AsyncHandlersQueued)
	assert.Empty(t, result.Errors)
	assert.NotEmpty(t, result.EventID)

	require.Len(t, enq.enqueued, 1)
	queued := enq.enqueued[0]
	assert.Equal(t, "EVENT_StudentEnrolled", queued.Type)
	assert.Equal(t, HandlerQueue, queued.Queue)
	assert.Equal(t, "evt-"+result.EventID+"-analytics:enrollment", queued.IdempotencyKey)
	assert.Equal(t, "tenant-1", queued.TenantID)

	var envelope HandlerEnvelope
	require.NoError(t, json.Unmarshal(queued.Payload, &envelope))
	assert.Equal(t, result.EventID, envelope.EventID)
	assert.Equal(t, "analytics:enrollment", envelope.HandlerName)

	waitForAppends(t, log, 1)
	assert.Equal(t, 1, log.count())
}

func TestBus_Emit_AsyncHandlerNotRunInline(t *testing.T) {
	reg := NewRegistry(nil)
	invoked := false
	require.NoError(t, reg.OnAsync(ReminderSent, "analytics:reminder", func(ctx context.Context, evt Event) error {
		invoked = true
		return nil
	}))
	reg.Initialize()

	enq := &mockEnqueuer{}
	log := newMockEventLog()
	bus := NewBus(reg, log, enq, nil, nil)

	result := bus.Emit(context.Background(), "tenant-1", ReminderSentPayload{
		StudentID: 42,
		Channel:   "SMS",
	})
	require.Empty(t, result.Errors)
	assert.Equal(t, 1, result.AsyncHandlersQueued)

	// Emit only queues the job; the handler body must not have run yet.
	assert.False(t, invoked, "async handler ran inline")
	require.Len(t, enq.enqueued, 1)

	// It runs when a worker dispatches the queued envelope.
	var envelope HandlerEnvelope
	require.NoError(t, json.Unmarshal(enq.enqueued[0].Payload, &envelope))
	registration, ok := reg.Resolve(envelope.HandlerName)
	require.True(t, ok)
	require.NoError(t, registration.Handler(context.Background(), envelope.Event()))
	assert.True(t, invoked)

	waitForAppends(t, log, 1)
}

func TestBus_Emit_SyncFailureIsolated(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.OnSync(StudentEnrolled, "audit:enrollment", func(ctx context.Context, evt Event) error {
		return errors.New("audit store down")
	}))
	secondRan := false
	require.NoError(t, reg.OnSync(StudentEnrolled, "second:sync", func(ctx context.Context, evt Event) error {
		secondRan = true
		return nil
	}))
	require.NoError(t, reg.OnAsync(StudentEnrolled, "analytics:enrollment", noop))
	reg.Initialize()

	enq := &mockEnqueuer{}
	bus := NewBus(reg, nil, enq, nil, nil)

	result := bus.Emit(context.Background(), "tenant-1", StudentEnrolledPayload{StudentID: 1})

	assert.True(t, secondRan, "a failing sync handler must not stop the others")
	assert.Equal(t, 1, result.SyncHandlersRun)
	assert.Equal(t, 1, result.AsyncHandlersQueued)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "audit:enrollment")
}

func TestBus_Emit_AsyncEnqueueFailureReported(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.OnAsync(StudentEnrolled, "analytics:enrollment", noop))
	reg.Initialize()

	enq := &mockEnqueuer{err: errors.New("db down")}
	bus := NewBus(reg, nil, enq, nil, nil)

	result := bus.Emit(context.Background(), "tenant-1", StudentEnrolledPayload{StudentID: 1})

	assert.Equal(t, 0, result.AsyncHandlersQueued)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "analytics:enrollment")
}

func TestBus_Emit_NoHandlersStillLogged(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Initialize()

	log := newMockEventLog()
	bus := NewBus(reg, log, &mockEnqueuer{}, nil, nil)

	result := bus.Emit(context.Background(), "tenant-1", ReminderSentPayload{StudentID: 7, Channel: "sms"})

	assert.Equal(t, 0, result.SyncHandlersRun)
	assert.Equal(t, 0, result.AsyncHandlersQueued)
	assert.Empty(t, result.Errors)

	waitForAppends(t, log, 1)
	assert.Equal(t, 1, log.count())
}

func TestBus_Emit_LogAppendRetries(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Initialize()

	log := newMockEventLog()
	log.failures = 1
	bus := NewBus(reg, log, &mockEnqueuer{}, nil, nil)

	bus.Emit(context.Background(), "tenant-1", ReminderSentPayload{StudentID: 7, Channel: "sms"})

	waitForAppends(t, log, 2)
	assert.Equal(t, 1, log.count(), "append should succeed on the retry")
}

func TestBus_Emit_WithActor(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.OnAsync(StudentEnrolled, "analytics:enrollment", noop))
	reg.Initialize()

	enq := &mockEnqueuer{}
	bus := NewBus(reg, nil, enq, nil, nil)

	bus.Emit(context.Background(), "tenant-1", StudentEnrolledPayload{StudentID: 1}, WithActor("user-9"))

	require.Len(t, enq.enqueued, 1)
	assert.Equal(t, "user-9", enq.enqueued[0].UserID)

	var envelope HandlerEnvelope
	require.NoError(t, json.Unmarshal(enq.enqueued[0].Payload, &envelope))
	assert.Equal(t, "user-9", envelope.InitiatedBy)
}

func TestHandlerEnvelope_EventRoundTrip(t *testing.T) {
	occurred := time.Now().UTC().Truncate(time.Second)
	envelope := HandlerEnvelope{
		EventID:      "evt-1",
		EventType:    PaymentReconciled,
		HandlerName:  "analytics:payment",
		TenantID:     "tenant-1",
		InitiatedBy:  "user-2",
		OccurredAt:   occurred,
		EventPayload: []byte(`{"invoice_id":"inv-1"}`),
	}

	evt := envelope.Event()
	assert.Equal(t, "evt-1", evt.ID)
	assert.Equal(t, PaymentReconciled, evt.Type)
	assert.Equal(t, "tenant-1", evt.TenantID)
	assert.Equal(t, occurred, evt.OccurredAt)
	assert.JSONEq(t, `{"invoice_id":"inv-1"}`, string(evt.Payload))
}
