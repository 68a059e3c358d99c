package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsbus/internal/event"
	"opsbus/internal/models"
	"opsbus/internal/processor"
)

type recordingAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (a *recordingAudit) WriteAudit(ctx context.Context, entry AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, entry)
	return nil
}

type recordingEnqueuer struct {
	mu       sync.Mutex
	enqueued []models.EnqueueOptions
}

func (e *recordingEnqueuer) Enqueue(ctx context.Context, opts models.EnqueueOptions) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enqueued = append(e.enqueued, opts)
	return "job-1", nil
}

type staticDirectory struct {
	recipient *Recipient
	err       error
}

func (d staticDirectory) Lookup(ctx context.Context, tenantID string, studentID int64) (*Recipient, error) {
	return d.recipient, d.err
}

func newTestDeps() (Deps, *recordingAudit, *MemoryAnalytics, *recordingEnqueuer) {
	audit := &recordingAudit{}
	analytics := NewMemoryAnalytics()
	enq := &recordingEnqueuer{}
	deps := Deps{
		Audit:     audit,
		Analytics: analytics,
		Directory: staticDirectory{recipient: &Recipient{Name: "Ada", Email: "ada@example.com", Phone: "+49155000"}},
		Enqueuer:  enq,
	}
	return deps, audit, analytics, enq
}

func registeredBus(t *testing.T, deps Deps) (*event.Bus, *event.Registry) {
	t.Helper()
	reg := event.NewRegistry(nil)
	require.NoError(t, RegisterAll(reg, deps))
	reg.Initialize()
	return event.NewBus(reg, nil, deps.Enqueuer, nil, nil), reg
}

func TestRegisterAll_HandlerNamesUnique(t *testing.T) {
	deps, _, _, _ := newTestDeps()
	reg := event.NewRegistry(nil)
	require.NoError(t, RegisterAll(reg, deps))
	reg.Initialize()

	infos := reg.Handlers()
	seen := make(map[string]bool)
	for _, info := range infos {
		assert.False(t, seen[info.Name], "duplicate handler name %s", info.Name)
		seen[info.Name] = true
	}

	// The enrollment event has both an inline audit handler and queued ones.
	matched := reg.Match(event.StudentEnrolled)
	var hasSync, hasAsync bool
	for _, m := range matched {
		if m.Async {
			hasAsync = true
		} else {
			hasSync = true
		}
	}
	assert.True(t, hasSync)
	assert.True(t, hasAsync)
}

func TestAuditHandler_RunsInline(t *testing.T) {
	deps, audit, _, _ := newTestDeps()
	bus, _ := registeredBus(t, deps)

	result := bus.Emit(context.Background(), "tenant-1", event.StudentEnrolledPayload{
		EnrollmentID: "enr-1",
		StudentID:    42,
		ClassID:      "cls-9",
	}, event.WithActor("user-7"))

	assert.Empty(t, result.Errors)
	require.Len(t, audit.entries, 1)
	entry := audit.entries[0]
	assert.Equal(t, "tenant-1", entry.TenantID)
	assert.Equal(t, event.StudentEnrolled, entry.EventType)
	assert.Equal(t, "user-7", entry.InitiatedBy)
	assert.Contains(t, entry.Summary, "42")
	assert.Contains(t, entry.Summary, "cls-9")
}

func TestAuditHandler_FailureSurfacesInResult(t *testing.T) {
	deps, audit, _, _ := newTestDeps()
	audit.err = errors.New("audit store down")
	bus, _ := registeredBus(t, deps)

	result := bus.Emit(context.Background(), "tenant-1", event.StudentEnrolledPayload{StudentID: 1})

	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "audit:StudentEnrolled")
}

func TestAnalyticsHandler_CountsThroughQueue(t *testing.T) {
	deps, _, analytics, _ := newTestDeps()
	reg := event.NewRegistry(nil)
	require.NoError(t, RegisterAll(reg, deps))
	reg.Initialize()

	r, ok := reg.Resolve("analytics:StudentEnrolled")
	require.True(t, ok)
	require.True(t, r.Async)

	evt := event.Event{
		ID:       "evt-1",
		Type:     event.StudentEnrolled,
		TenantID: "tenant-1",
		Payload:  []byte(`{"student_id":1}`),
	}
	require.NoError(t, r.Handler(context.Background(), evt))
	require.NoError(t, r.Handler(context.Background(), evt))

	counts := analytics.Counts("tenant-1")
	assert.Equal(t, 2, counts[event.StudentEnrolled])
	assert.Empty(t, analytics.Counts("tenant-2"))
}

func TestNotificationHandler_RequestedEventEnqueuesFanOut(t *testing.T) {
	deps, _, _, enq := newTestDeps()
	reg := event.NewRegistry(nil)
	require.NoError(t, RegisterAll(reg, deps))
	reg.Initialize()

	r, ok := reg.Resolve("notification:requested")
	require.True(t, ok)

	payload, _ := json.Marshal(event.NotificationRequestedPayload{
		RecipientName:  "Ada",
		RecipientEmail: "ada@example.com",
		Subject:        "Welcome",
		Message:        "Hello",
	})
	evt := event.Event{ID: "evt-1", Type: event.NotificationRequested, TenantID: "tenant-1", Payload: payload}
	require.NoError(t, r.Handler(context.Background(), evt))

	require.Len(t, enq.enqueued, 1)
	queued := enq.enqueued[0]
	assert.Equal(t, "NOTIFICATION", queued.Type)
	assert.Equal(t, "notification", queued.Queue)
	assert.Equal(t, "notify-evt-1", queued.IdempotencyKey)

	var body processor.NotificationJobPayload
	require.NoError(t, json.Unmarshal(queued.Payload, &body))
	assert.Equal(t, "ada@example.com", body.RecipientEmail)
	assert.Equal(t, "Welcome", body.Subject)
}

func TestNotificationHandler_InvoiceLookupMissSkips(t *testing.T) {
	deps, _, _, enq := newTestDeps()
	deps.Directory = staticDirectory{} // every lookup misses
	reg := event.NewRegistry(nil)
	require.NoError(t, RegisterAll(reg, deps))
	reg.Initialize()

	r, ok := reg.Resolve("notification:invoice-issued")
	require.True(t, ok)

	payload, _ := json.Marshal(event.InvoiceIssuedPayload{InvoiceID: "inv-1", InvoiceNo: "2026-001", StudentID: 42})
	evt := event.Event{ID: "evt-1", Type: event.InvoiceIssued, TenantID: "tenant-1", Payload: payload}

	require.NoError(t, r.Handler(context.Background(), evt))
	assert.Empty(t, enq.enqueued, "no recipient means nothing to notify")
}

func TestNotificationHandler_InvoiceLookupHitNotifies(t *testing.T) {
	deps, _, _, enq := newTestDeps()
	reg := event.NewRegistry(nil)
	require.NoError(t, RegisterAll(reg, deps))
	reg.Initialize()

	r, _ := reg.Resolve("notification:invoice-issued")

	payload, _ := json.Marshal(event.InvoiceIssuedPayload{
		InvoiceID: "inv-1", InvoiceNo: "2026-001", StudentID: 42, TotalAmount: 150, DueDate: "2026-09-30",
	})
	evt := event.Event{ID: "evt-2", Type: event.InvoiceIssued, TenantID: "tenant-1", Payload: payload}
	require.NoError(t, r.Handler(context.Background(), evt))

	require.Len(t, enq.enqueued, 1)
	var body processor.NotificationJobPayload
	require.NoError(t, json.Unmarshal(enq.enqueued[0].Payload, &body))
	assert.Equal(t, "Ada", body.RecipientName)
	assert.Contains(t, body.Subject, "2026-001")
}

func TestNotificationHandler_LookupErrorFailsAttempt(t *testing.T) {
	deps, _, _, _ := newTestDeps()
	deps.Directory = staticDirectory{err: errors.New("directory down")}
	reg := event.NewRegistry(nil)
	require.NoError(t, RegisterAll(reg, deps))
	reg.Initialize()

	r, _ := reg.Resolve("notification:payment-receipt")
	payload, _ := json.Marshal(event.PaymentReconciledPayload{InvoiceID: "inv-1", StudentID: 42, Amount: 50})
	evt := event.Event{ID: "evt-3", Type: event.PaymentReconciled, TenantID: "tenant-1", Payload: payload}

	require.Error(t, r.Handler(context.Background(), evt))
}
