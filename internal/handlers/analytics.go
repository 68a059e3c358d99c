package handlers

import (
	"context"
	"sync"

	"opsbus/internal/event"
)

// registerAnalyticsHandlers attaches asynchronous counters to the
// high-volume events. Analytics never needs to run inline; losing a beat
// to a worker retry is fine, losing emitter latency to it is not.
func registerAnalyticsHandlers(reg *event.Registry, deps Deps) error {
	counted := []event.Type{
		event.PaymentReceived,
		event.PaymentReconciled,
		event.StudentEnrolled,
		event.FeePostingCompleted,
		event.PromotionRunCompleted,
		event.ReminderSent,
	}

	for _, eventType := range counted {
		name := "analytics:" + string(eventType)
		err := reg.OnAsync(eventType, name, func(ctx context.Context, evt event.Event) error {
			return deps.Analytics.RecordEvent(ctx, evt.TenantID, evt.Type)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// MemoryAnalytics counts events per tenant in memory.
type MemoryAnalytics struct {
	mu     sync.Mutex
	counts map[string]map[event.Type]int
}

func NewMemoryAnalytics() *MemoryAnalytics {
	return &MemoryAnalytics{counts: make(map[string]map[event.Type]int)}
}

func (a *MemoryAnalytics) RecordEvent(_ context.Context, tenantID string, eventType event.Type) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.counts[tenantID] == nil {
		a.counts[tenantID] = make(map[event.Type]int)
	}
	a.counts[tenantID][eventType]++
	return nil
}

// Counts returns a copy of the counters for one tenant.
func (a *MemoryAnalytics) Counts(tenantID string) map[event.Type]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[event.Type]int, len(a.counts[tenantID]))
	for t, n := range a.counts[tenantID] {
		out[t] = n
	}
	return out
}
