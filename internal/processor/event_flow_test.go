package processor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsbus/internal/broker"
	"opsbus/internal/event"
	"opsbus/internal/metrics"
	"opsbus/internal/models"
	"opsbus/internal/repository"
	"opsbus/internal/service"
)

// Drives one async handler end to end: Emit writes the job row and
// publishes it, the memory broker delivers it, and the worker pool runs
// the handler and completes the row.
func TestEventHandlerFlow_StudentEnrolled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, err := repository.NewSQLiteRepository(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer repo.Close()

	b := broker.NewMemoryBroker()
	defer b.Close()

	policies, err := broker.NewPolicyTable(broker.DefaultPolicies())
	require.NoError(t, err)

	m := metrics.NewMetrics()
	enq := service.NewEnqueueService(repo, b, policies, m, nil)

	reg := event.NewRegistry(nil)
	handled := make(chan event.Event, 1)
	require.NoError(t, reg.OnAsync(event.StudentEnrolled, "analytics:enrollment", func(ctx context.Context, evt event.Event) error {
		handled <- evt
		return nil
	}))
	reg.Initialize()

	bus := event.NewBus(reg, repo, enq, m, nil)
	result := bus.Emit(ctx, "tenant-1", event.StudentEnrolledPayload{
		EnrollmentID: "enr-1",
		StudentID:    42,
		ClassID:      "cls-9",
	})
	require.Empty(t, result.Errors)
	require.Equal(t, 1, result.AsyncHandlersQueued)

	pending, err := repo.ListJobsByStatus(ctx, models.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	job := pending[0]
	assert.Equal(t, event.JobType(event.StudentEnrolled), job.Type)
	assert.Equal(t, event.HandlerQueue, job.Queue)

	pool := service.NewWorkerPool(service.PoolConfig{
		Queue:       event.HandlerQueue,
		Concurrency: 1,
		Policy:      policies.For(event.HandlerQueue),
	}, repo, b, EventHandlerProcessor(reg), m, nil)

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	select {
	case evt := <-handled:
		assert.Equal(t, result.EventID, evt.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the queued handler to run")
	}

	// The row completes just after the handler returns.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := repo.GetJobByID(ctx, job.ID)
		require.NoError(t, err)
		if got.Status == models.StatusCompleted {
			assert.Equal(t, 1, got.Attempts)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never completed, status %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}
