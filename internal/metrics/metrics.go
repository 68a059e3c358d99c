package metrics

import (
	"sync"
)

// Metrics tracks system counters
type Metrics struct {
	mu sync.RWMutex

	jobsEnqueued  int64
	jobsCompleted int64
	jobsFailed    int64
	jobsDead      int64
	jobsRetried   int64

	jobsRequeued    int64
	jobsMarkedStale int64

	eventsEmitted     int64
	syncHandlerErrors int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncrementJobsEnqueued increments the enqueued jobs counter
func (m *Metrics) IncrementJobsEnqueued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobsEnqueued++
}

// IncrementJobsCompleted increments the completed jobs counter
func (m *Metrics) IncrementJobsCompleted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobsCompleted++
}

// IncrementJobsFailed increments the failed jobs counter
func (m *Metrics) IncrementJobsFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobsFailed++
}

// IncrementJobsDead increments the dead jobs counter
func (m *Metrics) IncrementJobsDead() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobsDead++
}

// IncrementJobsRetried increments the retried jobs counter
func (m *Metrics) IncrementJobsRetried() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobsRetried++
}

// AddJobsRequeued adds to the recovery-requeued counter
func (m *Metrics) AddJobsRequeued(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobsRequeued += int64(n)
}

// AddJobsMarkedStale adds to the stale-marked counter
func (m *Metrics) AddJobsMarkedStale(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobsMarkedStale += int64(n)
}

// IncrementEventsEmitted increments the emitted events counter
func (m *Metrics) IncrementEventsEmitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsEmitted++
}

// AddSyncHandlerErrors adds to the sync handler error counter
func (m *Metrics) AddSyncHandlerErrors(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncHandlerErrors += int64(n)
}

// Snapshot is a point-in-time view of all counters
type Snapshot struct {
	JobsEnqueued      int64 `json:"jobs_enqueued"`
	JobsCompleted     int64 `json:"jobs_completed"`
	JobsFailed        int64 `json:"jobs_failed"`
	JobsDead          int64 `json:"jobs_dead"`
	JobsRetried       int64 `json:"jobs_retried"`
	JobsRequeued      int64 `json:"jobs_requeued"`
	JobsMarkedStale   int64 `json:"jobs_marked_stale"`
	EventsEmitted     int64 `json:"events_emitted"`
	SyncHandlerErrors int64 `json:"sync_handler_errors"`
}

// GetSnapshot returns a consistent snapshot of all counters
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		JobsEnqueued:      m.jobsEnqueued,
		JobsCompleted:     m.jobsCompleted,
		JobsFailed:        m.jobsFailed,
		JobsDead:          m.jobsDead,
		JobsRetried:       m.jobsRetried,
		JobsRequeued:      m.jobsRequeued,
		JobsMarkedStale:   m.jobsMarkedStale,
		EventsEmitted:     m.eventsEmitted,
		SyncHandlerErrors: m.syncHandlerErrors,
	}
}
