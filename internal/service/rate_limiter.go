package service

import (
	"sync"
	"time"
)

// SubmissionLimiter caps per-tenant job submissions on the API surface.
// It is process-local; worker-internal enqueues (retries, fan-out children)
// bypass it.
type SubmissionLimiter struct {
	mu sync.Mutex

	maxPerMinute int
	windows      map[string]*submissionWindow
}

type submissionWindow struct {
	count     int
	windowEnd time.Time
}

// NewSubmissionLimiter creates a per-tenant submission limiter
func NewSubmissionLimiter(maxPerMinute int) *SubmissionLimiter {
	return &SubmissionLimiter{
		maxPerMinute: maxPerMinute,
		windows:      make(map[string]*submissionWindow),
	}
}

// Allow records a submission attempt for a tenant and reports whether it
// fits the current one-minute window.
func (l *SubmissionLimiter) Allow(tenantID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	window, exists := l.windows[tenantID]

	if !exists || now.After(window.windowEnd) {
		l.windows[tenantID] = &submissionWindow{
			count:     1,
			windowEnd: now.Add(time.Minute),
		}
		return nil
	}

	if window.count >= l.maxPerMinute {
		return ErrRateLimitExceeded
	}

	window.count++
	return nil
}
