// Package processor holds the per-queue job processors executed by the
// worker pools. Every processor has the same shape; the worker harness
// owns the lifecycle transitions around it.
package processor

import (
	"context"

	"opsbus/internal/models"
)

// Gateway delivers one message over one channel. Real SMS/WhatsApp/email
// transports live outside this module; the core only depends on this.
type Gateway interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Enqueuer is the durable enqueue used by fan-out processors.
type Enqueuer interface {
	Enqueue(ctx context.Context, opts models.EnqueueOptions) (string, error)
}
