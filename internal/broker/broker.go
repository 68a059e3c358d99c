// Package broker is a thin named-channel abstraction over a message
// broker's publish/consume primitives. It knows nothing about job
// semantics; the durable record store remains the source of truth and any
// broker state can be rebuilt from it.
package broker

import (
	"context"
	"encoding/json"
	"time"
)

// Message is the unit the broker moves around. JobID doubles as the
// deduplication key: publishing a message for a job that is already queued
// is a no-op, which is what makes recovery re-publishes safe.
type Message struct {
	JobID    string          `json:"job_id"`
	Queue    string          `json:"queue"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority,omitempty"`

	// Delay defers delivery; it is transport metadata, not serialized into
	// the message body.
	Delay time.Duration `json:"-"`
}

// Broker publishes and delivers messages on named queues.
type Broker interface {
	// Publish places a message on its queue. A message whose JobID is
	// already queued is silently dropped.
	Publish(ctx context.Context, msg Message) error

	// Fetch pops the next message from a queue, blocking up to block.
	// It returns (nil, nil) when the queue stayed empty.
	Fetch(ctx context.Context, queue string, block time.Duration) (*Message, error)

	Close() error
}
