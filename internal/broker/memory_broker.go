package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

const memoryQueueDepth = 1024

// MemoryBroker is a channel-backed Broker for development and tests. It
// keeps the same dedup-by-job-ID contract as the Redis implementation;
// everything in it is lost on process exit, which is exactly the failure
// mode the durable record store and recovery sweep exist to cover.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]chan Message
	queued map[string]struct{}
	closed bool
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string]chan Message),
		queued: make(map[string]struct{}),
	}
}

func (b *MemoryBroker) queue(name string) chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[name]
	if !ok {
		ch = make(chan Message, memoryQueueDepth)
		b.queues[name] = ch
	}
	return ch
}

// Publish queues the message, deferring it on a timer when Delay is set.
func (b *MemoryBroker) Publish(ctx context.Context, msg Message) error {
	if msg.Queue == "" || msg.JobID == "" {
		return errors.New("message requires a queue and a job id")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("broker is closed")
	}
	if _, dup := b.queued[msg.JobID]; dup {
		b.mu.Unlock()
		return nil
	}
	b.queued[msg.JobID] = struct{}{}
	b.mu.Unlock()

	deliver := func() {
		select {
		case b.queue(msg.Queue) <- msg:
		default:
			// Queue full: drop the marker so a recovery re-publish can retry.
			b.mu.Lock()
			delete(b.queued, msg.JobID)
			b.mu.Unlock()
		}
	}

	if msg.Delay > 0 {
		time.AfterFunc(msg.Delay, deliver)
		return nil
	}
	deliver()
	return nil
}

// Fetch pops the next message, blocking up to block.
func (b *MemoryBroker) Fetch(ctx context.Context, queue string, block time.Duration) (*Message, error) {
	timer := time.NewTimer(block)
	defer timer.Stop()

	select {
	case msg := <-b.queue(queue):
		b.mu.Lock()
		delete(b.queued, msg.JobID)
		b.mu.Unlock()
		return &msg, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close marks the broker closed; queued messages are discarded.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
