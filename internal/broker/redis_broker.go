package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	queueKeyPrefix   = "opsbus:queue:"
	delayedKeyPrefix = "opsbus:delayed:"
	dedupKeyPrefix   = "opsbus:queued:"

	// dedupTTL bounds how long a dedup marker can outlive a lost message.
	// After it lapses the recovery sweep's re-publish goes through.
	dedupTTL = 24 * time.Hour

	promoteInterval = time.Second
	promoteBatch    = 100
)

// RedisBroker implements Broker over Redis: one list per queue, one sorted
// set per queue for delayed delivery, and a per-job dedup marker keyed by
// job ID. A background promoter moves due delayed messages onto their list.
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]struct{}

	stop chan struct{}
	done sync.WaitGroup
}

// NewRedisBroker connects to Redis and starts the delayed-message promoter.
func NewRedisBroker(addr string, logger *slog.Logger) (*RedisBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		// The store-first dual write tolerates a dead broker at publish
		// time, but a broker that cannot even be dialed at boot is a
		// configuration problem worth failing on.
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}

	b := &RedisBroker{
		client: client,
		logger: logger,
		queues: make(map[string]struct{}),
		stop:   make(chan struct{}),
	}
	b.done.Add(1)
	go b.promoteLoop()
	return b, nil
}

// Publish pushes a message onto its queue list, or onto the delayed set
// when msg.Delay is positive. Publishing a job ID that is already queued
// is a no-op.
func (b *RedisBroker) Publish(ctx context.Context, msg Message) error {
	if msg.Queue == "" || msg.JobID == "" {
		return errors.New("message requires a queue and a job id")
	}
	b.trackQueue(msg.Queue)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	set, err := b.client.SetNX(ctx, dedupKeyPrefix+msg.JobID, 1, dedupTTL).Result()
	if err != nil {
		return fmt.Errorf("set dedup marker: %w", err)
	}
	if !set {
		b.logger.Debug("duplicate publish dropped", "job_id", msg.JobID, "queue", msg.Queue)
		return nil
	}

	if msg.Delay > 0 {
		readyAt := float64(time.Now().Add(msg.Delay).UnixMilli())
		if err := b.client.ZAdd(ctx, delayedKeyPrefix+msg.Queue, redis.Z{Score: readyAt, Member: body}).Err(); err != nil {
			return fmt.Errorf("schedule delayed message: %w", err)
		}
		return nil
	}

	if err := b.client.LPush(ctx, queueKeyPrefix+msg.Queue, body).Err(); err != nil {
		return fmt.Errorf("push message: %w", err)
	}
	return nil
}

// Fetch pops the next ready message, blocking up to block. The dedup marker
// is cleared here so a later retry publish of the same job ID goes through.
func (b *RedisBroker) Fetch(ctx context.Context, queue string, block time.Duration) (*Message, error) {
	b.trackQueue(queue)

	res, err := b.client.BRPop(ctx, block, queueKeyPrefix+queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop from %s: %w", queue, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of length %d", len(res))
	}

	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	if err := b.client.Del(ctx, dedupKeyPrefix+msg.JobID).Err(); err != nil {
		// Not fatal: the marker expires on its own, the message is already ours.
		b.logger.Warn("dedup marker delete failed", "job_id", msg.JobID, "error", err)
	}
	return &msg, nil
}

// Close stops the promoter and releases the client.
func (b *RedisBroker) Close() error {
	close(b.stop)
	b.done.Wait()
	return b.client.Close()
}

func (b *RedisBroker) trackQueue(name string) {
	b.mu.Lock()
	b.queues[name] = struct{}{}
	b.mu.Unlock()
}

func (b *RedisBroker) knownQueues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.queues))
	for q := range b.queues {
		out = append(out, q)
	}
	return out
}

func (b *RedisBroker) promoteLoop() {
	defer b.done.Done()
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			for _, queue := range b.knownQueues() {
				if err := b.promote(ctx, queue); err != nil {
					b.logger.Warn("delayed promotion failed", "queue", queue, "error", err)
				}
			}
			cancel()
		}
	}
}

// promote moves due messages from a queue's delayed set onto its list.
func (b *RedisBroker) promote(ctx context.Context, queue string) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := b.client.ZRangeByScore(ctx, delayedKeyPrefix+queue, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range members {
		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, delayedKeyPrefix+queue, member)
		pipe.LPush(ctx, queueKeyPrefix+queue, member)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}
