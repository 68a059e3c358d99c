// Package config loads process configuration from the environment and
// validates it before anything else starts.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Config is the full process configuration shared by the API and worker
// binaries.
type Config struct {
	DBPath     string `env:"OPSBUS_DB_PATH" envDefault:"opsbus.db" validate:"required"`
	RedisAddr  string `env:"OPSBUS_REDIS_ADDR" envDefault:"localhost:6379" validate:"required,hostname_port"`
	BrokerMode string `env:"OPSBUS_BROKER" envDefault:"redis" validate:"oneof=redis memory"`
	HTTPPort   string `env:"OPSBUS_HTTP_PORT" envDefault:"8080" validate:"required,numeric"`

	// Recovery sweep tuning. PendingGrace is how long a PENDING row may sit
	// before its broker message is presumed lost; StaleThreshold is how long
	// a PROCESSING row may run before its worker is presumed crashed.
	SweepInterval  time.Duration `env:"OPSBUS_SWEEP_INTERVAL" envDefault:"5m"`
	PendingGrace   time.Duration `env:"OPSBUS_PENDING_GRACE" envDefault:"5m"`
	StaleThreshold time.Duration `env:"OPSBUS_STALE_THRESHOLD" envDefault:"30m"`

	// Per-tenant enqueue guards on the API surface.
	MaxSubmissionsPerMinute int `env:"OPSBUS_MAX_SUBMISSIONS_PER_MINUTE" envDefault:"60" validate:"gt=0"`
}

// Load reads the environment and validates the result, failing fast on any
// unusable value.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.SweepInterval < time.Second || cfg.PendingGrace < time.Second || cfg.StaleThreshold < time.Minute {
		return nil, fmt.Errorf("sweep intervals too small: interval=%s grace=%s stale=%s",
			cfg.SweepInterval, cfg.PendingGrace, cfg.StaleThreshold)
	}
	return cfg, nil
}

// QueueWorker configures one worker pool: its queue, concurrency bound, and
// optional per-second rate cap.
type QueueWorker struct {
	Queue       string
	Concurrency int

	// RatePerSec caps throughput to protect rate-limited downstreams;
	// zero means unlimited. Burst defaults to RatePerSec when zero.
	RatePerSec float64
	Burst      int
}

// WorkerQueues is the standing worker-pool table. Outbound delivery queues
// run narrow and capped; in-process handler queues run wide; orchestration
// and maintenance queues run alone.
func WorkerQueues() []QueueWorker {
	return []QueueWorker{
		{Queue: "event-handlers", Concurrency: 10},
		{Queue: "notification", Concurrency: 10},
		{Queue: "email", Concurrency: 5, RatePerSec: 10},
		{Queue: "sms", Concurrency: 3, RatePerSec: 5},
		{Queue: "whatsapp", Concurrency: 3, RatePerSec: 5},
		{Queue: "reminder", Concurrency: 3, RatePerSec: 50},
		{Queue: "finance", Concurrency: 4},
		{Queue: "report", Concurrency: 2},
		{Queue: "promotion", Concurrency: 1},
		{Queue: "system", Concurrency: 1},
	}
}
