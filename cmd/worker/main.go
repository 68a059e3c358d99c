package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"opsbus/internal/broker"
	"opsbus/internal/config"
	"opsbus/internal/event"
	"opsbus/internal/handlers"
	"opsbus/internal/metrics"
	"opsbus/internal/models"
	"opsbus/internal/processor"
	"opsbus/internal/repository"
	"opsbus/internal/service"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "worker")
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	repo, err := repository.NewSQLiteRepository(cfg.DBPath)
	if err != nil {
		logger.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	b, err := newBroker(cfg, logger)
	if err != nil {
		logger.Error("failed to connect broker", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	policies, err := broker.NewPolicyTable(broker.DefaultPolicies())
	if err != nil {
		logger.Error("invalid retry policy table", "error", err)
		os.Exit(1)
	}

	metricsInstance := metrics.NewMetrics()
	enqueuer := service.NewEnqueueService(repo, b, policies, metricsInstance, logger)

	registry := event.NewRegistry(logger)
	err = handlers.RegisterAll(registry, handlers.Deps{
		Audit:     &handlers.SlogAuditWriter{Logger: logger},
		Analytics: handlers.NewMemoryAnalytics(),
		Directory: handlers.NoopDirectory{},
		Enqueuer:  enqueuer,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to register event handlers", "error", err)
		os.Exit(1)
	}
	registry.Initialize()

	bus := event.NewBus(registry, repo, enqueuer, metricsInstance, logger)
	sweep := service.NewRecoverySweep(repo, b, cfg.PendingGrace, cfg.StaleThreshold, metricsInstance, logger)

	// JobFailed is emitted once per dead job so operators can hang alerting
	// handlers off it.
	onDead := func(ctx context.Context, job *models.Job, cause error) {
		bus.Emit(ctx, job.TenantID, event.JobFailedPayload{
			JobID:    job.ID,
			JobType:  job.Type,
			Queue:    job.Queue,
			Error:    cause.Error(),
			Attempts: job.Attempts,
		})
	}

	processors := map[string]service.ProcessorFunc{
		"event-handlers": processor.EventHandlerProcessor(registry),
		"notification":   processor.NotificationProcessor(enqueuer),
		"email":          processor.DeliveryProcessor("email", processor.LogGateway{Channel: "email", Logger: logger}),
		"sms":            processor.DeliveryProcessor("sms", processor.LogGateway{Channel: "sms", Logger: logger}),
		"whatsapp":       processor.DeliveryProcessor("whatsapp", processor.LogGateway{Channel: "whatsapp", Logger: logger}),
		"system":         processor.SystemProcessor(sweep),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("shutting down worker")
		cancel()
	}()

	var wg sync.WaitGroup
	for _, qw := range config.WorkerQueues() {
		process, ok := processors[qw.Queue]
		if !ok {
			// Queues without a dedicated processor still drain; an
			// unroutable job type fails and retries like any other error.
			logger.Warn("no processor for queue, skipping", "queue", qw.Queue)
			continue
		}

		pool := service.NewWorkerPool(service.PoolConfig{
			Queue:       qw.Queue,
			Concurrency: qw.Concurrency,
			RatePerSec:  qw.RatePerSec,
			Burst:       qw.Burst,
			Policy:      policies.For(qw.Queue),
			OnDead:      onDead,
		}, repo, b, process, metricsInstance, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Run(ctx)
		}()
	}

	// One worker instance owns the sweep schedule. The time-bucketed
	// idempotency key keeps concurrent instances from double-enqueueing.
	wg.Add(1)
	go func() {
		defer wg.Done()
		runSweepScheduler(ctx, enqueuer, cfg.SweepInterval, logger)
	}()

	logger.Info("worker started", "broker", cfg.BrokerMode, "sweep_interval", cfg.SweepInterval.String())
	wg.Wait()
	logger.Info("worker stopped")
}

func runSweepScheduler(ctx context.Context, enq *service.EnqueueService, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Enqueue one sweep at startup so a crashed fleet recovers its backlog
	// without waiting a full interval.
	if _, err := service.EnqueueSweepJob(ctx, enq, interval); err != nil {
		logger.Error("failed to enqueue recovery sweep", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := service.EnqueueSweepJob(ctx, enq, interval); err != nil {
				logger.Error("failed to enqueue recovery sweep", "error", err)
			}
		}
	}
}

func newBroker(cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	if cfg.BrokerMode == "memory" {
		return broker.NewMemoryBroker(), nil
	}
	return broker.NewRedisBroker(cfg.RedisAddr, logger)
}
