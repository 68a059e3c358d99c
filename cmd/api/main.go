package main

import (
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"opsbus/internal/broker"
	"opsbus/internal/config"
	"opsbus/internal/event"
	"opsbus/internal/handler"
	"opsbus/internal/handlers"
	"opsbus/internal/metrics"
	"opsbus/internal/repository"
	"opsbus/internal/service"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "api")
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
	limiter := service.NewSubmissionLimiter(cfg.MaxSubmissionsPerMinute)

	// The API registers the same handlers as the worker so emits originating
	// here match by name when a worker later resolves them.
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

	jobHandler := handler.NewJobHandler(enqueuer, limiter, registry, metricsInstance, logger)

	// CORS middleware - sets headers for all responses
	corsMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next(w, r)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			jobHandler.CreateJob(w, r)
		} else if r.Method == http.MethodGet {
			jobHandler.ListJobs(w, r)
		} else {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}))
	mux.HandleFunc("/jobs/", corsMiddleware(jobHandler.GetJob))
	mux.HandleFunc("/dlq", corsMiddleware(jobHandler.GetDeadLetterQueue))
	mux.HandleFunc("/handlers", corsMiddleware(jobHandler.GetHandlers))
	mux.HandleFunc("/metrics", corsMiddleware(jobHandler.GetMetrics))

	server := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: mux,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("API server starting", "port", cfg.HTTPPort, "broker", cfg.BrokerMode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigChan
	logger.Info("shutting down server")
	if err := server.Close(); err != nil {
		logger.Error("error closing server", "error", err)
	}
	logger.Info("server stopped")
}

func newBroker(cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	if cfg.BrokerMode == "memory" {
		return broker.NewMemoryBroker(), nil
	}
	return broker.NewRedisBroker(cfg.RedisAddr, logger)
}
