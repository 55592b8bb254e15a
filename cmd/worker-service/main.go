package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aseltyar/video-downloader/internal/artifactstore"
	"github.com/aseltyar/video-downloader/internal/config"
	"github.com/aseltyar/video-downloader/internal/events"
	"github.com/aseltyar/video-downloader/internal/fetcher"
	"github.com/aseltyar/video-downloader/internal/jobstore"
	"github.com/aseltyar/video-downloader/internal/resolver"
	"github.com/aseltyar/video-downloader/internal/retry"
	"github.com/aseltyar/video-downloader/internal/scheduler"
	"github.com/aseltyar/video-downloader/internal/transcoder"
	"github.com/aseltyar/video-downloader/internal/worker"
	"github.com/aseltyar/video-downloader/shared/logger"
	"github.com/aseltyar/video-downloader/shared/postgresql"
	"github.com/aseltyar/video-downloader/shared/rabbitmq"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Lifecycle events go back through the same broker
	sink := events.NewAMQPSink(rabbitClient, appLogger.Logger)

	// Initialize the job store
	store, dbClient, err := initStore(cfg, sink, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}

	// Initialize the artifact store
	artifacts, err := artifactstore.New(artifactstore.Config{
		Root:           cfg.Artifacts.Root,
		MaxBytes:       cfg.Artifacts.MaxBytes,
		RetentionFloor: cfg.Artifacts.RetentionFloor,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	// Build and start the pipeline
	sched := initScheduler(cfg, store, artifacts, appLogger.Logger)

	// The pipeline outlives the shutdown signal so in-flight jobs can
	// drain; only Shutdown's force-cancel path aborts them.
	pipelineCtx, pipelineCancel := context.WithCancel(context.Background())
	defer pipelineCancel()

	sched.Start(pipelineCtx)

	// Retention eviction runs in the background; artifacts of jobs that are
	// not yet terminal stay pinned.
	if cfg.Artifacts.MaxBytes > 0 && cfg.Artifacts.EvictInterval > 0 {
		go artifacts.EvictLoop(pipelineCtx, cfg.Artifacts.EvictInterval, func(jobID string) bool {
			job, err := store.Get(pipelineCtx, jobID)
			if err != nil {
				// Orphaned directory with no job record; reclaim it.
				return true
			}
			return job.State.IsTerminal()
		})
	}

	// The consumer stops at the signal, before the pipeline drains.
	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:        appLogger.Logger,
		RabbitClient:  rabbitClient,
		Pipeline:      sched,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
	})

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(consumerCtx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Stop the consumer; the pipeline keeps its context until the drain ends
	consumerCancel()

	shutdownTimeout := cfg.Pipeline.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	// Stop worker and drain the pipeline
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		sched.Shutdown(shutdownTimeout)
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(shutdownTimeout + 5*time.Second):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}
	pipelineCancel()

	// Cleanup function to close all resources
	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initStore builds the configured job store. The returned client is nil for
// the memory driver.
func initStore(cfg *config.Config, sink events.Sink, logger *slog.Logger) (jobstore.Store, *postgresql.Client, error) {
	switch cfg.Store.Driver {
	case config.StoreMemory:
		return jobstore.NewMemoryStore(sink), nil, nil

	case config.StorePostgres:
		dbClient, err := initPostgreSQL(&cfg.Database, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Database connection established")
		return jobstore.NewPostgresStore(dbClient.GetDB(), sink), dbClient, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver: %q", cfg.Store.Driver)
}

// initScheduler wires the acquisition pipeline.
func initScheduler(cfg *config.Config, store jobstore.Store, artifacts *artifactstore.Store, logger *slog.Logger) *scheduler.Scheduler {
	httpClient := &http.Client{}

	fetchRetry := retry.Default
	if cfg.Pipeline.FetchRetryAttempts > 0 {
		fetchRetry.MaxAttempts = cfg.Pipeline.FetchRetryAttempts
	}
	if cfg.Pipeline.FetchRetryInterval > 0 {
		fetchRetry.InitialInterval = cfg.Pipeline.FetchRetryInterval
	}

	f := fetcher.New(httpClient, fetcher.Config{
		SizeLimit:      cfg.Pipeline.SizeLimitBytes,
		RateLimit:      cfg.Pipeline.RateLimitBytesPerSec,
		AttemptTimeout: cfg.Pipeline.FetchAttemptTimeout,
		Retry:          fetchRetry,
	}, logger)

	tr := transcoder.New(
		&transcoder.FFmpegRunner{Binary: cfg.Pipeline.FFmpegBinary},
		transcoder.Config{AttemptTimeout: cfg.Pipeline.TranscodeAttemptTimeout},
		logger,
	)

	schedCfg := scheduler.Config{
		Workers:        cfg.Pipeline.Workers,
		FetchSlots:     cfg.Pipeline.FetchSlots,
		TranscodeSlots: cfg.Pipeline.TranscodeSlots,
		QueueCapacity:  cfg.Pipeline.QueueCapacity,
		ScratchDir:     cfg.Pipeline.ScratchDir,
	}
	if cfg.Pipeline.Admission == config.AdmissionSmallestFirst {
		schedCfg.Priority = scheduler.SmallestFirst
	}

	return scheduler.New(schedCfg, store, resolver.NewDirectResolver(httpClient), f, tr, artifacts, logger)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
