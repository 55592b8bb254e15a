package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aseltyar/video-downloader/internal/api/handler"
	"github.com/aseltyar/video-downloader/internal/api/router"
	"github.com/aseltyar/video-downloader/internal/artifactstore"
	"github.com/aseltyar/video-downloader/internal/config"
	"github.com/aseltyar/video-downloader/internal/domain"
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
	"github.com/gin-gonic/gin"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Bool("embedded_pipeline", cfg.App.EmbeddedPipeline),
	)

	// Initialize RabbitMQ when the pipeline runs as a separate service
	var rabbitClient *rabbitmq.Client
	if !cfg.App.EmbeddedPipeline {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		appLogger.Info("RabbitMQ connection established")
	}

	// Pick the lifecycle event sink
	var sink events.Sink
	if rabbitClient != nil {
		sink = events.NewAMQPSink(rabbitClient, appLogger.Logger)
	} else {
		sink = events.NewLogSink(appLogger.Logger)
	}

	// Initialize the job store
	store, dbClient, err := initStore(cfg, sink, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}

	// Artifact store serves StreamArtifact in both deployments
	artifacts, err := artifactstore.New(artifactstore.Config{
		Root:           cfg.Artifacts.Root,
		MaxBytes:       cfg.Artifacts.MaxBytes,
		RetentionFloor: cfg.Artifacts.RetentionFloor,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	// Wire the pipeline seam: in-process scheduler or AMQP hand-off
	var (
		enqueuer  handler.Enqueuer
		canceller handler.Canceller
		sched     *scheduler.Scheduler
	)
	if cfg.App.EmbeddedPipeline {
		sched = initScheduler(cfg, store, artifacts, appLogger.Logger)
		sched.Start(context.Background())
		enqueuer = sched
		canceller = sched
	} else {
		enqueuer = worker.NewAMQPEnqueuer(rabbitClient, cfg.RabbitMQ.RoutingKey, appLogger.Logger)
		canceller = &storeCanceller{store: store}
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:    appLogger.Logger,
		Store:     store,
		Enqueuer:  enqueuer,
		Canceller: canceller,
		Artifacts: artifacts,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	// Cleanup function to close all resources
	cleanup := func() {
		cancel()
		if sched != nil {
			sched.Shutdown(cfg.Pipeline.ShutdownTimeout)
		}
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// storeCanceller cancels through the job store alone. In the split
// deployment the worker notices the terminal state at its next guarded
// transition and abandons the job.
type storeCanceller struct {
	store jobstore.Store
}

func (c *storeCanceller) Cancel(ctx context.Context, jobID string) error {
	job, err := c.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return fmt.Errorf("%w: job %s is already %s", domain.ErrInvalidTransition, jobID, job.State)
	}
	err = c.store.TransitionTo(ctx, jobID, domain.StateCancelled, "cancelled by operator")
	if errors.Is(err, domain.ErrInvalidTransition) {
		// The job reached a terminal state between the read and the write.
		return fmt.Errorf("%w: job %s finished before cancellation", domain.ErrInvalidTransition, jobID)
	}
	return err
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

// initScheduler wires the full in-process pipeline.
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Setup router
	return router.SetupRouter(deps)
}
