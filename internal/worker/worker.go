package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/aseltyar/video-downloader/shared/rabbitmq"
	"github.com/google/uuid"
)

// Pipeline admits jobs into the acquisition scheduler.
type Pipeline interface {
	Submit(ctx context.Context, jobID string) error
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	RabbitClient  *rabbitmq.Client
	Pipeline      Pipeline
	PrefetchCount int
}

// Worker consumes job messages from RabbitMQ and feeds them to the
// pipeline. Execution itself happens inside the scheduler; the worker only
// owns delivery acknowledgment.
type Worker struct {
	logger        *slog.Logger
	rabbitClient  *rabbitmq.Client
	pipeline      Pipeline
	prefetchCount int
	workerID      string
	wg            sync.WaitGroup
	stopChan      chan struct{}
	lostChan      chan struct{} // closed when the broker drops the delivery channel
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Worker{
		logger:        cfg.Logger,
		rabbitClient:  cfg.RabbitClient,
		pipeline:      cfg.Pipeline,
		prefetchCount: prefetch,
		workerID:      "worker-" + uuid.New().String()[:8],
		stopChan:      make(chan struct{}),
		lostChan:      make(chan struct{}),
	}
}

// Start begins consuming job messages. Blocks until the context is
// cancelled; returns an error when the broker closes the delivery channel.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("prefetch_count", w.prefetchCount),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.consumeLoop(ctx, deliveries)
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
		return nil
	case <-w.lostChan:
		return errors.New("rabbitmq delivery channel closed")
	}
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
