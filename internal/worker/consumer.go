package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aseltyar/video-downloader/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// setupConsumer sets up RabbitMQ consumer with QoS and returns delivery channel
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel is nil")
	}

	// prefetch_count bounds unacknowledged deliveries per consumer so a
	// full pipeline does not drain the whole queue into one process
	err := channel.Qos(
		w.prefetchCount, // prefetch count from config
		0,               // prefetch size
		false,           // global
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	deliveries, err := w.rabbitClient.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
	)

	return deliveries, nil
}

// consumeLoop handles deliveries until the context is cancelled or the
// channel closes.
func (w *Worker) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Consumer stopped - context canceled")
			return
		case <-w.stopChan:
			w.logger.Info("Consumer stopped")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				close(w.lostChan)
				return
			}
			w.handleDelivery(ctx, delivery)
		}
	}
}

func (w *Worker) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	var msg JobMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		w.logger.Error("Failed to parse message JSON",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		// Malformed messages go to the DLQ, not back on the queue.
		w.nack(delivery, false)
		return
	}

	if _, err := uuid.Parse(msg.JobID); err != nil {
		w.logger.Error("Invalid job_id format - not a UUID",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		w.nack(delivery, false)
		return
	}

	err := w.pipeline.Submit(ctx, msg.JobID)
	switch {
	case err == nil:
		w.logger.Debug("Job admitted to pipeline",
			slog.String("job_id", msg.JobID),
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
		)
		w.ack(delivery)

	case errors.Is(err, domain.ErrNotFound):
		w.logger.Error("Job message references unknown job",
			slog.String("job_id", msg.JobID),
		)
		w.nack(delivery, false)

	case errors.Is(err, domain.ErrInvalidTransition):
		// Duplicate delivery of a job that already ran. Ack and move on.
		w.logger.Warn("Job is no longer queued, dropping duplicate delivery",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		w.ack(delivery)

	default:
		// Pipeline full or shutting down; requeue for another consumer.
		w.logger.Warn("Failed to admit job, requeueing",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		w.nack(delivery, true)
	}
}

func (w *Worker) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		w.logger.Error("Failed to ACK message",
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		w.logger.Error("Failed to NACK message",
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
			slog.String("error", err.Error()),
		)
	}
}
