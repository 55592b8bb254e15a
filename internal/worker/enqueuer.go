package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aseltyar/video-downloader/shared/rabbitmq"
)

// AMQPEnqueuer publishes created jobs to the job queue for the worker
// service to pick up.
type AMQPEnqueuer struct {
	client     *rabbitmq.Client
	routingKey string
	logger     *slog.Logger
}

// NewAMQPEnqueuer creates an enqueuer publishing under the given routing
// key. An empty key uses the client's configured default.
func NewAMQPEnqueuer(client *rabbitmq.Client, routingKey string, logger *slog.Logger) *AMQPEnqueuer {
	return &AMQPEnqueuer{client: client, routingKey: routingKey, logger: logger}
}

// Enqueue publishes the job ID as a persistent JSON message.
func (e *AMQPEnqueuer) Enqueue(ctx context.Context, jobID string) error {
	body, err := EncodeJobMessage(jobID)
	if err != nil {
		return fmt.Errorf("failed to encode job message: %w", err)
	}

	if err := e.client.PublishWithRetry(ctx, e.routingKey, body, "application/json"); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}

	e.logger.Debug("Job enqueued",
		slog.String("job_id", jobID),
		slog.String("routing_key", e.routingKey),
	)
	return nil
}
