package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aseltyar/video-downloader/internal/domain"
)

// Sink consumes job lifecycle events. The job store emits one event per
// successful transition; sinks must not block on job execution paths longer
// than a publish takes.
type Sink interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Publisher is the transport dependency of AMQPSink, satisfied by
// shared/rabbitmq.Client.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// AMQPSink publishes lifecycle events as persistent JSON messages under
// jobs.lifecycle.<state> routing keys.
type AMQPSink struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewAMQPSink creates a sink backed by the given publisher.
func NewAMQPSink(publisher Publisher, logger *slog.Logger) *AMQPSink {
	return &AMQPSink{publisher: publisher, logger: logger}
}

func (s *AMQPSink) Publish(ctx context.Context, ev domain.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	key := "jobs.lifecycle." + strings.ToLower(string(ev.To))
	if err := s.publisher.Publish(ctx, key, body, "application/json"); err != nil {
		s.logger.Error("Failed to publish lifecycle event",
			slog.String("job_id", ev.JobID),
			slog.String("to", string(ev.To)),
			slog.Any("error", err),
		)
		return err
	}
	return nil
}

// MemorySink records events in memory for tests and single-process setups.
type MemorySink struct {
	mu     sync.Mutex
	events []domain.Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Publish(_ context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (s *MemorySink) Events() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

// LogSink writes events to the structured log; used when no broker is
// configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs each event at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, ev domain.Event) error {
	s.logger.Info("Job state transition",
		slog.String("job_id", ev.JobID),
		slog.String("from", string(ev.From)),
		slog.String("to", string(ev.To)),
		slog.Time("at", ev.At),
		slog.String("detail", ev.Detail),
	)
	return nil
}
