package handler

import (
	"context"
	"io"
	"log/slog"

	"github.com/aseltyar/video-downloader/internal/domain"
	"github.com/aseltyar/video-downloader/internal/jobstore"
)

// Enqueuer hands a freshly created job to the pipeline. Satisfied by the
// in-process scheduler or by the AMQP publisher when the worker runs
// as a separate service.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Canceller aborts a job that is queued or in flight.
type Canceller interface {
	Cancel(ctx context.Context, jobID string) error
}

// ArtifactReader opens a published artifact for streaming.
type ArtifactReader interface {
	Open(artifact domain.Artifact) (io.ReadSeekCloser, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Store     jobstore.Store
	Enqueuer  Enqueuer
	Canceller Canceller
	Artifacts ArtifactReader
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	store     jobstore.Store
	enqueuer  Enqueuer
	canceller Canceller
	artifacts ArtifactReader
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		enqueuer:  deps.Enqueuer,
		canceller: deps.Canceller,
		artifacts: deps.Artifacts,
	}
}
