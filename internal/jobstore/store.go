package jobstore

import (
	"context"

	"github.com/aseltyar/video-downloader/internal/domain"
)

// Store is the single source of truth for job lifecycle. All mutations are
// atomic per job; every successful transition emits a lifecycle event.
// Implementations return deep snapshots, never live internal state.
type Store interface {
	// Create registers a new job in the Queued state. A job with zero
	// profiles is rejected with domain.ErrInvalidRequest.
	Create(ctx context.Context, sourceRef string, profiles []domain.Profile) (*domain.Job, error)

	// Get returns a snapshot of the job, or domain.ErrNotFound.
	Get(ctx context.Context, jobID string) (*domain.Job, error)

	// List returns snapshots of jobs matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*domain.Job, error)

	// TransitionTo moves the job to a new state. Fails with
	// domain.ErrInvalidTransition if the target is not reachable from the
	// current state, domain.ErrNotFound if the job is unknown. Detail is
	// recorded on the job for Failed and Cancelled targets.
	TransitionTo(ctx context.Context, jobID string, to domain.JobState, detail string) error

	// SetRenditionState updates one rendition's sub-state. Entering
	// Encoding increments the rendition's attempt counter.
	SetRenditionState(ctx context.Context, jobID string, profile domain.Profile, state domain.RenditionState, detail string) error

	// AppendArtifact attaches a finished artifact reference to the job.
	AppendArtifact(ctx context.Context, jobID string, artifact domain.Artifact) error

	// SetProgress records the job's progress fraction and byte counters.
	// The fraction never moves backwards, and a call with zero byte counts
	// leaves the recorded counters alone so stage ticks after fetching do
	// not erase them.
	SetProgress(ctx context.Context, jobID string, fraction float64, fetched, total int64) error
}

// Filter narrows List results.
type Filter struct {
	State domain.JobState
	Limit int
}
