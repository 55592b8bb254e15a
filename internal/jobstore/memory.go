package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aseltyar/video-downloader/internal/domain"
	"github.com/aseltyar/video-downloader/internal/events"
	"github.com/google/uuid"
)

// MemoryStore is the in-process Store implementation. One mutex serializes
// all mutations, which keeps per-job updates atomic with respect to
// readers.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
	sink events.Sink
}

// NewMemoryStore creates an empty store emitting events to sink.
func NewMemoryStore(sink events.Sink) *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*domain.Job),
		sink: sink,
	}
}

func (s *MemoryStore) Create(ctx context.Context, sourceRef string, profiles []domain.Profile) (*domain.Job, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("%w: at least one output profile is required", domain.ErrInvalidRequest)
	}
	if sourceRef == "" {
		return nil, fmt.Errorf("%w: source reference is required", domain.ErrInvalidRequest)
	}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	job := &domain.Job{
		ID:        uuid.New().String(),
		SourceRef: sourceRef,
		Profiles:  append([]domain.Profile(nil), profiles...),
		State:     domain.StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, p := range profiles {
		job.Renditions = append(job.Renditions, domain.Rendition{
			Profile: p,
			State:   domain.RenditionPending,
		})
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	snapshot := job.Clone()
	s.mu.Unlock()

	// Creation is announced as an event with an empty From state so the
	// notification layer sees the full lifecycle from Queued onward.
	s.emit(ctx, domain.Event{
		JobID: job.ID,
		To:    domain.StateQueued,
		At:    now,
	})

	return snapshot, nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Job
	for _, job := range s.jobs {
		if filter.State != "" && job.State != filter.State {
			continue
		}
		out = append(out, job.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) TransitionTo(ctx context.Context, jobID string, to domain.JobState, detail string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}

	from := job.State
	if !domain.CanTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	now := time.Now()
	job.State = to
	job.UpdatedAt = now
	switch to {
	case domain.StateFailed, domain.StateCancelled:
		job.Detail = detail
	case domain.StateDone:
		job.Progress = 1.0
	}
	s.mu.Unlock()

	s.emit(ctx, domain.Event{
		JobID:  jobID,
		From:   from,
		To:     to,
		At:     now,
		Detail: detail,
	})

	return nil
}

func (s *MemoryStore) SetRenditionState(_ context.Context, jobID string, profile domain.Profile, state domain.RenditionState, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}

	r := job.Rendition(profile)
	if r == nil {
		return fmt.Errorf("rendition %s of job %s: %w", profile.Key(), jobID, domain.ErrNotFound)
	}

	if state == domain.RenditionEncoding {
		r.Attempts++
	}
	r.State = state
	r.Detail = detail
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AppendArtifact(_ context.Context, jobID string, artifact domain.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}

	job.Artifacts = append(job.Artifacts, artifact)
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SetProgress(_ context.Context, jobID string, fraction float64, fetched, total int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}

	if fraction > job.Progress {
		job.Progress = fraction
	}
	if fetched > 0 || total > 0 {
		job.BytesFetched = fetched
		job.BytesTotal = total
	}
	return nil
}

func (s *MemoryStore) emit(ctx context.Context, ev domain.Event) {
	if s.sink == nil {
		return
	}
	// Event delivery is best effort; a broker hiccup must not fail the
	// transition that already happened.
	_ = s.sink.Publish(ctx, ev)
}
