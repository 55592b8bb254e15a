// Package scheduler bounds concurrent fetch and transcode work, admits
// queued jobs in FIFO order and drives each admitted job through its
// pipeline stages.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aseltyar/video-downloader/internal/domain"
	"github.com/aseltyar/video-downloader/internal/fetcher"
	"github.com/aseltyar/video-downloader/internal/jobstore"
	"github.com/aseltyar/video-downloader/internal/resolver"
	"github.com/google/uuid"
)

// Fetcher pulls one candidate stream to local scratch.
type Fetcher interface {
	Fetch(ctx context.Context, cand resolver.Candidate, destPath string, onProgress fetcher.Progress) (fetcher.Result, error)
}

// Transcoder produces one rendition from a fetched source file.
type Transcoder interface {
	Transcode(ctx context.Context, srcPath string, profile domain.Profile, outDir string) (string, error)
}

// ArtifactWriter publishes finished renditions and discards a cancelled
// job's partial outputs.
type ArtifactWriter interface {
	Write(ctx context.Context, jobID string, profile domain.Profile, r io.Reader) (domain.Artifact, error)
	DiscardJob(jobID string) error
}

// Comparator orders the pending queue; admission falls back to
// first-in-first-out when nil or when it reports neither job smaller.
type Comparator func(a, b *domain.Job) bool

// SmallestFirst prefers jobs with fewer requested renditions, a cheap proxy
// for expected work.
func SmallestFirst(a, b *domain.Job) bool {
	return len(a.Profiles) < len(b.Profiles)
}

// Config sizes the scheduler.
type Config struct {
	Workers        int        // worker units pulling admitted jobs
	FetchSlots     int        // network-bound concurrency limit
	TranscodeSlots int        // CPU-bound concurrency limit
	QueueCapacity  int        // pending jobs before Submit rejects
	ScratchDir     string     // per-job scratch space
	Priority       Comparator // optional admission override
}

// Scheduler owns the worker pool and the two slot classes.
type Scheduler struct {
	cfg        Config
	store      jobstore.Store
	resolver   resolver.SourceResolver
	fetcher    Fetcher
	transcoder Transcoder
	artifacts  ArtifactWriter
	logger     *slog.Logger

	fetchSlots     chan struct{}
	transcodeSlots chan struct{}

	mu       sync.Mutex
	pending  []*domain.Job
	cancels  map[string]context.CancelFunc
	draining bool
	cond     *sync.Cond

	workerID string
	wg       sync.WaitGroup
}

// New wires a scheduler; Start must be called before Submit.
func New(cfg Config, store jobstore.Store, res resolver.SourceResolver, f Fetcher, tr Transcoder, artifacts ArtifactWriter, logger *slog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = cfg.FetchSlots + cfg.TranscodeSlots
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.FetchSlots <= 0 {
		cfg.FetchSlots = 1
	}
	if cfg.TranscodeSlots <= 0 {
		cfg.TranscodeSlots = 1
	}

	s := &Scheduler{
		cfg:            cfg,
		store:          store,
		resolver:       res,
		fetcher:        f,
		transcoder:     tr,
		artifacts:      artifacts,
		logger:         logger,
		fetchSlots:     make(chan struct{}, cfg.FetchSlots),
		transcodeSlots: make(chan struct{}, cfg.TranscodeSlots),
		cancels:        make(map[string]context.CancelFunc),
		workerID:       uuid.New().String()[:8],
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start spawns the worker pool.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting scheduler",
		slog.Int("workers", s.cfg.Workers),
		slog.Int("fetch_slots", s.cfg.FetchSlots),
		slog.Int("transcode_slots", s.cfg.TranscodeSlots),
		slog.String("worker_id", s.workerID),
	)

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx, i)
	}
}

// Submit admits a queued job for execution. Fails when the scheduler is
// shutting down or the pending queue is full.
func (s *Scheduler) Submit(ctx context.Context, jobID string) error {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State != domain.StateQueued {
		return fmt.Errorf("%w: job %s is %s, not %s", domain.ErrInvalidTransition, jobID, job.State, domain.StateQueued)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draining {
		return fmt.Errorf("scheduler is shutting down")
	}
	if s.cfg.QueueCapacity > 0 && len(s.pending) >= s.cfg.QueueCapacity {
		return fmt.Errorf("pending queue is full (%d jobs)", len(s.pending))
	}

	s.pending = append(s.pending, job)
	s.cond.Signal()
	return nil
}

// Enqueue lets the scheduler stand in where a broker publisher would; the
// API handler only needs something that accepts a job id.
func (s *Scheduler) Enqueue(ctx context.Context, jobID string) error {
	return s.Submit(ctx, jobID)
}

// Cancel aborts a job. A still-pending job is removed from the queue and
// transitioned directly; a running job has its context cancelled and the
// worker performs the transition at the next suspension point.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	for i, job := range s.pending {
		if job.ID == jobID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.mu.Unlock()
			return s.store.TransitionTo(ctx, jobID, domain.StateCancelled, "cancelled before admission")
		}
	}
	cancel, running := s.cancels[jobID]
	s.mu.Unlock()

	if running {
		cancel()
		return nil
	}

	// Not known to the scheduler: reject terminal jobs, cancel queued ones
	// that never reached Submit.
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return fmt.Errorf("%w: job %s already %s", domain.ErrInvalidTransition, jobID, job.State)
	}
	return s.store.TransitionTo(ctx, jobID, domain.StateCancelled, "cancelled")
}

// Shutdown stops admitting work, waits up to timeout for in-flight jobs to
// finish, then force-cancels the remainder. A job already past admission
// keeps running inside the window, including one still waiting on a slot.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	s.logger.Info("Scheduler shutting down", slog.Duration("timeout", timeout))

	s.mu.Lock()
	s.draining = true
	s.cond.Broadcast()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped gracefully")
	case <-time.After(timeout):
		s.logger.Warn("Shutdown timeout exceeded, force-cancelling in-flight jobs")
		s.mu.Lock()
		for id, cancel := range s.cancels {
			s.logger.Warn("Force-cancelling job", slog.String("job_id", id))
			cancel()
		}
		s.mu.Unlock()
		<-done
	}
}

// workerLoop pulls the next admitted job and runs its pipeline end to end.
func (s *Scheduler) workerLoop(ctx context.Context, workerNum int) {
	defer s.wg.Done()

	workerName := fmt.Sprintf("%s-%d", s.workerID, workerNum)
	s.logger.Debug("Worker started", slog.String("worker", workerName))

	for {
		job, ok := s.nextJob()
		if !ok {
			s.logger.Debug("Worker stopping", slog.String("worker", workerName))
			return
		}

		jobCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancels[job.ID] = cancel
		s.mu.Unlock()

		s.runJob(jobCtx, job)

		s.mu.Lock()
		delete(s.cancels, job.ID)
		s.mu.Unlock()
		cancel()
	}
}

// nextJob blocks until a job is pending or the scheduler drains. The
// comparator, when set, picks the preferred job; ties and nil fall back to
// submission order.
func (s *Scheduler) nextJob() (*domain.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.draining {
			// Jobs not yet started stay Queued; a durable store picks
			// them up again after restart.
			return nil, false
		}
		if len(s.pending) > 0 {
			break
		}
		s.cond.Wait()
	}

	best := 0
	if s.cfg.Priority != nil {
		for i := 1; i < len(s.pending); i++ {
			if s.cfg.Priority(s.pending[i], s.pending[best]) {
				best = i
			}
		}
	}

	job := s.pending[best]
	s.pending = append(s.pending[:best], s.pending[best+1:]...)
	return job, true
}

// acquireSlot takes one token from the given slot class, honoring
// cancellation. Force-cancel during shutdown arrives through the job's
// context, so a drained slot wait ends as a cancellation, never a failure.
func (s *Scheduler) acquireSlot(ctx context.Context, slots chan struct{}) error {
	select {
	case slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) releaseSlot(slots chan struct{}) {
	<-slots
}
