package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aseltyar/video-downloader/internal/domain"
	"github.com/aseltyar/video-downloader/internal/resolver"
)

// Stage weights for the job progress fraction: resolution is a sliver,
// fetching and transcoding split the rest.
const (
	progressResolved   = 0.05
	progressFetched    = 0.50
	fetchProgressSpan  = progressFetched - progressResolved
	encodeProgressSpan = 1.0 - progressFetched
)

// runJob drives one job through resolve, fetch and transcode. Cancellation
// is observed at every stage boundary; the store transition itself runs on
// a detached context so a cancelled job still lands in a terminal state.
func (s *Scheduler) runJob(ctx context.Context, job *domain.Job) {
	logger := s.logger.With(slog.String("job_id", job.ID))
	scratchDir := filepath.Join(s.cfg.ScratchDir, job.ID)
	defer os.RemoveAll(scratchDir)

	// Admission: a fetch slot gates entry into Resolving.
	if err := s.acquireSlot(ctx, s.fetchSlots); err != nil {
		s.finishCancelled(ctx, job.ID, logger)
		return
	}

	srcPath, ok := s.runFetchPhase(ctx, job, scratchDir, logger)
	s.releaseSlot(s.fetchSlots)
	if !ok {
		return
	}

	if err := s.transition(ctx, job.ID, domain.StateTranscoding, ""); err != nil {
		s.abandon(job.ID, err, logger)
		return
	}

	s.runTranscodePhase(ctx, job, srcPath, scratchDir, logger)
}

// runFetchPhase holds the fetch slot through resolution and transfer,
// returning the scratch path of the fetched source.
func (s *Scheduler) runFetchPhase(ctx context.Context, job *domain.Job, scratchDir string, logger *slog.Logger) (string, bool) {
	if err := s.transition(ctx, job.ID, domain.StateResolving, ""); err != nil {
		// Typically a cancellation that won the race; nothing to run.
		logger.Warn("Job not admitted", slog.Any("error", err))
		return "", false
	}

	candidates, err := s.resolver.Resolve(ctx, job.SourceRef)
	if ctx.Err() != nil {
		s.finishCancelled(ctx, job.ID, logger)
		return "", false
	}
	if err != nil {
		s.finishFailed(ctx, job.ID, fmt.Sprintf("resolution failed: %v", err), logger)
		return "", false
	}
	if len(candidates) == 0 {
		s.finishFailed(ctx, job.ID, "resolution returned no candidate streams", logger)
		return "", false
	}

	s.progress(ctx, job.ID, progressResolved, 0, 0)

	if err := s.transition(ctx, job.ID, domain.StateFetching, ""); err != nil {
		s.abandon(job.ID, err, logger)
		return "", false
	}

	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		s.finishFailed(ctx, job.ID, fmt.Sprintf("scratch dir: %v", err), logger)
		return "", false
	}
	srcPath := filepath.Join(scratchDir, "source")

	fetchErr := s.fetchCandidates(ctx, job, candidates, srcPath)
	if ctx.Err() != nil {
		s.finishCancelled(ctx, job.ID, logger)
		return "", false
	}
	if fetchErr != nil {
		s.finishFailed(ctx, job.ID, fmt.Sprintf("fetch failed: %v", fetchErr), logger)
		return "", false
	}

	s.progress(ctx, job.ID, progressFetched, 0, 0)
	return srcPath, true
}

// fetchCandidates tries candidate streams in resolver order until one
// completes. A size-limit rejection is final: a source too large through
// one URL is not worth probing through another.
func (s *Scheduler) fetchCandidates(ctx context.Context, job *domain.Job, candidates []resolver.Candidate, srcPath string) error {
	var lastErr error
	for _, cand := range candidates {
		onProgress := func(written, total int64) {
			fraction := progressResolved
			if total > 0 {
				fraction += fetchProgressSpan * float64(written) / float64(total)
			}
			s.progress(ctx, job.ID, fraction, written, total)
		}

		_, err := s.fetcher.Fetch(ctx, cand, srcPath, onProgress)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, domain.ErrSizeLimitExceeded) || ctx.Err() != nil {
			return err
		}
		s.logger.Warn("Candidate fetch failed, trying next",
			slog.String("job_id", job.ID),
			slog.String("url", cand.URL),
			slog.Any("error", err),
		)
	}
	return lastErr
}

// runTranscodePhase encodes each requested rendition in turn. Renditions
// fail independently so one bad profile cannot sink its siblings.
func (s *Scheduler) runTranscodePhase(ctx context.Context, job *domain.Job, srcPath, scratchDir string, logger *slog.Logger) {
	var done, failed int
	var firstFailure string

	for i, rendition := range job.Renditions {
		if ctx.Err() != nil {
			s.finishCancelled(ctx, job.ID, logger)
			return
		}

		profile := rendition.Profile
		if err := s.setRendition(ctx, job.ID, profile, domain.RenditionEncoding, ""); err != nil {
			logger.Error("Failed to mark rendition encoding", slog.Any("error", err))
		}

		err := s.encodeRendition(ctx, job.ID, srcPath, scratchDir, profile)
		if ctx.Err() != nil {
			s.finishCancelled(ctx, job.ID, logger)
			return
		}

		if err != nil {
			failed++
			if firstFailure == "" {
				firstFailure = fmt.Sprintf("%s: %v", profile.Key(), err)
			}
			if setErr := s.setRendition(ctx, job.ID, profile, domain.RenditionFailed, err.Error()); setErr != nil {
				logger.Error("Failed to mark rendition failed", slog.Any("error", setErr))
			}
			logger.Warn("Rendition failed",
				slog.String("profile", profile.Key()),
				slog.Any("error", err),
			)
		} else {
			done++
			if setErr := s.setRendition(ctx, job.ID, profile, domain.RenditionDone, ""); setErr != nil {
				logger.Error("Failed to mark rendition done", slog.Any("error", setErr))
			}
		}

		completed := float64(i+1) / float64(len(job.Renditions))
		s.progress(ctx, job.ID, progressFetched+encodeProgressSpan*completed, 0, 0)
	}

	switch {
	case failed == 0:
		if err := s.transition(ctx, job.ID, domain.StateDone, ""); err != nil {
			s.abandon(job.ID, err, logger)
			return
		}
		logger.Info("Job completed", slog.Int("renditions", done))
	case done == 0:
		s.finishFailed(ctx, job.ID, firstFailure, logger)
	default:
		if err := s.transition(ctx, job.ID, domain.StatePartiallyDone, firstFailure); err != nil {
			s.abandon(job.ID, err, logger)
			return
		}
		logger.Warn("Job partially completed",
			slog.Int("done", done),
			slog.Int("failed", failed),
		)
	}
}

// encodeRendition runs one rendition under a transcode slot and
// publishes the verified output to the artifact store.
func (s *Scheduler) encodeRendition(ctx context.Context, jobID, srcPath, scratchDir string, profile domain.Profile) error {
	if err := s.acquireSlot(ctx, s.transcodeSlots); err != nil {
		return err
	}
	defer s.releaseSlot(s.transcodeSlots)

	outPath, err := s.transcoder.Transcode(ctx, srcPath, profile, scratchDir)
	if err != nil {
		return err
	}

	out, err := os.Open(outPath)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	defer out.Close()
	defer os.Remove(outPath)

	artifact, err := s.artifacts.Write(ctx, jobID, profile, out)
	if err != nil {
		return err
	}

	if err := s.store.AppendArtifact(context.WithoutCancel(ctx), jobID, artifact); err != nil {
		return fmt.Errorf("failed to record artifact: %w", err)
	}
	return nil
}

// finishFailed moves the job to Failed with a human-readable detail.
func (s *Scheduler) finishFailed(ctx context.Context, jobID, detail string, logger *slog.Logger) {
	if detail == "" {
		detail = "job failed"
	}
	if err := s.transition(ctx, jobID, domain.StateFailed, detail); err != nil {
		s.abandon(jobID, err, logger)
		return
	}
	logger.Warn("Job failed", slog.String("detail", detail))
}

// abandon stops work on a job whose guarded transition was refused, which
// happens when an operator cancelled it through the store while it was
// running. Outputs produced up to that point are orphaned and discarded.
func (s *Scheduler) abandon(jobID string, err error, logger *slog.Logger) {
	if !errors.Is(err, domain.ErrInvalidTransition) {
		logger.Error("Job transition failed", slog.Any("error", err))
		return
	}
	logger.Warn("Job withdrawn externally, abandoning")
	if derr := s.artifacts.DiscardJob(jobID); derr != nil {
		logger.Error("Failed to discard abandoned outputs", slog.Any("error", derr))
	}
}

// finishCancelled lands the job in Cancelled and discards partial outputs.
func (s *Scheduler) finishCancelled(ctx context.Context, jobID string, logger *slog.Logger) {
	if err := s.transition(ctx, jobID, domain.StateCancelled, "cancelled"); err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			logger.Error("Failed to mark job cancelled", slog.Any("error", err))
		}
		return
	}
	if err := s.artifacts.DiscardJob(jobID); err != nil {
		logger.Error("Failed to discard partial artifacts", slog.Any("error", err))
	}
	logger.Info("Job cancelled")
}

// transition wraps TransitionTo with a context that survives job
// cancellation, so terminal bookkeeping always reaches the store.
func (s *Scheduler) transition(ctx context.Context, jobID string, to domain.JobState, detail string) error {
	return s.store.TransitionTo(context.WithoutCancel(ctx), jobID, to, detail)
}

func (s *Scheduler) setRendition(ctx context.Context, jobID string, profile domain.Profile, state domain.RenditionState, detail string) error {
	return s.store.SetRenditionState(context.WithoutCancel(ctx), jobID, profile, state, detail)
}

func (s *Scheduler) progress(ctx context.Context, jobID string, fraction float64, written, total int64) {
	if err := s.store.SetProgress(context.WithoutCancel(ctx), jobID, fraction, written, total); err != nil {
		s.logger.Debug("Failed to record progress",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}
