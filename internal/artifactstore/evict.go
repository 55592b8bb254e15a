package artifactstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Evictable decides whether a job's artifacts may be destroyed; the caller
// supplies it so artifacts of jobs still in a non-terminal state stay
// pinned.
type Evictable func(jobID string) bool

type evictionCandidate struct {
	path     string
	jobID    string
	size     int64
	lastRead time.Time
}

// Evict removes least-recently-read artifacts until the store is within its
// byte budget, skipping pinned jobs and anything younger than the retention
// floor. Returns the number of bytes freed.
func (s *Store) Evict(ctx context.Context, evictable Evictable) (int64, error) {
	if s.cfg.MaxBytes <= 0 {
		return 0, nil
	}

	var candidates []evictionCandidate
	var totalBytes int64
	now := time.Now()

	err := filepath.Walk(s.cfg.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || strings.HasSuffix(path, ".partial") {
			return err
		}
		totalBytes += info.Size()

		rel, relErr := filepath.Rel(s.cfg.Root, path)
		if relErr != nil {
			return relErr
		}
		jobID := strings.SplitN(rel, string(os.PathSeparator), 2)[0]

		s.mu.Lock()
		last, seen := s.lastRead[path]
		s.mu.Unlock()
		if !seen {
			last = info.ModTime()
		}

		if now.Sub(info.ModTime()) < s.cfg.RetentionFloor {
			return nil
		}
		if evictable != nil && !evictable(jobID) {
			return nil
		}

		candidates = append(candidates, evictionCandidate{
			path:     path,
			jobID:    jobID,
			size:     info.Size(),
			lastRead: last,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}

	if totalBytes <= s.cfg.MaxBytes {
		return 0, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastRead.Before(candidates[j].lastRead)
	})

	var freed int64
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		if totalBytes-freed <= s.cfg.MaxBytes {
			break
		}
		if err := os.Remove(c.path); err != nil {
			s.logger.Warn("Failed to evict artifact",
				slog.String("path", c.path),
				slog.Any("error", err),
			)
			continue
		}

		s.mu.Lock()
		delete(s.lastRead, c.path)
		s.mu.Unlock()

		freed += c.size
		s.logger.Info("Artifact evicted",
			slog.String("job_id", c.jobID),
			slog.String("path", c.path),
			slog.Int64("size", c.size),
		)
	}
	return freed, nil
}

// EvictLoop runs Evict on the given interval until ctx is done.
func (s *Store) EvictLoop(ctx context.Context, interval time.Duration, evictable Evictable) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Evict(ctx, evictable); err != nil {
				s.logger.Error("Eviction pass failed", slog.Any("error", err))
			}
		}
	}
}
