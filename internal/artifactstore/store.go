// Package artifactstore keeps finished renditions on local disk, published
// atomically and evicted least-recently-read under a byte budget.
package artifactstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aseltyar/video-downloader/internal/domain"
	"github.com/google/uuid"
)

// Config bounds the store.
type Config struct {
	Root           string
	MaxBytes       int64         // eviction budget, 0 = unbounded
	RetentionFloor time.Duration // minimum age before anything is evictable
}

// Store is a job-addressed filesystem artifact store. Files land under
// <root>/<job_id>/<profile_key>.<format>.
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	lastRead map[string]time.Time // artifact path -> last stream time
}

// New creates the store, making sure the root directory exists.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("%w: artifact root is required", domain.ErrStorage)
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return &Store{
		cfg:      cfg,
		logger:   logger,
		lastRead: make(map[string]time.Time),
	}, nil
}

// Write streams r into the store and publishes it atomically: bytes go to a
// .partial file first and only a successful rename makes the artifact
// visible, so a reader never observes a half-written file.
func (s *Store) Write(ctx context.Context, jobID string, profile domain.Profile, r io.Reader) (domain.Artifact, error) {
	jobDir := filepath.Join(s.cfg.Root, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	finalPath := filepath.Join(jobDir, profile.Key()+"."+profile.Format)
	partialPath := finalPath + ".partial"

	file, err := os.OpenFile(partialPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(file, hasher), r)
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		os.Remove(partialPath)
		return domain.Artifact{}, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	if err := os.Rename(partialPath, finalPath); err != nil {
		os.Remove(partialPath)
		return domain.Artifact{}, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	artifact := domain.Artifact{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Profile:   profile,
		Path:      finalPath,
		Size:      size,
		Checksum:  hex.EncodeToString(hasher.Sum(nil)),
		CreatedAt: time.Now(),
	}

	s.logger.Debug("Artifact written",
		slog.String("job_id", jobID),
		slog.String("path", finalPath),
		slog.Int64("size", size),
	)
	return artifact, nil
}

// Open returns the artifact's byte stream and records the read for the
// eviction order.
func (s *Store) Open(artifact domain.Artifact) (io.ReadSeekCloser, error) {
	file, err := os.Open(artifact.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact %s: %w", artifact.ID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	s.mu.Lock()
	s.lastRead[artifact.Path] = time.Now()
	s.mu.Unlock()

	return file, nil
}

// DiscardJob removes every artifact belonging to a job, used when a job is
// cancelled with partial outputs on disk.
func (s *Store) DiscardJob(jobID string) error {
	jobDir := filepath.Join(s.cfg.Root, jobID)
	if err := os.RemoveAll(jobDir); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}

	s.mu.Lock()
	prefix := jobDir + string(os.PathSeparator)
	for path := range s.lastRead {
		if len(path) > len(prefix) && path[:len(prefix)] == prefix {
			delete(s.lastRead, path)
		}
	}
	s.mu.Unlock()
	return nil
}
