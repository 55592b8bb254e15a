package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aseltyar/video-downloader/internal/domain"
	"github.com/aseltyar/video-downloader/internal/events"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresStore is the durable Store implementation backed by the schema in
// migrations/. Transition atomicity relies on a status-guarded UPDATE, so
// two workers racing the same transition see exactly one winner.
type PostgresStore struct {
	db   *sqlx.DB
	sink events.Sink
}

// NewPostgresStore wraps an open sqlx handle.
func NewPostgresStore(db *sqlx.DB, sink events.Sink) *PostgresStore {
	return &PostgresStore{db: db, sink: sink}
}

type jobRow struct {
	JobID        string    `db:"job_id"`
	SourceRef    string    `db:"source_ref"`
	State        string    `db:"state"`
	Detail       string    `db:"detail"`
	Progress     float64   `db:"progress"`
	BytesFetched int64     `db:"bytes_fetched"`
	BytesTotal   int64     `db:"bytes_total"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

type renditionRow struct {
	JobID       string `db:"job_id"`
	Format      string `db:"format"`
	Height      int    `db:"height"`
	BitrateKbps int    `db:"bitrate_kbps"`
	State       string `db:"state"`
	Attempts    int    `db:"attempts"`
	Detail      string `db:"detail"`
}

type artifactRow struct {
	ArtifactID  string    `db:"artifact_id"`
	JobID       string    `db:"job_id"`
	Format      string    `db:"format"`
	Height      int       `db:"height"`
	BitrateKbps int       `db:"bitrate_kbps"`
	Path        string    `db:"path"`
	Size        int64     `db:"size_bytes"`
	Checksum    string    `db:"checksum"`
	CreatedAt   time.Time `db:"created_at"`
}

func (s *PostgresStore) Create(ctx context.Context, sourceRef string, profiles []domain.Profile) (*domain.Job, error) {
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
	jobID := uuid.New().String()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (job_id, source_ref, state, detail, progress, bytes_fetched, bytes_total, created_at, updated_at)
		VALUES ($1, $2, $3, '', 0, 0, 0, $4, $4)
	`, jobID, sourceRef, domain.StateQueued, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	for _, p := range profiles {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO renditions (job_id, format, height, bitrate_kbps, state, attempts, detail)
			VALUES ($1, $2, $3, $4, $5, 0, '')
		`, jobID, p.Format, p.Height, p.BitrateKbps, domain.RenditionPending)
		if err != nil {
			return nil, fmt.Errorf("failed to insert rendition: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job creation: %w", err)
	}

	s.emit(ctx, domain.Event{JobID: jobID, To: domain.StateQueued, At: now})

	return s.Get(ctx, jobID)
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `
		SELECT job_id, source_ref, state, detail, progress, bytes_fetched, bytes_total, created_at, updated_at
		FROM jobs
		WHERE job_id = $1
	`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job := rowToJob(row)

	var rends []renditionRow
	err = s.db.SelectContext(ctx, &rends, `
		SELECT job_id, format, height, bitrate_kbps, state, attempts, detail
		FROM renditions
		WHERE job_id = $1
		ORDER BY format, height, bitrate_kbps
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get renditions: %w", err)
	}
	for _, r := range rends {
		p := domain.Profile{Format: r.Format, Height: r.Height, BitrateKbps: r.BitrateKbps}
		job.Profiles = append(job.Profiles, p)
		job.Renditions = append(job.Renditions, domain.Rendition{
			Profile:  p,
			State:    domain.RenditionState(r.State),
			Attempts: r.Attempts,
			Detail:   r.Detail,
		})
	}

	var arts []artifactRow
	err = s.db.SelectContext(ctx, &arts, `
		SELECT artifact_id, job_id, format, height, bitrate_kbps, path, size_bytes, checksum, created_at
		FROM artifacts
		WHERE job_id = $1
		ORDER BY created_at
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get artifacts: %w", err)
	}
	for _, a := range arts {
		job.Artifacts = append(job.Artifacts, domain.Artifact{
			ID:        a.ArtifactID,
			JobID:     a.JobID,
			Profile:   domain.Profile{Format: a.Format, Height: a.Height, BitrateKbps: a.BitrateKbps},
			Path:      a.Path,
			Size:      a.Size,
			Checksum:  a.Checksum,
			CreatedAt: a.CreatedAt,
		})
	}

	return job, nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*domain.Job, error) {
	query := `
		SELECT job_id, source_ref, state, detail, progress, bytes_fetched, bytes_total, created_at, updated_at
		FROM jobs
	`
	args := []interface{}{}
	if filter.State != "" {
		query += " WHERE state = $1"
		args = append(args, filter.State)
	}
	query += " ORDER BY created_at DESC, job_id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	out := make([]*domain.Job, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToJob(row))
	}
	return out, nil
}

func (s *PostgresStore) TransitionTo(ctx context.Context, jobID string, to domain.JobState, detail string) error {
	var from string
	err := s.db.GetContext(ctx, &from, `SELECT state FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
		}
		return fmt.Errorf("failed to read job state: %w", err)
	}

	if !domain.CanTransition(domain.JobState(from), to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	now := time.Now()
	recordDetail := ""
	if to == domain.StateFailed || to == domain.StateCancelled {
		recordDetail = detail
	}

	// Guarded by the observed state so a concurrent transition loses
	// cleanly instead of overwriting.
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = $1,
		    detail = $2,
		    progress = CASE WHEN $1 = 'DONE' THEN 1.0 ELSE progress END,
		    updated_at = $3
		WHERE job_id = $4 AND state = $5
	`, to, recordDetail, now, jobID, from)
	if err != nil {
		return fmt.Errorf("failed to transition job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check transition result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: job %s moved concurrently from %s", domain.ErrInvalidTransition, jobID, from)
	}

	s.emit(ctx, domain.Event{
		JobID:  jobID,
		From:   domain.JobState(from),
		To:     to,
		At:     now,
		Detail: detail,
	})

	return nil
}

func (s *PostgresStore) SetRenditionState(ctx context.Context, jobID string, profile domain.Profile, state domain.RenditionState, detail string) error {
	attemptBump := 0
	if state == domain.RenditionEncoding {
		attemptBump = 1
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE renditions
		SET state = $1, detail = $2, attempts = attempts + $3
		WHERE job_id = $4 AND format = $5 AND height = $6 AND bitrate_kbps = $7
	`, state, detail, attemptBump, jobID, profile.Format, profile.Height, profile.BitrateKbps)
	if err != nil {
		return fmt.Errorf("failed to update rendition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rendition update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("rendition %s of job %s: %w", profile.Key(), jobID, domain.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AppendArtifact(ctx context.Context, jobID string, artifact domain.Artifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (artifact_id, job_id, format, height, bitrate_kbps, path, size_bytes, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, artifact.ID, jobID, artifact.Profile.Format, artifact.Profile.Height, artifact.Profile.BitrateKbps,
		artifact.Path, artifact.Size, artifact.Checksum, artifact.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetProgress(ctx context.Context, jobID string, fraction float64, fetched, total int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET progress      = GREATEST(progress, $1),
		    bytes_fetched = CASE WHEN $2 > 0 OR $3 > 0 THEN $2 ELSE bytes_fetched END,
		    bytes_total   = CASE WHEN $2 > 0 OR $3 > 0 THEN $3 ELSE bytes_total END
		WHERE job_id = $4
	`, fraction, fetched, total, jobID)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) emit(ctx context.Context, ev domain.Event) {
	if s.sink == nil {
		return
	}
	_ = s.sink.Publish(ctx, ev)
}

func rowToJob(row jobRow) *domain.Job {
	return &domain.Job{
		ID:           row.JobID,
		SourceRef:    row.SourceRef,
		State:        domain.JobState(row.State),
		Detail:       row.Detail,
		Progress:     row.Progress,
		BytesFetched: row.BytesFetched,
		BytesTotal:   row.BytesTotal,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}
