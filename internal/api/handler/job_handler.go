package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aseltyar/video-downloader/internal/api/dto"
	"github.com/aseltyar/video-downloader/internal/domain"
	"github.com/aseltyar/video-downloader/internal/jobstore"
	"github.com/aseltyar/video-downloader/internal/resolver"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateJob handles POST /api/v1/jobs
// Creates a new acquisition job and hands it to the pipeline
func (h *JobHandler) CreateJob(c *gin.Context) {
	h.logger.Info("CreateJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if !resolver.ValidURL(req.SourceURL) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "source_url must be an http or https URL",
		})
		return
	}

	profiles, err := requestedProfiles(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	job, err := h.store.Create(c.Request.Context(), req.SourceURL, profiles)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	if err := h.enqueuer.Enqueue(c.Request.Context(), job.ID); err != nil {
		h.logger.Error("Failed to enqueue job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  "Job created but could not be enqueued",
			"job_id": job.ID,
		})
		return
	}

	c.JSON(http.StatusCreated, toStatusDTO(job))
}

// requestedProfiles resolves the request's target renditions. Explicit
// profiles win over bare formats; an empty request gets the stock set.
func requestedProfiles(req dto.CreateJobRequest) ([]domain.Profile, error) {
	if len(req.Profiles) > 0 {
		profiles := make([]domain.Profile, 0, len(req.Profiles))
		for _, p := range req.Profiles {
			profiles = append(profiles, p.ToProfile())
		}
		return profiles, nil
	}
	if len(req.Formats) > 0 {
		profiles := make([]domain.Profile, 0, len(req.Formats))
		for _, format := range req.Formats {
			p, ok := domain.DefaultProfileFor(format)
			if !ok {
				return nil, fmt.Errorf("unsupported format %q", format)
			}
			profiles = append(profiles, p)
		}
		return profiles, nil
	}
	return domain.DefaultProfiles(), nil
}

// GetJobStatus handles GET /api/v1/jobs/:job_id
// Retrieves the job's state, progress and published artifacts
func (h *JobHandler) GetJobStatus(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "Failed to get job")
		return
	}

	c.JSON(http.StatusOK, toStatusDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional state filtering
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Limit <= 0 {
		req.Limit = 20
	}
	if req.Limit > 100 {
		req.Limit = 100
	}

	filter := jobstore.Filter{Limit: req.Limit}
	if req.State != "" {
		state := domain.JobState(req.State)
		if !state.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("unknown state %q", req.State),
			})
			return
		}
		filter.State = state
	}

	jobs, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobStatusDTO, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = toStatusDTO(job)
	}
	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Aborts a queued or running job
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")

	h.logger.Info("CancelJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", jobID),
	)

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	if err := h.canceller.Cancel(c.Request.Context(), jobID); err != nil {
		h.respondError(c, err, "Failed to cancel job")
		return
	}

	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "Failed to get job")
		return
	}
	c.JSON(http.StatusOK, toStatusDTO(job))
}

// StreamArtifact handles GET /api/v1/jobs/:job_id/artifacts/:profile_key
// Streams a published artifact; only Done and PartiallyDone jobs serve files
func (h *JobHandler) StreamArtifact(c *gin.Context) {
	jobID := c.Param("job_id")
	profileKey := c.Param("profile_key")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "Failed to get job")
		return
	}

	if job.State != domain.StateDone && job.State != domain.StatePartiallyDone {
		c.JSON(http.StatusConflict, gin.H{
			"error": fmt.Sprintf("job is %s, artifacts are not available", job.State),
		})
		return
	}

	var artifact *domain.Artifact
	for i := range job.Artifacts {
		if job.Artifacts[i].Profile.Key() == profileKey {
			artifact = &job.Artifacts[i]
			break
		}
	}
	if artifact == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("no artifact for profile %q", profileKey),
		})
		return
	}

	f, err := h.artifacts.Open(*artifact)
	if err != nil {
		h.respondError(c, err, "Failed to open artifact")
		return
	}
	defer f.Close()

	c.Header("Content-Type", contentTypeFor(artifact.Profile.Format))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifactFilename(*artifact)))
	http.ServeContent(c.Writer, c.Request, artifactFilename(*artifact), artifact.CreatedAt, f)
}

func artifactFilename(a domain.Artifact) string {
	return a.Profile.Key() + "." + a.Profile.Format
}

func contentTypeFor(format string) string {
	switch format {
	case "mp4":
		return "video/mp4"
	case "mp3":
		return "audio/mpeg"
	}
	return "application/octet-stream"
}

// respondError maps domain errors onto HTTP statuses.
func (h *JobHandler) respondError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error(fallback, slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

func toStatusDTO(job *domain.Job) dto.JobStatusDTO {
	out := dto.JobStatusDTO{
		JobID:       job.ID,
		SourceURL:   job.SourceRef,
		State:       string(job.State),
		Progress:    job.Progress,
		ErrorDetail: job.Detail,
		Renditions:  make([]dto.RenditionDTO, len(job.Renditions)),
		Artifacts:   make([]dto.ArtifactDTO, len(job.Artifacts)),
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   job.UpdatedAt.Format(time.RFC3339),
	}
	for i, r := range job.Renditions {
		out.Renditions[i] = dto.RenditionDTO{
			Profile:  dto.FromProfile(r.Profile),
			State:    string(r.State),
			Attempts: r.Attempts,
			Detail:   r.Detail,
		}
	}
	for i, a := range job.Artifacts {
		out.Artifacts[i] = dto.ArtifactDTO{
			Profile:   dto.FromProfile(a.Profile),
			SizeBytes: a.Size,
			Checksum:  a.Checksum,
			URL:       fmt.Sprintf("/api/v1/jobs/%s/artifacts/%s", job.ID, a.Profile.Key()),
		}
	}
	return out
}
