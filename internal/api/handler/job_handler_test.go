package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/aseltyar/video-downloader/internal/api/dto"
	"github.com/aseltyar/video-downloader/internal/artifactstore"
	"github.com/aseltyar/video-downloader/internal/domain"
	"github.com/aseltyar/video-downloader/internal/events"
	"github.com/aseltyar/video-downloader/internal/jobstore"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubPipeline struct {
	enqueued   []string
	enqueueErr error
	cancelled  []string
	cancelErr  error
}

func (p *stubPipeline) Enqueue(_ context.Context, jobID string) error {
	if p.enqueueErr != nil {
		return p.enqueueErr
	}
	p.enqueued = append(p.enqueued, jobID)
	return nil
}

func (p *stubPipeline) Cancel(_ context.Context, jobID string) error {
	if p.cancelErr != nil {
		return p.cancelErr
	}
	p.cancelled = append(p.cancelled, jobID)
	return nil
}

type fixture struct {
	store     *jobstore.MemoryStore
	pipeline  *stubPipeline
	artifacts *artifactstore.Store
	router    *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := jobstore.NewMemoryStore(events.NewMemorySink())
	arts, err := artifactstore.New(artifactstore.Config{Root: t.TempDir()}, logger)
	require.NoError(t, err)
	pipeline := &stubPipeline{}

	h := NewJobHandler(&Dependencies{
		Logger:    logger,
		Store:     store,
		Enqueuer:  pipeline,
		Canceller: pipeline,
		Artifacts: arts,
	})

	r := gin.New()
	r.POST("/api/v1/jobs", h.CreateJob)
	r.GET("/api/v1/jobs", h.ListJobs)
	r.GET("/api/v1/jobs/:job_id", h.GetJobStatus)
	r.POST("/api/v1/jobs/:job_id/cancel", h.CancelJob)
	r.GET("/api/v1/jobs/:job_id/artifacts/:profile_key", h.StreamArtifact)

	return &fixture{store: store, pipeline: pipeline, artifacts: arts, router: r}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) dto.JobStatusDTO {
	t.Helper()
	var out dto.JobStatusDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCreateJob(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantCode     int
		wantProfiles []string
	}{
		{
			name:         "explicit profiles",
			body:         `{"source_url":"https://example.com/v.mp4","profiles":[{"format":"mp4","height":480}]}`,
			wantCode:     http.StatusCreated,
			wantProfiles: []string{"mp4"},
		},
		{
			name:         "formats shorthand",
			body:         `{"source_url":"https://example.com/v.mp4","formats":["mp3"]}`,
			wantCode:     http.StatusCreated,
			wantProfiles: []string{"mp3"},
		},
		{
			name:         "defaults when nothing requested",
			body:         `{"source_url":"https://example.com/v.mp4"}`,
			wantCode:     http.StatusCreated,
			wantProfiles: []string{"mp4", "mp3"},
		},
		{
			name:     "missing source_url",
			body:     `{"formats":["mp4"]}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "non-http source_url",
			body:     `{"source_url":"ftp://example.com/v.mp4"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "unsupported format",
			body:     `{"source_url":"https://example.com/v.mp4","formats":["wav"]}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "unsupported profile format",
			body:     `{"source_url":"https://example.com/v.mp4","profiles":[{"format":"avi"}]}`,
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := f.do(http.MethodPost, "/api/v1/jobs", tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())

			if tt.wantCode != http.StatusCreated {
				assert.Empty(t, f.pipeline.enqueued)
				return
			}

			resp := decodeStatus(t, w)
			assert.NotEmpty(t, resp.JobID)
			assert.Equal(t, string(domain.StateQueued), resp.State)
			require.Len(t, resp.Renditions, len(tt.wantProfiles))
			for i, format := range tt.wantProfiles {
				assert.Equal(t, format, resp.Renditions[i].Profile.Format)
			}
			assert.Equal(t, []string{resp.JobID}, f.pipeline.enqueued)
		})
	}
}

func TestCreateJobEnqueueFailure(t *testing.T) {
	f := newFixture(t)
	f.pipeline.enqueueErr = fmt.Errorf("broker unavailable")

	w := f.do(http.MethodPost, "/api/v1/jobs", `{"source_url":"https://example.com/v.mp4"}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	// The job record survives so the caller can retry or inspect it.
	jobs, err := f.store.List(context.Background(), jobstore.Filter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestGetJobStatus(t *testing.T) {
	f := newFixture(t)
	job, err := f.store.Create(context.Background(), "https://example.com/v.mp4", domain.DefaultProfiles())
	require.NoError(t, err)

	t.Run("found", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/v1/jobs/"+job.ID, "")
		require.Equal(t, http.StatusOK, w.Code)

		resp := decodeStatus(t, w)
		assert.Equal(t, job.ID, resp.JobID)
		assert.Equal(t, "https://example.com/v.mp4", resp.SourceURL)
		assert.Equal(t, string(domain.StateQueued), resp.State)
		assert.Zero(t, resp.Progress)
		assert.Empty(t, resp.ErrorDetail)
	})

	t.Run("not a uuid", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/v1/jobs/not-a-uuid", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown job", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/v1/jobs/a6e937c1-0c25-4f49-bd22-84ae22fb0762", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestGetJobStatusExposesFailureDetail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.store.Create(ctx, "https://example.com/v.mp4", domain.DefaultProfiles())
	require.NoError(t, err)

	require.NoError(t, f.store.TransitionTo(ctx, job.ID, domain.StateResolving, ""))
	require.NoError(t, f.store.TransitionTo(ctx, job.ID, domain.StateFailed, "source resolution failed: 404"))

	w := f.do(http.MethodGet, "/api/v1/jobs/"+job.ID, "")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeStatus(t, w)
	assert.Equal(t, string(domain.StateFailed), resp.State)
	assert.Equal(t, "source resolution failed: 404", resp.ErrorDetail)
}

func TestListJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.store.Create(ctx, "https://example.com/a.mp4", domain.DefaultProfiles())
	require.NoError(t, err)
	_, err = f.store.Create(ctx, "https://example.com/b.mp4", domain.DefaultProfiles())
	require.NoError(t, err)
	require.NoError(t, f.store.TransitionTo(ctx, a.ID, domain.StateCancelled, "operator request"))

	t.Run("all", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/v1/jobs", "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp dto.ListJobsResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Len(t, resp.Jobs, 2)
	})

	t.Run("filtered by state", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/v1/jobs?state=CANCELLED", "")
		require.Equal(t, http.StatusOK, w.Code)

		var resp dto.ListJobsResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Jobs, 1)
		assert.Equal(t, a.ID, resp.Jobs[0].JobID)
	})

	t.Run("unknown state rejected", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/v1/jobs?state=EXPLODED", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t)
	job, err := f.store.Create(context.Background(), "https://example.com/v.mp4", domain.DefaultProfiles())
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{job.ID}, f.pipeline.cancelled)
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	f := newFixture(t)
	job, err := f.store.Create(context.Background(), "https://example.com/v.mp4", domain.DefaultProfiles())
	require.NoError(t, err)
	f.pipeline.cancelErr = fmt.Errorf("%w: job is DONE", domain.ErrInvalidTransition)

	w := f.do(http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStreamArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	profile := domain.Profile{Format: "mp4", Height: 720}

	job, err := f.store.Create(ctx, "https://example.com/v.mp4", []domain.Profile{profile})
	require.NoError(t, err)

	artifact, err := f.artifacts.Write(ctx, job.ID, profile, strings.NewReader("encoded video bytes"))
	require.NoError(t, err)
	require.NoError(t, f.store.TransitionTo(ctx, job.ID, domain.StateResolving, ""))
	require.NoError(t, f.store.TransitionTo(ctx, job.ID, domain.StateFetching, ""))
	require.NoError(t, f.store.TransitionTo(ctx, job.ID, domain.StateTranscoding, ""))
	require.NoError(t, f.store.AppendArtifact(ctx, job.ID, artifact))
	require.NoError(t, f.store.TransitionTo(ctx, job.ID, domain.StateDone, ""))

	t.Run("serves the file", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/v1/jobs/"+job.ID+"/artifacts/mp4_720p", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "video/mp4", w.Header().Get("Content-Type"))
		assert.Equal(t, "encoded video bytes", w.Body.String())
	})

	t.Run("honors range requests", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID+"/artifacts/mp4_720p", nil)
		r.Header.Set("Range", "bytes=8-12")
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, r)

		require.Equal(t, http.StatusPartialContent, w.Code)
		assert.Equal(t, "video", w.Body.String())
	})

	t.Run("unknown profile", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/v1/jobs/"+job.ID+"/artifacts/mp3_192k", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestStreamArtifactGatedOnState(t *testing.T) {
	f := newFixture(t)
	job, err := f.store.Create(context.Background(), "https://example.com/v.mp4", domain.DefaultProfiles())
	require.NoError(t, err)

	w := f.do(http.MethodGet, "/api/v1/jobs/"+job.ID+"/artifacts/mp4_720p", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}
