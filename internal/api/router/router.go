package router

import (
	"net/http"

	"github.com/aseltyar/video-downloader/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "media-api-service",
		})
	})

	// Initialize job handler
	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Create a new acquisition job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with optional state filter
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job state, progress and artifacts
			jobs.GET("/:job_id", jobHandler.GetJobStatus)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

			// GET /api/v1/jobs/:job_id/artifacts/:profile_key - Stream an artifact
			jobs.GET("/:job_id/artifacts/:profile_key", jobHandler.StreamArtifact)
		}
	}

	return r
}
