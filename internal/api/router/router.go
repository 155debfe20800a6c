package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/offerforge/offerpdf/internal/api/handler"
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
			"service": "offerpdf-api-service",
		})
	})

	jobHandler := handler.NewJobHandler(deps)
	webhookHandler := handler.NewWebhookHandler(deps)
	adminHandler := handler.NewAdminHandler(deps)

	var rdb *redis.Client
	if deps.RedisClient != nil {
		rdb = deps.RedisClient.GetRDB()
	}

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		jobs.Use(AuthMiddleware())
		{
			// POST /api/v1/jobs - Create and enqueue a render job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List the caller's jobs
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/webhook/replay - Re-deliver the webhook
			jobs.POST("/:job_id/webhook/replay",
				ReplayRateLimitMiddleware(rdb, deps.Config.Webhook.ReplayPerMinute, deps.Logger),
				webhookHandler.Replay,
			)
		}

		admin := v1.Group("/admin")
		admin.Use(AdminMiddleware(deps.Config.Admin.SchedulerSecret, deps.AdminChecker, deps.Logger))
		{
			admin.POST("/jobs/reset-stuck", adminHandler.ResetStuckJobs)
			admin.POST("/jobs/reconcile", adminHandler.ReconcileJobs)
			admin.POST("/quota/reconcile", adminHandler.ReconcileQuota)
		}
	}

	return r
}
