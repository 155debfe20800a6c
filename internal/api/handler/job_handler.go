package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/offerforge/offerpdf/internal/api/dto"
	"github.com/offerforge/offerpdf/internal/api/storage"
	"github.com/offerforge/offerpdf/internal/pipeline"
	"github.com/offerforge/offerpdf/internal/webhook"
)

// ContextUserIDKey is where the auth middleware stores the caller identity.
const ContextUserIDKey = "user_id"

// UserID returns the authenticated caller set by the auth middleware.
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserIDKey)
}

const maxConfigurableRetries = 10

// CreateJob handles POST /api/v1/jobs
// Validates the callback URL, applies the advisory quota check, inserts a
// pending job, and publishes its id to the render queue.
func (h *JobHandler) CreateJob(c *gin.Context) {
	userID := UserID(c)

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if _, err := uuid.Parse(req.OfferID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "offer_id must be a valid UUID",
		})
		return
	}

	offer, err := h.storage.GetOffer(c.Request.Context(), req.OfferID)
	if err != nil {
		if errors.Is(err, pipeline.ErrOfferNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "offer not found"})
			return
		}
		h.logger.Error("Failed to get offer", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return
	}
	// Ownership is checked with the same 404 as a missing offer so ids of
	// other users cannot be probed.
	if offer.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "offer not found"})
		return
	}

	var callbackURL *string
	if req.CallbackURL != "" {
		normalized, err := webhook.Validate(req.CallbackURL, h.allowlist)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":  "callback url rejected",
				"reason": webhook.Reason(err),
			})
			return
		}
		callbackURL = &normalized
	}

	// Advisory admission check: reject obviously over-quota requests up
	// front. The binding check happens inside the completion transaction.
	usage, err := h.storage.GetUsage(c.Request.Context(), userID, time.Now())
	if err != nil {
		h.logger.Error("Failed to get quota usage", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return
	}
	if usage.Limit != nil && usage.ConfirmedCount+usage.PendingCount >= *usage.Limit {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":     "monthly render quota exhausted",
			"confirmed": usage.ConfirmedCount,
			"pending":   usage.PendingCount,
			"limit":     *usage.Limit,
		})
		return
	}

	maxRetries := h.cfg.Retry.DefaultMaxRetries
	if req.MaxRetries != nil && *req.MaxRetries >= 0 && *req.MaxRetries <= maxConfigurableRetries {
		maxRetries = *req.MaxRetries
	}

	now := time.Now().UTC()
	job := pipeline.Job{
		JobID:       uuid.New().String(),
		OfferID:     offer.OfferID,
		UserID:      userID,
		Status:      pipeline.StatusPending,
		CallbackURL: callbackURL,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := h.storage.CreateJob(c.Request.Context(), &job); err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return
	}

	body, err := json.Marshal(gin.H{"job_id": job.JobID})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return
	}
	if err := h.rabbitClient.PublishWithRetry(c.Request.Context(), body, "application/json"); err != nil {
		// The pending row exists; the retry reclaim pass will not pick it up,
		// so surface the enqueue failure to the caller.
		h.logger.Error("Failed to publish job",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":  "job created but could not be enqueued",
			"job_id": job.JobID,
		})
		return
	}

	h.logger.Info("Job created",
		slog.String("job_id", job.JobID),
		slog.String("offer_id", job.OfferID),
		slog.String("user_id", userID),
	)
	c.JSON(http.StatusAccepted, toJobDTO(&job))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	userID := UserID(c)

	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.storage.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, pipeline.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job"})
		return
	}
	if job.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists the caller's jobs with optional status filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	userID := UserID(c)

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.JobFilter{
		UserID:   userID,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, err := h.storage.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = *toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		cursorObj := storage.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.JobID,
		}
		nextCursor, err = EncodeJobCursor(&cursorObj)
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encode next cursor"})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

func toJobDTO(job *pipeline.Job) *dto.JobDTO {
	out := &dto.JobDTO{
		JobID:      job.JobID,
		OfferID:    job.OfferID,
		UserID:     job.UserID,
		Status:     job.Status,
		RetryCount: job.RetryCount,
		MaxRetries: job.MaxRetries,
		CreatedAt:  job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  job.UpdatedAt.Format(time.RFC3339),
	}
	if job.PDFURL != nil {
		out.PDFURL = *job.PDFURL
	}
	if job.CallbackURL != nil {
		out.CallbackURL = *job.CallbackURL
	}
	if job.NextRetryAt != nil {
		out.NextRetryAt = job.NextRetryAt.Format(time.RFC3339)
	}
	if job.ErrorMessage != nil {
		out.ErrorMessage = *job.ErrorMessage
	}
	if job.StartedAt != nil {
		out.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		out.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	return out
}
