package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/offerforge/offerpdf/internal/api/dto"
	"github.com/offerforge/offerpdf/internal/pipeline"
	"github.com/offerforge/offerpdf/internal/webhook"
)

// Replay outcomes.
const (
	ReplayOutcomeDelivered           = "delivered"
	ReplayOutcomeNoWebhookConfigured = "no_webhook_configured"
	ReplayOutcomeJobNotCompleted     = "job_not_completed"
	ReplayOutcomeURLNotAllowlisted   = "url_not_allowlisted"
	ReplayOutcomeDeliveryFailed      = "delivery_failed"
)

// Replay handles POST /api/v1/jobs/:job_id/webhook/replay
// Re-delivers the completion webhook for a job the caller owns. Replay is a
// pure re-send: it never mutates job state and can be invoked any number of
// times. Each distinct non-success condition gets its own outcome so callers
// can tell a misconfigured webhook from a delivery fault.
func (h *WebhookHandler) Replay(c *gin.Context) {
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
		h.logger.Error("Failed to get job for replay", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to replay webhook"})
		return
	}
	if job.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	if job.CallbackURL == nil || *job.CallbackURL == "" {
		c.JSON(http.StatusConflict, dto.ReplayResponse{
			JobID:   jobID,
			Outcome: ReplayOutcomeNoWebhookConfigured,
		})
		return
	}

	if job.Status != pipeline.StatusCompleted {
		c.JSON(http.StatusConflict, dto.ReplayResponse{
			JobID:   jobID,
			Outcome: ReplayOutcomeJobNotCompleted,
			Detail:  "job status is " + job.Status,
		})
		return
	}

	// The allowlist may have shrunk since the URL was accepted; a stored URL
	// is never trusted blindly at dispatch time.
	if !webhook.IsAllowed(*job.CallbackURL, h.allowlist) {
		c.JSON(http.StatusConflict, dto.ReplayResponse{
			JobID:   jobID,
			Outcome: ReplayOutcomeURLNotAllowlisted,
		})
		return
	}

	payload := webhook.Payload{
		JobID:       job.JobID,
		OfferID:     job.OfferID,
		Status:      job.Status,
		CompletedAt: job.CompletedAt,
	}
	if job.PDFURL != nil {
		payload.PDFURL = *job.PDFURL
	}
	if job.DownloadToken != nil {
		payload.DownloadToken = *job.DownloadToken
	}

	if err := h.deliverer.Deliver(c.Request.Context(), *job.CallbackURL, payload); err != nil {
		c.JSON(http.StatusBadGateway, dto.ReplayResponse{
			JobID:   jobID,
			Outcome: ReplayOutcomeDeliveryFailed,
			Detail:  err.Error(),
		})
		return
	}

	h.logger.Info("Webhook replayed",
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
	)
	c.JSON(http.StatusOK, dto.ReplayResponse{
		JobID:   jobID,
		Outcome: ReplayOutcomeDelivered,
	})
}
