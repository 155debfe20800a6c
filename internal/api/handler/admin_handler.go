package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/offerforge/offerpdf/internal/api/dto"
	"github.com/offerforge/offerpdf/internal/quota"
)

// ResetStuckJobs handles POST /api/v1/admin/jobs/reset-stuck
// Returns abandoned processing jobs to the retry pool. The timeout is
// clamped to [1,1440] minutes by the service.
func (h *AdminHandler) ResetStuckJobs(c *gin.Context) {
	var req dto.ResetStuckRequest
	// Empty body means defaults.
	_ = c.ShouldBindJSON(&req)

	if req.TimeoutMinutes == 0 {
		req.TimeoutMinutes = h.cfg.Maintenance.StuckTimeoutMinutes
	}

	report, err := h.service.ResetStuckJobs(c.Request.Context(), req.TimeoutMinutes)
	if err != nil {
		h.logger.Error("Stuck job reset failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reset stuck jobs"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// ReconcileJobs handles POST /api/v1/admin/jobs/reconcile
// Repairs jobs stranded between artifact upload and completion commit.
func (h *AdminHandler) ReconcileJobs(c *gin.Context) {
	var req dto.ReconcileRequest
	_ = c.ShouldBindJSON(&req)

	if req.Limit == 0 {
		req.Limit = h.cfg.Maintenance.ReconcileBatchLimit
	}

	report, err := h.service.ReconcileBatch(c.Request.Context(), req.Limit)
	if err != nil {
		h.logger.Error("Job reconciliation failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reconcile jobs"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// ReconcileQuota handles POST /api/v1/admin/quota/reconcile
// Recomputes quota counters from ground truth. With dry_run the run reports
// drift without writing.
func (h *AdminHandler) ReconcileQuota(c *gin.Context) {
	var req dto.QuotaReconcileRequest
	_ = c.ShouldBindJSON(&req)

	periodStart := quota.PeriodStart(time.Now())
	if req.PeriodStart != "" {
		parsed, err := time.Parse("2006-01", req.PeriodStart)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "period_start must be formatted YYYY-MM",
			})
			return
		}
		periodStart = quota.PeriodStart(parsed)
	}

	result, err := h.quotaReconciler.Reconcile(c.Request.Context(), periodStart, req.DryRun)
	if err != nil {
		h.logger.Error("Quota reconciliation failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reconcile quota"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"period_start": periodStart.Format("2006-01"),
		"dry_run":      req.DryRun,
		"total_users":  result.TotalUsers,
		"fixed":        result.Fixed,
		"errors":       result.Errors,
	})
}
