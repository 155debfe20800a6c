package maintenance

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/offerforge/offerpdf/internal/config"
	"github.com/offerforge/offerpdf/internal/pipeline"
	"github.com/offerforge/offerpdf/internal/quota"
	"github.com/offerforge/offerpdf/shared/rabbitmq"
)

const runTimeout = 5 * time.Minute

// Scheduler runs the periodic safety nets: stuck-job reset, job
// reconciliation, quota reconciliation, and retry reclaim. Every pass is also
// reachable through the admin endpoints; the scheduler just makes them run
// unattended.
type Scheduler struct {
	cron            *cron.Cron
	logger          *slog.Logger
	cfg             config.MaintenanceConfig
	service         *pipeline.Service
	quotaReconciler *quota.Reconciler
	rabbitClient    *rabbitmq.Client
}

// NewScheduler creates a Scheduler; jobs with an empty cron spec are skipped.
func NewScheduler(
	cfg config.MaintenanceConfig,
	service *pipeline.Service,
	quotaReconciler *quota.Reconciler,
	rabbitClient *rabbitmq.Client,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		cron:            cron.New(),
		logger:          logger,
		cfg:             cfg,
		service:         service,
		quotaReconciler: quotaReconciler,
		rabbitClient:    rabbitClient,
	}
}

// Start registers the configured jobs and starts the cron loop.
func (s *Scheduler) Start() error {
	type entry struct {
		name string
		spec string
		run  func(ctx context.Context)
	}

	entries := []entry{
		{"stuck_reset", s.cfg.StuckResetSpec, s.runStuckReset},
		{"job_reconcile", s.cfg.ReconcileSpec, s.runJobReconcile},
		{"quota_reconcile", s.cfg.QuotaReconcileSpec, s.runQuotaReconcile},
		{"retry_reclaim", s.cfg.RetryReclaimSpec, s.runRetryReclaim},
	}

	for _, e := range entries {
		if e.spec == "" {
			s.logger.Info("Maintenance job disabled - no cron spec",
				slog.String("job", e.name),
			)
			continue
		}

		run := e.run
		_, err := s.cron.AddFunc(e.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
			defer cancel()
			run(ctx)
		})
		if err != nil {
			return err
		}

		s.logger.Info("Maintenance job scheduled",
			slog.String("job", e.name),
			slog.String("spec", e.spec),
		)
	}

	s.cron.Start()
	return nil
}

// Stop stops the cron loop and waits for in-flight runs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Maintenance scheduler stopped")
}

func (s *Scheduler) runStuckReset(ctx context.Context) {
	report, err := s.service.ResetStuckJobs(ctx, s.cfg.StuckTimeoutMinutes)
	if err != nil {
		s.logger.Error("Scheduled stuck reset failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if report.Found > 0 {
		s.logger.Info("Scheduled stuck reset complete",
			slog.Int("found", report.Found),
			slog.Int("reset", report.Reset),
			slog.Int("failed", report.Failed),
		)
	}
}

func (s *Scheduler) runJobReconcile(ctx context.Context) {
	report, err := s.service.ReconcileBatch(ctx, s.cfg.ReconcileBatchLimit)
	if err != nil {
		s.logger.Error("Scheduled job reconciliation failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if report.Candidates > 0 {
		s.logger.Info("Scheduled job reconciliation complete",
			slog.Int("candidates", report.Candidates),
			slog.Int("completed", report.Completed),
			slog.Int("errors", report.Errors),
		)
	}
}

func (s *Scheduler) runQuotaReconcile(ctx context.Context) {
	periodStart := quota.PeriodStart(time.Now())
	if _, err := s.quotaReconciler.Reconcile(ctx, periodStart, false); err != nil {
		s.logger.Error("Scheduled quota reconciliation failed",
			slog.String("error", err.Error()),
		)
	}
}

// runRetryReclaim moves due failed jobs back to pending and republishes each
// id to the render queue. PublishWithRetry bounds the broker outage window; a
// job whose publish still fails stays pending without a queue message, the
// same exposure as a create whose enqueue failed after the insert.
func (s *Scheduler) runRetryReclaim(ctx context.Context) {
	jobIDs, err := s.service.ReclaimDueRetries(ctx, s.cfg.RetryReclaimLimit)
	if err != nil {
		s.logger.Error("Scheduled retry reclaim failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, jobID := range jobIDs {
		body, err := json.Marshal(map[string]string{"job_id": jobID})
		if err != nil {
			continue
		}
		if err := s.rabbitClient.PublishWithRetry(ctx, body, "application/json"); err != nil {
			s.logger.Error("Failed to republish reclaimed job",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}
}
