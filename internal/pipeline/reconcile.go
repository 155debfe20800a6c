package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// ReconcileAudit records what reconciliation did to one job.
type ReconcileAudit struct {
	JobID  string `json:"job_id"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// ReconcileReport aggregates a batch run.
type ReconcileReport struct {
	Candidates int              `json:"candidates"`
	Completed  int              `json:"completed"`
	NoAction   int              `json:"no_action_needed"`
	Errors     int              `json:"errors"`
	Audits     []ReconcileAudit `json:"audits"`
}

// ReconcileOne repairs a single job in the crash window between artifact
// upload and completion commit. Errors are returned inside the audit record
// rather than raised, so a batch run is never aborted by one bad row.
func (s *Service) ReconcileOne(ctx context.Context, jobID string) ReconcileAudit {
	audit := ReconcileAudit{JobID: jobID}

	action, err := s.store.ForceComplete(ctx, jobID)
	audit.Action = action
	switch {
	case err != nil:
		audit.Reason = err.Error()
		s.logger.Error("Reconciliation failed for job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	case action == ReconcileActionCompleted:
		audit.Reason = "artifact present but completion never committed"
		s.logger.Warn("Reconciled orphaned completion",
			slog.String("job_id", jobID),
		)
	}
	return audit
}

// ReconcileBatch repairs up to limit candidates with a small inter-item
// delay to bound database load. Each item's fix is independently atomic; the
// batch itself is not transactional.
func (s *Service) ReconcileBatch(ctx context.Context, limit int) (*ReconcileReport, error) {
	if limit <= 0 {
		limit = 50
	}

	candidates, err := s.store.FindReconcileCandidates(ctx, limit)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{
		Candidates: len(candidates),
		Audits:     make([]ReconcileAudit, 0, len(candidates)),
	}

	for i, job := range candidates {
		if i > 0 {
			timer := time.NewTimer(s.cfg.ReconcileItemDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return report, ctx.Err()
			case <-timer.C:
			}
		}

		audit := s.ReconcileOne(ctx, job.JobID)
		switch audit.Action {
		case ReconcileActionCompleted:
			report.Completed++
		case ReconcileActionNoop:
			report.NoAction++
		default:
			report.Errors++
		}
		report.Audits = append(report.Audits, audit)
	}

	s.logger.Info("Reconciliation batch complete",
		slog.Int("candidates", report.Candidates),
		slog.Int("completed", report.Completed),
		slog.Int("no_action", report.NoAction),
		slog.Int("errors", report.Errors),
	)
	return report, nil
}
