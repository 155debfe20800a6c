package pipeline

import (
	"context"
	"log/slog"
	"time"
)

const (
	minStuckTimeoutMinutes = 1
	maxStuckTimeoutMinutes = 1440
)

// ClampTimeoutMinutes bounds an operator-supplied stuck timeout to [1,1440].
func ClampTimeoutMinutes(minutes int) int {
	if minutes < minStuckTimeoutMinutes {
		return minStuckTimeoutMinutes
	}
	if minutes > maxStuckTimeoutMinutes {
		return maxStuckTimeoutMinutes
	}
	return minutes
}

// StuckResetItem is the per-job outcome of a stuck reset pass.
type StuckResetItem struct {
	JobID   string `json:"job_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StuckResetReport aggregates one stuck reset pass.
type StuckResetReport struct {
	Found  int              `json:"found"`
	Reset  int              `json:"reset"`
	Failed int              `json:"failed"`
	Jobs   []StuckResetItem `json:"jobs"`
}

// GetStuckJobs returns processing jobs abandoned longer than timeoutMinutes
// (clamped to [1,1440]) ago.
func (s *Service) GetStuckJobs(ctx context.Context, timeoutMinutes int) ([]Job, error) {
	timeoutMinutes = ClampTimeoutMinutes(timeoutMinutes)
	olderThan := s.now().Add(-time.Duration(timeoutMinutes) * time.Minute)
	return s.store.ListStuck(ctx, olderThan)
}

// ResetStuckJob returns one abandoned job to the retry pool through the same
// failure transaction as any other failure, so the quota rollback and
// partial-artifact cleanup apply and the reset consumes a retry attempt.
// Resetting a job that completed or failed on its own is a no-op.
func (s *Service) ResetStuckJob(ctx context.Context, jobID string) (*FailOutcome, error) {
	return s.FailJob(ctx, jobID, "worker timeout: job stuck in processing")
}

// ResetStuckJobs finds and resets all stuck jobs, isolating per-job errors
// so one bad row cannot halt the pass.
func (s *Service) ResetStuckJobs(ctx context.Context, timeoutMinutes int) (*StuckResetReport, error) {
	jobs, err := s.GetStuckJobs(ctx, timeoutMinutes)
	if err != nil {
		return nil, err
	}

	report := &StuckResetReport{
		Found: len(jobs),
		Jobs:  make([]StuckResetItem, 0, len(jobs)),
	}

	for _, job := range jobs {
		item := StuckResetItem{JobID: job.JobID}
		if _, err := s.ResetStuckJob(ctx, job.JobID); err != nil {
			item.Error = err.Error()
			report.Failed++
			s.logger.Error("Failed to reset stuck job",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		} else {
			item.Success = true
			report.Reset++
		}
		report.Jobs = append(report.Jobs, item)
	}

	s.logger.Info("Stuck job reset pass complete",
		slog.Int("found", report.Found),
		slog.Int("reset", report.Reset),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}
