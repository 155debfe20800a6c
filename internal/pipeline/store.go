package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/offerforge/offerpdf/internal/quota"
)

const jobColumns = `
	job_id, offer_id, user_id, status, pdf_url, callback_url, download_token,
	retry_count, max_retries, next_retry_at, error_message, worker_id,
	quota_committed, created_at, started_at, completed_at, last_heartbeat_at, updated_at
`

// FailOutcome describes what a failure transaction decided.
type FailOutcome struct {
	// NoOp is true when the job was already terminal and nothing changed.
	NoOp        bool
	Status      string
	ShouldRetry bool
	RetryCount  int
	NextRetryAt *time.Time
}

// Store executes the pipeline's database operations. The completion and
// failure paths each run as one transaction spanning the quota mutation, the
// offer artifact mutation, and the job status mutation: no caller ever
// observes a partially applied state.
type Store struct {
	db           *sqlx.DB
	logger       *slog.Logger
	defaultLimit *int
}

// NewStore creates a Store. defaultLimit seeds new quota periods; nil means
// unlimited.
func NewStore(db *sqlx.DB, logger *slog.Logger, defaultLimit *int) *Store {
	return &Store{
		db:           db,
		logger:       logger,
		defaultLimit: defaultLimit,
	}
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	query := `SELECT ` + jobColumns + ` FROM render_jobs WHERE job_id = $1`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// ClaimJob moves a job from pending to processing with a conditional update,
// so at most one worker wins a given job.
func (s *Store) ClaimJob(ctx context.Context, jobID, workerID string) (*Job, error) {
	query := `
		UPDATE render_jobs
		SET status = $1,
		    worker_id = $2,
		    started_at = NOW(),
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
		RETURNING ` + jobColumns

	var job Job
	err := s.db.QueryRowxContext(ctx, query, StatusProcessing, workerID, jobID, StatusPending).StructScan(&job)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim job - already claimed or not found",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
			return nil, ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
	)
	return &job, nil
}

// Heartbeat refreshes last_heartbeat_at for a processing job.
func (s *Store) Heartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE render_jobs
		SET last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1 AND status = $2
	`

	if _, err := s.db.ExecContext(ctx, query, jobID, StatusProcessing); err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}
	return nil
}

// RecordArtifact persists the artifact URL on a processing job as soon as the
// upload lands. If the worker dies between this write and CompleteJob, the
// row sits in the window the reconciler exists to close.
func (s *Store) RecordArtifact(ctx context.Context, jobID, pdfURL string) error {
	query := `
		UPDATE render_jobs
		SET pdf_url = $1,
		    updated_at = NOW()
		WHERE job_id = $2 AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, pdfURL, jobID, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to record artifact: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (s *Store) lockJob(ctx context.Context, tx *sqlx.Tx, jobID string) (*Job, error) {
	var job Job
	query := `SELECT ` + jobColumns + ` FROM render_jobs WHERE job_id = $1 FOR UPDATE`

	err := tx.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}
	return &job, nil
}

// CompleteJob commits a successful render as a single transaction:
// quota check-and-increment, artifact URL on the parent offer, and the
// terminal status on the job. Any failure, including a quota check that no
// longer passes at commit time, aborts the whole operation.
func (s *Store) CompleteJob(ctx context.Context, jobID, pdfURL, downloadToken string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := s.lockJob(ctx, tx, jobID)
	if err != nil {
		return err
	}

	if job.Status == StatusCompleted {
		return nil
	}
	if job.Status != StatusProcessing {
		return fmt.Errorf("%w: cannot complete job in status %s", ErrInvalidTransition, job.Status)
	}

	periodStart := quota.PeriodStart(time.Now())
	if err := quota.EnsurePeriod(ctx, tx, job.UserID, periodStart, s.defaultLimit); err != nil {
		return err
	}
	if err := quota.CheckAndIncrement(ctx, tx, job.UserID, periodStart); err != nil {
		return err
	}

	offerQuery := `
		UPDATE offers
		SET pdf_url = $1,
		    updated_at = NOW()
		WHERE offer_id = $2
	`
	if _, err := tx.ExecContext(ctx, offerQuery, pdfURL, job.OfferID); err != nil {
		return fmt.Errorf("failed to attach artifact to offer: %w", err)
	}

	jobQuery := `
		UPDATE render_jobs
		SET status = $1,
		    pdf_url = $2,
		    download_token = $3,
		    quota_committed = TRUE,
		    error_message = NULL,
		    next_retry_at = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $4
	`
	if _, err := tx.ExecContext(ctx, jobQuery, StatusCompleted, pdfURL, downloadToken, jobID); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit completion: %w", err)
	}
	return nil
}

// FailJob rolls back a failed render as a single transaction. The quota
// increment is undone exactly once (guarded by quota_committed), any partial
// artifact URL is cleared from the offer and the job, and the job either
// re-enters the retry pool or dead-letters when its budget is exhausted.
// allowRetry=false (permanent errors) dead-letters immediately regardless of
// remaining budget. Failing an already-terminal job is a no-op.
func (s *Store) FailJob(ctx context.Context, jobID, errorMessage string, allowRetry bool, nextRetryAt func(attempt int) time.Time) (*FailOutcome, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := s.lockJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}

	if IsTerminal(job.Status) {
		return &FailOutcome{NoOp: true, Status: job.Status, RetryCount: job.RetryCount}, nil
	}

	if job.QuotaCommitted {
		// Defensive symmetry: failure normally precedes any commit point,
		// but a previously committed increment must be undone exactly once.
		periodStart := quota.PeriodStart(job.CreatedAt)
		if job.CompletedAt != nil {
			periodStart = quota.PeriodStart(*job.CompletedAt)
		}
		if err := quota.Decrement(ctx, tx, job.UserID, periodStart); err != nil {
			return nil, err
		}
	}

	offerQuery := `
		UPDATE offers
		SET pdf_url = NULL,
		    updated_at = NOW()
		WHERE offer_id = $1 AND pdf_url IS NOT NULL
	`
	if _, err := tx.ExecContext(ctx, offerQuery, job.OfferID); err != nil {
		return nil, fmt.Errorf("failed to clear offer artifact: %w", err)
	}

	outcome := &FailOutcome{
		ShouldRetry: allowRetry && job.RetryCount < job.MaxRetries,
		RetryCount:  job.RetryCount + 1,
	}
	if outcome.ShouldRetry {
		outcome.Status = StatusFailed
		at := nextRetryAt(job.RetryCount)
		outcome.NextRetryAt = &at
	} else {
		outcome.Status = StatusDeadLetter
		outcome.RetryCount = job.RetryCount
	}

	jobQuery := `
		UPDATE render_jobs
		SET status = $1,
		    pdf_url = NULL,
		    download_token = NULL,
		    quota_committed = FALSE,
		    retry_count = $2,
		    next_retry_at = $3,
		    error_message = $4,
		    completed_at = NULL,
		    updated_at = NOW()
		WHERE job_id = $5
	`
	if _, err := tx.ExecContext(ctx, jobQuery, outcome.Status, outcome.RetryCount, outcome.NextRetryAt, errorMessage, jobID); err != nil {
		return nil, fmt.Errorf("failed to mark job failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit failure: %w", err)
	}
	return outcome, nil
}

// ListStuck returns processing jobs whose worker has not started recently
// enough: started_at older than the cutoff means the worker died without
// reaching a terminal transition.
func (s *Store) ListStuck(ctx context.Context, olderThan time.Time) ([]Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM render_jobs
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at ASC
	`

	var jobs []Job
	if err := s.db.SelectContext(ctx, &jobs, query, StatusProcessing, olderThan); err != nil {
		return nil, fmt.Errorf("failed to list stuck jobs: %w", err)
	}
	return jobs, nil
}

// FindReconcileCandidates returns jobs in the crash window: still processing
// but with a persisted artifact URL. Most recent first, bounded by limit.
func (s *Store) FindReconcileCandidates(ctx context.Context, limit int) ([]Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM render_jobs
		WHERE status = $1 AND pdf_url IS NOT NULL
		ORDER BY started_at DESC NULLS LAST
		LIMIT $2
	`

	var jobs []Job
	if err := s.db.SelectContext(ctx, &jobs, query, StatusProcessing, limit); err != nil {
		return nil, fmt.Errorf("failed to find reconcile candidates: %w", err)
	}
	return jobs, nil
}

// Reconcile actions.
const (
	ReconcileActionCompleted = "completed"
	ReconcileActionNoop      = "no_action_needed"
	ReconcileActionError     = "error"
)

// ForceComplete repairs one candidate: if the row still matches the
// predicate it is forced to completed (completed_at defaulting to now) and
// the artifact URL is attached to the parent offer. The quota increment is
// deliberately not re-run here; reconciliation fixes bookkeeping only.
func (s *Store) ForceComplete(ctx context.Context, jobID string) (string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ReconcileActionError, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := s.lockJob(ctx, tx, jobID)
	if err != nil {
		return ReconcileActionError, err
	}

	if job.Status != StatusProcessing || job.PDFURL == nil {
		return ReconcileActionNoop, nil
	}

	offerQuery := `
		UPDATE offers
		SET pdf_url = $1,
		    updated_at = NOW()
		WHERE offer_id = $2 AND pdf_url IS NULL
	`
	if _, err := tx.ExecContext(ctx, offerQuery, *job.PDFURL, job.OfferID); err != nil {
		return ReconcileActionError, fmt.Errorf("failed to attach artifact to offer: %w", err)
	}

	jobQuery := `
		UPDATE render_jobs
		SET status = $1,
		    completed_at = COALESCE(completed_at, NOW()),
		    error_message = NULL,
		    next_retry_at = NULL,
		    updated_at = NOW()
		WHERE job_id = $2
	`
	if _, err := tx.ExecContext(ctx, jobQuery, StatusCompleted, jobID); err != nil {
		return ReconcileActionError, fmt.Errorf("failed to force-complete job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ReconcileActionError, fmt.Errorf("failed to commit reconciliation: %w", err)
	}
	return ReconcileActionCompleted, nil
}

// ReclaimDueRetries moves failed jobs whose next_retry_at has passed back to
// pending and returns their ids so the caller can republish them. SKIP
// LOCKED keeps concurrent reclaim passes from double-publishing.
func (s *Store) ReclaimDueRetries(ctx context.Context, limit int) ([]string, error) {
	query := `
		UPDATE render_jobs
		SET status = $1,
		    next_retry_at = NULL,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE job_id IN (
			SELECT job_id FROM render_jobs
			WHERE status = $2 AND next_retry_at <= NOW()
			ORDER BY next_retry_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING job_id
	`

	var jobIDs []string
	if err := s.db.SelectContext(ctx, &jobIDs, query, StatusPending, StatusFailed, limit); err != nil {
		return nil, fmt.Errorf("failed to reclaim due retries: %w", err)
	}
	return jobIDs, nil
}
