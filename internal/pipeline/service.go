package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/offerforge/offerpdf/internal/retry"
)

// JobStore is the durable-store contract the service orchestrates over.
// Implemented by Store; faked in tests.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*Job, error)
	CompleteJob(ctx context.Context, jobID, pdfURL, downloadToken string) error
	FailJob(ctx context.Context, jobID, errorMessage string, allowRetry bool, nextRetryAt func(attempt int) time.Time) (*FailOutcome, error)
	ListStuck(ctx context.Context, olderThan time.Time) ([]Job, error)
	FindReconcileCandidates(ctx context.Context, limit int) ([]Job, error)
	ForceComplete(ctx context.Context, jobID string) (string, error)
	ReclaimDueRetries(ctx context.Context, limit int) ([]string, error)
}

// Config holds service tuning.
type Config struct {
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	ReconcileItemDelay time.Duration
}

// Service drives the job state machine: transactional completion and
// failure, stuck-job reset, and reconciliation all go through here so every
// path shares the same rollback and retry semantics.
type Service struct {
	store  JobStore
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

// NewService creates a Service.
func NewService(store JobStore, logger *slog.Logger, cfg Config) *Service {
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 30 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Minute
	}
	if cfg.ReconcileItemDelay <= 0 {
		cfg.ReconcileItemDelay = 100 * time.Millisecond
	}
	return &Service{
		store:  store,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

func newDownloadToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate download token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CompleteJob commits a successful render and returns the minted download
// token. A quota check failing exactly at commit time surfaces as a
// ConsistencyViolation: the render succeeded, admission did not.
func (s *Service) CompleteJob(ctx context.Context, jobID, pdfURL string, duration time.Duration) (string, error) {
	token, err := newDownloadToken()
	if err != nil {
		return "", err
	}

	if err := s.store.CompleteJob(ctx, jobID, pdfURL, token); err != nil {
		return "", err
	}

	s.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.Duration("render_duration", duration),
	)
	return token, nil
}

// FailJob rolls back a failed render and decides retry vs. dead-letter by
// the job's remaining budget. Calling it on an already-terminal job is a
// no-op.
func (s *Service) FailJob(ctx context.Context, jobID, errorMessage string) (*FailOutcome, error) {
	return s.failJob(ctx, jobID, errorMessage, true)
}

// FailJobWithError routes a worker error through the failure transaction.
// Transient errors keep their retry budget; permanent errors dead-letter
// immediately, the classifier deciding which is which.
func (s *Service) FailJobWithError(ctx context.Context, jobID string, cause error) (*FailOutcome, error) {
	return s.failJob(ctx, jobID, cause.Error(), retry.IsRetryable(cause))
}

func (s *Service) failJob(ctx context.Context, jobID, errorMessage string, allowRetry bool) (*FailOutcome, error) {
	outcome, err := s.store.FailJob(ctx, jobID, errorMessage, allowRetry, s.nextRetryAt)
	if err != nil {
		return nil, err
	}

	if outcome.NoOp {
		s.logger.Info("Fail requested for terminal job - no-op",
			slog.String("job_id", jobID),
			slog.String("status", outcome.Status),
		)
		return outcome, nil
	}

	if outcome.ShouldRetry {
		s.logger.Warn("Job failed, scheduled for retry",
			slog.String("job_id", jobID),
			slog.Int("retry_count", outcome.RetryCount),
			slog.Time("next_retry_at", *outcome.NextRetryAt),
			slog.String("error", errorMessage),
		)
	} else {
		s.logger.Error("Job exhausted retries, moved to dead letter queue",
			slog.String("job_id", jobID),
			slog.Int("retry_count", outcome.RetryCount),
			slog.String("error", errorMessage),
		)
	}
	return outcome, nil
}

func (s *Service) nextRetryAt(attempt int) time.Time {
	return s.now().Add(retry.Delay(attempt, s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay))
}

// GetJob returns the job by id.
func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// ReclaimDueRetries moves due failed jobs back to pending and returns their
// ids for re-publication to the queue.
func (s *Service) ReclaimDueRetries(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	jobIDs, err := s.store.ReclaimDueRetries(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(jobIDs) > 0 {
		s.logger.Info("Reclaimed jobs due for retry",
			slog.Int("count", len(jobIDs)),
		)
	}
	return jobIDs, nil
}
