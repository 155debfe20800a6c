package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/offerforge/offerpdf/internal/pipeline"
	"github.com/offerforge/offerpdf/internal/quota"
	"github.com/offerforge/offerpdf/shared/postgresql"
)

const jobColumns = `
	job_id, offer_id, user_id, status, pdf_url, callback_url, download_token,
	retry_count, max_retries, next_retry_at, error_message, worker_id,
	quota_committed, created_at, started_at, completed_at, last_heartbeat_at, updated_at
`

// Storage is the API-side read/write surface: job creation and the read
// endpoints. State transitions live in the pipeline store, not here.
type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

// GetOffer fetches the parent offer a job would render.
func (s *Storage) GetOffer(ctx context.Context, offerID string) (*pipeline.Offer, error) {
	var offer pipeline.Offer
	query := `
		SELECT offer_id, user_id, title, pdf_url, created_at, updated_at
		FROM offers
		WHERE offer_id = $1
	`

	err := s.db.GetContext(ctx, &offer, query, offerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, pipeline.ErrOfferNotFound
		}
		return nil, fmt.Errorf("failed to get offer: %w", err)
	}
	return &offer, nil
}

// CreateJob inserts a new pending render job.
func (s *Storage) CreateJob(ctx context.Context, job *pipeline.Job) error {
	query := `
		INSERT INTO render_jobs (
			job_id, offer_id, user_id, status,
			callback_url, max_retries, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.OfferID,
		job.UserID,
		job.Status,
		job.CallbackURL,
		job.MaxRetries,
		job.CreatedAt,
		job.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJobByID retrieves a single job.
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*pipeline.Job, error) {
	var job pipeline.Job
	query := `SELECT ` + jobColumns + ` FROM render_jobs WHERE job_id = $1`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, pipeline.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// JobFilter narrows a job listing. UserID is mandatory: listings are always
// scoped to the authenticated owner.
type JobFilter struct {
	UserID   string
	Status   string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset pagination position (created_at, job_id).
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns up to PageSize+1 jobs matching the filter, newest first.
// The extra row tells the caller whether a next page exists.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]pipeline.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM render_jobs WHERE user_id = $1`
	args := []interface{}{filter.UserID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, job_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []pipeline.Job
	err := s.db.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// GetUsage returns the user's quota view for the period containing now:
// confirmed from the ledger, pending computed live.
func (s *Storage) GetUsage(ctx context.Context, userID string, now time.Time) (*quota.Usage, error) {
	return quota.GetUsage(ctx, s.db, userID, quota.PeriodStart(now))
}
