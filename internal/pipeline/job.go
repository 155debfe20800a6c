package pipeline

import (
	"errors"
	"time"
)

// Job statuses. A job only moves forward: pending -> processing -> completed,
// or pending/processing -> failed -> pending (after next_retry_at) -> ... ->
// dead_letter_queue. Terminal states are permanent audit records.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusDeadLetter = "dead_letter_queue"
)

var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when the conditional claim update
	// matched no row: another worker already moved the job out of pending.
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in pending status")

	// ErrInvalidTransition is returned when an operation targets a job whose
	// current status does not permit it.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// IsTerminal reports whether status permits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusDeadLetter
}

// Job is one render request.
type Job struct {
	JobID           string     `db:"job_id"`
	OfferID         string     `db:"offer_id"`
	UserID          string     `db:"user_id"`
	Status          string     `db:"status"`
	PDFURL          *string    `db:"pdf_url"`
	CallbackURL     *string    `db:"callback_url"`
	DownloadToken   *string    `db:"download_token"`
	RetryCount      int        `db:"retry_count"`
	MaxRetries      int        `db:"max_retries"`
	NextRetryAt     *time.Time `db:"next_retry_at"`
	ErrorMessage    *string    `db:"error_message"`
	WorkerID        *string    `db:"worker_id"`
	QuotaCommitted  bool       `db:"quota_committed"`
	CreatedAt       time.Time  `db:"created_at"`
	StartedAt       *time.Time `db:"started_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}
