package dto

// CreateJobRequest is the body of POST /api/v1/jobs.
type CreateJobRequest struct {
	OfferID     string `json:"offer_id" binding:"required"`
	CallbackURL string `json:"callback_url"`
	MaxRetries  *int   `json:"max_retries"`
}

// ListJobsRequest carries the query parameters of GET /api/v1/jobs. The
// requesting user is taken from authentication, never from the query.
type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

// ListJobsResponse is the paginated job listing.
type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// JobDTO is the external representation of a render job. Internal columns
// (worker id, heartbeat, quota bookkeeping) are not exposed.
type JobDTO struct {
	JobID        string `json:"job_id"`
	OfferID      string `json:"offer_id"`
	UserID       string `json:"user_id"`
	Status       string `json:"status"`
	PDFURL       string `json:"pdf_url,omitempty"`
	CallbackURL  string `json:"callback_url,omitempty"`
	RetryCount   int    `json:"retry_count"`
	MaxRetries   int    `json:"max_retries"`
	NextRetryAt  string `json:"next_retry_at,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at"`
	StartedAt    string `json:"started_at,omitempty"`
	CompletedAt  string `json:"completed_at,omitempty"`
	UpdatedAt    string `json:"updated_at"`
}

// ReplayResponse reports the outcome of a webhook replay request.
type ReplayResponse struct {
	JobID   string `json:"job_id"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

// ResetStuckRequest is the body of POST /api/v1/admin/jobs/reset-stuck.
type ResetStuckRequest struct {
	TimeoutMinutes int `json:"timeout_minutes"`
}

// ReconcileRequest is the body of POST /api/v1/admin/jobs/reconcile.
type ReconcileRequest struct {
	Limit int `json:"limit"`
}

// QuotaReconcileRequest is the body of POST /api/v1/admin/quota/reconcile.
// PeriodStart is "YYYY-MM" and defaults to the current UTC month.
type QuotaReconcileRequest struct {
	PeriodStart string `json:"period_start"`
	DryRun      bool   `json:"dry_run"`
}
