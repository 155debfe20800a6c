package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/offerforge/offerpdf/internal/retry"
)

// Ledger mutations run against sqlx.ExtContext so they compose into the
// caller's transaction: confirmed_count only ever moves inside the
// transactional completion/failure operations, never on its own.

// EnsurePeriod creates the quota row for (userID, periodStart) if missing.
// defaultLimit nil means unlimited.
func EnsurePeriod(ctx context.Context, ext sqlx.ExtContext, userID string, periodStart time.Time, defaultLimit *int) error {
	query := `
		INSERT INTO quota_periods (user_id, period_start, confirmed_count, render_limit)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (user_id, period_start) DO NOTHING
	`

	if _, err := ext.ExecContext(ctx, query, userID, periodStart, defaultLimit); err != nil {
		return fmt.Errorf("failed to ensure quota period: %w", err)
	}
	return nil
}

// CheckAndIncrement admits one completion against the user's quota. The check
// and the increment are a single conditional UPDATE, which closes the
// check-then-act race between two workers finishing concurrently for a user
// at their limit: at most one of them matches the WHERE clause. A failed
// match is a ConsistencyViolation, not a transient fault.
func CheckAndIncrement(ctx context.Context, ext sqlx.ExtContext, userID string, periodStart time.Time) error {
	query := `
		UPDATE quota_periods
		SET confirmed_count = confirmed_count + 1,
		    updated_at = NOW()
		WHERE user_id = $1
		  AND period_start = $2
		  AND (render_limit IS NULL OR confirmed_count < render_limit)
	`

	result, err := ext.ExecContext(ctx, query, userID, periodStart)
	if err != nil {
		return fmt.Errorf("failed to increment quota: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return retry.NewConsistencyViolation("quota exhausted for user %s in period %s", userID, periodStart.Format("2006-01"))
	}
	return nil
}

// Decrement rolls back exactly one confirmed completion, clamped at zero.
func Decrement(ctx context.Context, ext sqlx.ExtContext, userID string, periodStart time.Time) error {
	query := `
		UPDATE quota_periods
		SET confirmed_count = GREATEST(confirmed_count - 1, 0),
		    updated_at = NOW()
		WHERE user_id = $1 AND period_start = $2
	`

	if _, err := ext.ExecContext(ctx, query, userID, periodStart); err != nil {
		return fmt.Errorf("failed to decrement quota: %w", err)
	}
	return nil
}

// Usage is a point-in-time view of a user's quota for one period.
type Usage struct {
	ConfirmedCount int
	PendingCount   int
	Limit          *int
}

// GetUsage returns confirmed usage from the ledger and pending usage computed
// on demand from the job table. Pending is never stored, so it cannot drift
// from ground truth.
func GetUsage(ctx context.Context, ext sqlx.ExtContext, userID string, periodStart time.Time) (*Usage, error) {
	var usage Usage

	var confirmed int
	var limit sql.NullInt64
	query := `
		SELECT confirmed_count, render_limit
		FROM quota_periods
		WHERE user_id = $1 AND period_start = $2
	`
	err := ext.QueryRowxContext(ctx, query, userID, periodStart).Scan(&confirmed, &limit)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get quota period: %w", err)
	}
	usage.ConfirmedCount = confirmed
	if limit.Valid {
		v := int(limit.Int64)
		usage.Limit = &v
	}

	pendingQuery := `
		SELECT COUNT(*)
		FROM render_jobs
		WHERE user_id = $1
		  AND status IN ('pending', 'processing')
		  AND created_at >= $2
		  AND created_at < $3
	`
	err = ext.QueryRowxContext(ctx, pendingQuery, userID, periodStart, periodStart.AddDate(0, 1, 0)).Scan(&usage.PendingCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending jobs: %w", err)
	}

	return &usage, nil
}
