package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"
)

const defaultReconcileConcurrency = 4

// LedgerSource is the ground-truth access the reconciler needs. Implemented
// by Store over Postgres; faked in tests.
type LedgerSource interface {
	// ListActiveUsers returns users with either jobs or a quota row in the period.
	ListActiveUsers(ctx context.Context, periodStart time.Time) ([]string, error)
	// GroundTruthCount counts parent offers with a committed artifact in the period.
	GroundTruthCount(ctx context.Context, userID string, periodStart time.Time) (int, error)
	// StoredCount returns the ledger's confirmed_count for the user/period.
	StoredCount(ctx context.Context, userID string, periodStart time.Time) (int, error)
	// OverwriteCount replaces the stored counter with the recomputed value.
	OverwriteCount(ctx context.Context, userID string, periodStart time.Time, count int) error
}

// Reconciler recomputes confirmed_count from ground truth and overwrites the
// stored counter where it disagrees. The counter is a cache of a derivable
// fact; any drift introduced by a bug elsewhere is repaired here.
type Reconciler struct {
	source      LedgerSource
	logger      *slog.Logger
	concurrency int
}

// NewReconciler creates a quota reconciler processing users in small
// concurrent batches to bound database load.
func NewReconciler(source LedgerSource, logger *slog.Logger, concurrency int) *Reconciler {
	if concurrency <= 0 {
		concurrency = defaultReconcileConcurrency
	}
	return &Reconciler{
		source:      source,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Result aggregates one reconciliation run.
type Result struct {
	TotalUsers int `json:"total_users"`
	Fixed      int `json:"fixed"`
	Errors     int `json:"errors"`
}

// Reconcile checks every active user in the period. With dryRun it reports
// discrepancies without performing any write.
func (r *Reconciler) Reconcile(ctx context.Context, periodStart time.Time, dryRun bool) (*Result, error) {
	users, err := r.source.ListActiveUsers(ctx, periodStart)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}

	result := &Result{TotalUsers: len(users)}
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency)

	for _, userID := range users {
		userID := userID
		group.Go(func() error {
			fixed, err := r.reconcileUser(groupCtx, userID, periodStart, dryRun)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors++
				r.logger.Error("Quota reconciliation failed for user",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				// Per-user errors are counted, not propagated: one bad row
				// must not halt the batch.
				return nil
			}
			if fixed {
				result.Fixed++
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return result, err
	}

	r.logger.Info("Quota reconciliation complete",
		slog.Time("period_start", periodStart),
		slog.Bool("dry_run", dryRun),
		slog.Int("total_users", result.TotalUsers),
		slog.Int("fixed", result.Fixed),
		slog.Int("errors", result.Errors),
	)
	return result, nil
}

func (r *Reconciler) reconcileUser(ctx context.Context, userID string, periodStart time.Time, dryRun bool) (bool, error) {
	truth, err := r.source.GroundTruthCount(ctx, userID, periodStart)
	if err != nil {
		return false, err
	}

	stored, err := r.source.StoredCount(ctx, userID, periodStart)
	if err != nil {
		return false, err
	}

	if stored == truth {
		return false, nil
	}

	r.logger.Warn("Quota counter drift detected",
		slog.String("user_id", userID),
		slog.Int("stored", stored),
		slog.Int("ground_truth", truth),
		slog.Bool("dry_run", dryRun),
	)

	if dryRun {
		return true, nil
	}

	if err := r.source.OverwriteCount(ctx, userID, periodStart, truth); err != nil {
		return false, err
	}
	return true, nil
}

// Store implements LedgerSource over Postgres.
type Store struct {
	db *sqlx.DB
}

// NewStore creates the Postgres-backed LedgerSource.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) ListActiveUsers(ctx context.Context, periodStart time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT user_id FROM (
			SELECT user_id FROM render_jobs WHERE created_at >= $1 AND created_at < $2
			UNION
			SELECT user_id FROM quota_periods WHERE period_start = $1
		) AS active
	`

	var users []string
	if err := s.db.SelectContext(ctx, &users, query, periodStart, periodStart.AddDate(0, 1, 0)); err != nil {
		return nil, fmt.Errorf("failed to select active users: %w", err)
	}
	return users, nil
}

func (s *Store) GroundTruthCount(ctx context.Context, userID string, periodStart time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM offers
		WHERE user_id = $1
		  AND pdf_url IS NOT NULL
		  AND created_at >= $2
		  AND created_at < $3
	`

	var count int
	if err := s.db.GetContext(ctx, &count, query, userID, periodStart, periodStart.AddDate(0, 1, 0)); err != nil {
		return 0, fmt.Errorf("failed to count committed offers: %w", err)
	}
	return count, nil
}

func (s *Store) StoredCount(ctx context.Context, userID string, periodStart time.Time) (int, error) {
	query := `
		SELECT confirmed_count FROM quota_periods
		WHERE user_id = $1 AND period_start = $2
	`

	var count int
	err := s.db.GetContext(ctx, &count, query, userID, periodStart)
	if err != nil {
		// A missing row counts as zero; ground truth decides whether one is needed.
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get stored quota counter: %w", err)
	}
	return count, nil
}

func (s *Store) OverwriteCount(ctx context.Context, userID string, periodStart time.Time, count int) error {
	query := `
		INSERT INTO quota_periods (user_id, period_start, confirmed_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, period_start)
		DO UPDATE SET confirmed_count = EXCLUDED.confirmed_count, updated_at = NOW()
	`

	if _, err := s.db.ExecContext(ctx, query, userID, periodStart, count); err != nil {
		return fmt.Errorf("failed to overwrite quota counter: %w", err)
	}
	return nil
}
