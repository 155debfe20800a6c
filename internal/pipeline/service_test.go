package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offerforge/offerpdf/internal/retry"
)

// fakeJobStore replicates the transactional store's observable semantics in
// memory: terminal no-ops, single quota rollback, retry budget decisions.
type fakeJobStore struct {
	jobs            map[string]*Job
	quotaDecrements map[string]int
	completeErr     error
	completeCalls   int
	failErr         map[string]error
	candidates      []Job
	forceResults    map[string]string
	forceErr        map[string]error
	reclaimIDs      []string
	lastStuckCutoff time.Time
	lastReclaim     int
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:            map[string]*Job{},
		quotaDecrements: map[string]int{},
		failErr:         map[string]error{},
		forceResults:    map[string]string{},
		forceErr:        map[string]error{},
	}
}

func (f *fakeJobStore) GetJob(_ context.Context, jobID string) (*Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (f *fakeJobStore) CompleteJob(_ context.Context, jobID, pdfURL, downloadToken string) error {
	f.completeCalls++
	if f.completeErr != nil {
		return f.completeErr
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status == StatusCompleted {
		return nil
	}
	if job.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	job.Status = StatusCompleted
	job.PDFURL = &pdfURL
	job.DownloadToken = &downloadToken
	job.QuotaCommitted = true
	return nil
}

func (f *fakeJobStore) FailJob(_ context.Context, jobID, errorMessage string, allowRetry bool, nextRetryAt func(attempt int) time.Time) (*FailOutcome, error) {
	if err := f.failErr[jobID]; err != nil {
		return nil, err
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}

	if IsTerminal(job.Status) {
		return &FailOutcome{NoOp: true, Status: job.Status, RetryCount: job.RetryCount}, nil
	}

	if job.QuotaCommitted {
		f.quotaDecrements[job.UserID]++
		job.QuotaCommitted = false
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

	job.Status = outcome.Status
	job.RetryCount = outcome.RetryCount
	job.NextRetryAt = outcome.NextRetryAt
	msg := errorMessage
	job.ErrorMessage = &msg
	return outcome, nil
}

func (f *fakeJobStore) ListStuck(_ context.Context, olderThan time.Time) ([]Job, error) {
	f.lastStuckCutoff = olderThan
	var stuck []Job
	for _, job := range f.jobs {
		if job.Status == StatusProcessing && job.StartedAt != nil && job.StartedAt.Before(olderThan) {
			stuck = append(stuck, *job)
		}
	}
	return stuck, nil
}

func (f *fakeJobStore) FindReconcileCandidates(_ context.Context, limit int) ([]Job, error) {
	if len(f.candidates) > limit {
		return f.candidates[:limit], nil
	}
	return f.candidates, nil
}

func (f *fakeJobStore) ForceComplete(_ context.Context, jobID string) (string, error) {
	if err := f.forceErr[jobID]; err != nil {
		return ReconcileActionError, err
	}
	if action, ok := f.forceResults[jobID]; ok {
		return action, nil
	}
	return ReconcileActionNoop, nil
}

func (f *fakeJobStore) ReclaimDueRetries(_ context.Context, limit int) ([]string, error) {
	f.lastReclaim = limit
	return f.reclaimIDs, nil
}

func newTestService(store JobStore) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(store, logger, Config{
		RetryBaseDelay:     time.Second,
		RetryMaxDelay:      time.Minute,
		ReconcileItemDelay: time.Millisecond,
	})
}

func processingJob(jobID, userID string, retryCount, maxRetries int) *Job {
	started := time.Now().Add(-time.Minute)
	return &Job{
		JobID:      jobID,
		OfferID:    "offer-" + jobID,
		UserID:     userID,
		Status:     StatusProcessing,
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		StartedAt:  &started,
		CreatedAt:  time.Now().Add(-2 * time.Minute),
	}
}

func TestCompleteJob(t *testing.T) {
	t.Run("returns a fresh download token", func(t *testing.T) {
		store := newFakeJobStore()
		store.jobs["j1"] = processingJob("j1", "u1", 0, 3)
		svc := newTestService(store)

		token, err := svc.CompleteJob(context.Background(), "j1", "https://cdn/j1.pdf", time.Second)
		require.NoError(t, err)
		assert.Len(t, token, 48) // 24 random bytes, hex encoded
		assert.Equal(t, StatusCompleted, store.jobs["j1"].Status)
		require.NotNil(t, store.jobs["j1"].DownloadToken)
		assert.Equal(t, token, *store.jobs["j1"].DownloadToken)
	})

	t.Run("store failure surfaces without a token", func(t *testing.T) {
		store := newFakeJobStore()
		store.completeErr = retry.NewConsistencyViolation("quota exhausted for user u1")
		svc := newTestService(store)

		token, err := svc.CompleteJob(context.Background(), "j1", "https://cdn/j1.pdf", time.Second)
		require.Error(t, err)
		assert.Empty(t, token)

		var violation *retry.ConsistencyViolation
		assert.True(t, errors.As(err, &violation))
	})
}

func TestFailJob(t *testing.T) {
	t.Run("schedules retry while budget remains", func(t *testing.T) {
		store := newFakeJobStore()
		store.jobs["j1"] = processingJob("j1", "u1", 0, 3)
		svc := newTestService(store)

		before := time.Now()
		outcome, err := svc.FailJob(context.Background(), "j1", "renderer crashed")
		require.NoError(t, err)

		assert.False(t, outcome.NoOp)
		assert.True(t, outcome.ShouldRetry)
		assert.Equal(t, StatusFailed, outcome.Status)
		assert.Equal(t, 1, outcome.RetryCount)
		require.NotNil(t, outcome.NextRetryAt)
		assert.True(t, outcome.NextRetryAt.After(before))
	})

	t.Run("dead-letters when budget is exhausted", func(t *testing.T) {
		store := newFakeJobStore()
		store.jobs["j1"] = processingJob("j1", "u1", 3, 3)
		svc := newTestService(store)

		outcome, err := svc.FailJob(context.Background(), "j1", "renderer crashed")
		require.NoError(t, err)

		assert.False(t, outcome.ShouldRetry)
		assert.Equal(t, StatusDeadLetter, outcome.Status)
		// The dead-letter transition records the budget as it stood.
		assert.Equal(t, 3, outcome.RetryCount)
		assert.Nil(t, outcome.NextRetryAt)
	})

	t.Run("rolls back a committed quota increment exactly once", func(t *testing.T) {
		store := newFakeJobStore()
		job := processingJob("j1", "u1", 3, 3)
		job.QuotaCommitted = true
		store.jobs["j1"] = job
		svc := newTestService(store)

		_, err := svc.FailJob(context.Background(), "j1", "late failure")
		require.NoError(t, err)
		assert.Equal(t, 1, store.quotaDecrements["u1"])

		// Second failure hits a terminal job: no-op, no second decrement.
		outcome, err := svc.FailJob(context.Background(), "j1", "late failure again")
		require.NoError(t, err)
		assert.True(t, outcome.NoOp)
		assert.Equal(t, 1, store.quotaDecrements["u1"])
	})

	t.Run("failing a completed job is a no-op", func(t *testing.T) {
		store := newFakeJobStore()
		job := processingJob("j1", "u1", 0, 3)
		job.Status = StatusCompleted
		store.jobs["j1"] = job
		svc := newTestService(store)

		outcome, err := svc.FailJob(context.Background(), "j1", "spurious")
		require.NoError(t, err)
		assert.True(t, outcome.NoOp)
		assert.Equal(t, StatusCompleted, outcome.Status)
	})
}

func TestFailJobWithError(t *testing.T) {
	t.Run("transient error keeps the retry budget", func(t *testing.T) {
		store := newFakeJobStore()
		store.jobs["j1"] = processingJob("j1", "u1", 0, 3)
		svc := newTestService(store)

		outcome, err := svc.FailJobWithError(context.Background(), "j1", retry.Transient(errors.New("broker down")))
		require.NoError(t, err)
		assert.True(t, outcome.ShouldRetry)
	})

	t.Run("permanent error dead-letters immediately", func(t *testing.T) {
		store := newFakeJobStore()
		store.jobs["j1"] = processingJob("j1", "u1", 0, 3)
		svc := newTestService(store)

		outcome, err := svc.FailJobWithError(context.Background(), "j1", retry.Permanent(errors.New("malformed document")))
		require.NoError(t, err)
		assert.False(t, outcome.ShouldRetry)
		assert.Equal(t, StatusDeadLetter, outcome.Status)
	})

	t.Run("consistency violation dead-letters immediately", func(t *testing.T) {
		store := newFakeJobStore()
		store.jobs["j1"] = processingJob("j1", "u1", 0, 3)
		svc := newTestService(store)

		outcome, err := svc.FailJobWithError(context.Background(), "j1", retry.NewConsistencyViolation("quota exhausted"))
		require.NoError(t, err)
		assert.Equal(t, StatusDeadLetter, outcome.Status)
	})
}

func TestGetStuckJobs(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	makeJob := func(id string, startedAgo time.Duration) *Job {
		started := now.Add(-startedAgo)
		job := processingJob(id, "u1", 0, 3)
		job.StartedAt = &started
		return job
	}

	t.Run("finds only jobs older than the timeout", func(t *testing.T) {
		store := newFakeJobStore()
		store.jobs["old"] = makeJob("old", 15*time.Minute)
		store.jobs["fresh"] = makeJob("fresh", 5*time.Minute)
		svc := newTestService(store)
		svc.now = func() time.Time { return now }

		jobs, err := svc.GetStuckJobs(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "old", jobs[0].JobID)
		assert.True(t, store.lastStuckCutoff.Equal(now.Add(-10*time.Minute)))
	})

	t.Run("timeout clamped to lower bound", func(t *testing.T) {
		store := newFakeJobStore()
		svc := newTestService(store)
		svc.now = func() time.Time { return now }

		_, err := svc.GetStuckJobs(context.Background(), 0)
		require.NoError(t, err)
		assert.True(t, store.lastStuckCutoff.Equal(now.Add(-time.Minute)))
	})

	t.Run("timeout clamped to upper bound", func(t *testing.T) {
		store := newFakeJobStore()
		svc := newTestService(store)
		svc.now = func() time.Time { return now }

		_, err := svc.GetStuckJobs(context.Background(), 99999)
		require.NoError(t, err)
		assert.True(t, store.lastStuckCutoff.Equal(now.Add(-1440*time.Minute)))
	})
}

func TestResetStuckJobs(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("resets found jobs through the failure path", func(t *testing.T) {
		store := newFakeJobStore()
		started := now.Add(-time.Hour)
		j1 := processingJob("j1", "u1", 0, 3)
		j1.StartedAt = &started
		j2 := processingJob("j2", "u2", 3, 3)
		j2.StartedAt = &started
		store.jobs["j1"] = j1
		store.jobs["j2"] = j2
		svc := newTestService(store)
		svc.now = func() time.Time { return now }

		report, err := svc.ResetStuckJobs(context.Background(), 30)
		require.NoError(t, err)

		assert.Equal(t, 2, report.Found)
		assert.Equal(t, 2, report.Reset)
		assert.Equal(t, 0, report.Failed)

		// The reset consumed a retry attempt: budget left means retry pool,
		// exhausted budget means dead letter.
		assert.Equal(t, StatusFailed, store.jobs["j1"].Status)
		assert.Equal(t, StatusDeadLetter, store.jobs["j2"].Status)
		require.NotNil(t, store.jobs["j1"].ErrorMessage)
		assert.Contains(t, *store.jobs["j1"].ErrorMessage, "worker timeout")
	})

	t.Run("per-job errors do not halt the pass", func(t *testing.T) {
		store := newFakeJobStore()
		started := now.Add(-time.Hour)
		for _, id := range []string{"j1", "j2", "j3"} {
			job := processingJob(id, "u1", 0, 3)
			job.StartedAt = &started
			store.jobs[id] = job
		}
		store.failErr["j2"] = errors.New("row lock timeout")
		svc := newTestService(store)
		svc.now = func() time.Time { return now }

		report, err := svc.ResetStuckJobs(context.Background(), 30)
		require.NoError(t, err)

		assert.Equal(t, 3, report.Found)
		assert.Equal(t, 2, report.Reset)
		assert.Equal(t, 1, report.Failed)
		require.Len(t, report.Jobs, 3)
	})
}

func TestReconcile(t *testing.T) {
	t.Run("single job force-complete audit", func(t *testing.T) {
		store := newFakeJobStore()
		store.forceResults["j1"] = ReconcileActionCompleted
		svc := newTestService(store)

		audit := svc.ReconcileOne(context.Background(), "j1")
		assert.Equal(t, ReconcileActionCompleted, audit.Action)
		assert.NotEmpty(t, audit.Reason)
	})

	t.Run("errors land in the audit not the return", func(t *testing.T) {
		store := newFakeJobStore()
		store.forceErr["j1"] = errors.New("lock timeout")
		svc := newTestService(store)

		audit := svc.ReconcileOne(context.Background(), "j1")
		assert.Equal(t, ReconcileActionError, audit.Action)
		assert.Contains(t, audit.Reason, "lock timeout")
	})

	t.Run("batch aggregates outcomes", func(t *testing.T) {
		store := newFakeJobStore()
		pdf := "https://cdn/x.pdf"
		for _, id := range []string{"a", "b", "c", "d"} {
			job := processingJob(id, "u1", 0, 3)
			job.PDFURL = &pdf
			store.candidates = append(store.candidates, *job)
		}
		store.forceResults["a"] = ReconcileActionCompleted
		store.forceResults["b"] = ReconcileActionCompleted
		store.forceResults["c"] = ReconcileActionNoop
		store.forceErr["d"] = errors.New("boom")
		svc := newTestService(store)

		report, err := svc.ReconcileBatch(context.Background(), 10)
		require.NoError(t, err)

		assert.Equal(t, 4, report.Candidates)
		assert.Equal(t, 2, report.Completed)
		assert.Equal(t, 1, report.NoAction)
		assert.Equal(t, 1, report.Errors)
		assert.Len(t, report.Audits, 4)
	})

	t.Run("batch respects the limit", func(t *testing.T) {
		store := newFakeJobStore()
		for _, id := range []string{"a", "b", "c"} {
			store.candidates = append(store.candidates, *processingJob(id, "u1", 0, 3))
		}
		svc := newTestService(store)

		report, err := svc.ReconcileBatch(context.Background(), 2)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Candidates)
	})
}

func TestReclaimDueRetries(t *testing.T) {
	store := newFakeJobStore()
	store.reclaimIDs = []string{"j1", "j2"}
	svc := newTestService(store)

	ids, err := svc.ReclaimDueRetries(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"j1", "j2"}, ids)
	assert.Equal(t, 100, store.lastReclaim, "zero limit falls back to the default")
}
