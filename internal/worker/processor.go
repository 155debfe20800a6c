package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/offerforge/offerpdf/internal/pipeline"
	"github.com/offerforge/offerpdf/internal/render"
	"github.com/offerforge/offerpdf/internal/retry"
	"github.com/offerforge/offerpdf/internal/webhook"
)

// processJob runs one render job end to end. The returned requeue flag is
// true only when the failure happened before any job state transition; once
// the job row has been touched, retry timing belongs to the retry engine.
func (w *Worker) processJob(ctx context.Context, msg *jobMessage) (bool, error) {
	w.logger.Info("Processing job",
		slog.String("job_id", msg.JobID),
		slog.String("worker_id", w.workerID),
	)

	job, err := w.store.ClaimJob(ctx, msg.JobID, w.workerID)
	if err != nil {
		if errors.Is(err, pipeline.ErrJobAlreadyClaimed) {
			w.logger.Warn("Job already claimed, skipping",
				slog.String("job_id", msg.JobID),
			)
			return false, err
		}
		// Claim never ran; transient database errors are safe to requeue.
		return true, fmt.Errorf("failed to claim job: %w", err)
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job.JobID, heartbeatDone)
	defer close(heartbeatDone)

	started := time.Now()
	pdfURL, err := w.renderAndUpload(jobCtx, job)
	if err != nil {
		return false, w.failJob(ctx, job.JobID, err)
	}

	if err := w.store.RecordArtifact(ctx, job.JobID, pdfURL); err != nil {
		return false, w.failJob(ctx, job.JobID, fmt.Errorf("failed to record artifact: %w", err))
	}

	token, err := w.service.CompleteJob(ctx, job.JobID, pdfURL, time.Since(started))
	if err != nil {
		// Includes the quota check failing exactly at commit time: the whole
		// completion aborted, nothing was applied.
		return false, w.failJob(ctx, job.JobID, err)
	}

	w.notifyCallback(ctx, job, pdfURL, token)
	return false, nil
}

// renderAndUpload produces and stores the artifact. Render calls are retried
// in-process for transient renderer faults; a structurally invalid artifact
// is a permanent failure.
func (w *Worker) renderAndUpload(ctx context.Context, job *pipeline.Job) (string, error) {
	offer, err := w.store.GetOffer(ctx, job.OfferID)
	if err != nil {
		if errors.Is(err, pipeline.ErrOfferNotFound) {
			return "", retry.Permanent(err)
		}
		return "", err
	}

	doc := render.Document{
		OfferID: offer.OfferID,
		UserID:  offer.UserID,
		Title:   offer.Title,
	}

	var data []byte
	renderOnce := func(ctx context.Context) error {
		var renderErr error
		data, renderErr = w.renderer.Render(ctx, doc)
		return renderErr
	}
	onRetry := func(attempt int, err error, delay time.Duration) {
		w.logger.Warn("Render attempt failed, retrying",
			slog.String("job_id", job.JobID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
	}
	retryCfg := retry.Config{
		MaxAttempts: w.renderAttempts,
		BaseDelay:   time.Second,
		MaxDelay:    15 * time.Second,
	}
	if err := retry.Do(ctx, retryCfg, renderOnce, onRetry); err != nil {
		return "", err
	}

	if err := render.ValidatePDF(data); err != nil {
		return "", err
	}

	key := job.JobID + ".pdf"
	var url string
	uploadOnce := func(ctx context.Context) error {
		var putErr error
		url, putErr = w.blobs.Put(ctx, key, data)
		return putErr
	}
	if err := retry.Do(ctx, retryCfg, uploadOnce, onRetry); err != nil {
		return "", err
	}
	return url, nil
}

// failJob routes the error through the transactional failure path and
// returns the original error for NACK bookkeeping.
func (w *Worker) failJob(ctx context.Context, jobID string, cause error) error {
	if _, failErr := w.service.FailJobWithError(ctx, jobID, cause); failErr != nil {
		w.logger.Error("Failed to record job failure",
			slog.String("job_id", jobID),
			slog.String("error", failErr.Error()),
		)
	}
	return cause
}

// notifyCallback delivers the success webhook if one is configured.
// Delivery failure is logged and left for replay; it never mutates the job.
func (w *Worker) notifyCallback(ctx context.Context, job *pipeline.Job, pdfURL, token string) {
	if job.CallbackURL == nil || *job.CallbackURL == "" {
		return
	}

	completedAt := time.Now().UTC()
	payload := webhook.Payload{
		JobID:         job.JobID,
		OfferID:       job.OfferID,
		Status:        pipeline.StatusCompleted,
		PDFURL:        pdfURL,
		DownloadToken: token,
		CompletedAt:   &completedAt,
	}
	if err := w.deliverer.Deliver(ctx, *job.CallbackURL, payload); err != nil {
		w.logger.Warn("Webhook delivery failed; job state unaffected",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// sendJobHeartbeat refreshes the job heartbeat until the job finishes.
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
