package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/offerforge/offerpdf/internal/retry"
)

const (
	defaultDeliveryTimeout = 10 * time.Second
	maxLoggedBodyBytes     = 512
)

// Payload is the job metadata POSTed to the callback URL.
type Payload struct {
	JobID         string     `json:"job_id"`
	OfferID       string     `json:"offer_id"`
	Status        string     `json:"status"`
	PDFURL        string     `json:"pdf_url,omitempty"`
	DownloadToken string     `json:"download_token,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Deliverer POSTs job results to validated callback URLs. Delivery failure
// never mutates job state; callers treat the returned error as observational
// and a delivery can be replayed any number of times.
type Deliverer struct {
	client    *http.Client
	allowlist []AllowlistEntry
	logger    *slog.Logger
}

// NewDeliverer creates a Deliverer with a bounded, cancellable timeout.
func NewDeliverer(allowlist []AllowlistEntry, timeout time.Duration, logger *slog.Logger) *Deliverer {
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	return &Deliverer{
		client:    &http.Client{Timeout: timeout},
		allowlist: allowlist,
		logger:    logger,
	}
}

// Deliver re-validates callbackURL against the current allowlist and POSTs
// the payload. A non-2xx response is logged with a truncated body and
// reported as a delivery failure.
func (d *Deliverer) Deliver(ctx context.Context, callbackURL string, payload Payload) error {
	normalized, err := Validate(callbackURL, d.allowlist)
	if err != nil {
		d.logger.Warn("Webhook URL rejected at delivery time",
			slog.String("job_id", payload.JobID),
			slog.String("reason", Reason(err)),
		)
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, normalized, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("Webhook delivery failed",
			slog.String("job_id", payload.JobID),
			slog.String("error", err.Error()),
		)
		return retry.Transient(fmt.Errorf("webhook delivery failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		truncated, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBodyBytes))
		d.logger.Warn("Webhook delivery returned non-2xx",
			slog.String("job_id", payload.JobID),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(truncated)),
		)
		return &retry.HTTPError{Status: resp.StatusCode, Message: "webhook delivery rejected"}
	}

	d.logger.Info("Webhook delivered",
		slog.String("job_id", payload.JobID),
		slog.Int("status", resp.StatusCode),
	)
	return nil
}
