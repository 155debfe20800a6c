package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/offerforge/offerpdf/internal/retry"
)

// Document describes what the renderer turns into PDF bytes.
type Document struct {
	OfferID string `json:"offer_id"`
	UserID  string `json:"user_id"`
	Title   string `json:"title"`
}

// Renderer turns a document description into PDF bytes. How that happens is
// a collaborator concern; the pipeline only sees bytes or an error.
type Renderer interface {
	Render(ctx context.Context, doc Document) ([]byte, error)
}

// HTTPRenderer calls an external render service over HTTP.
type HTTPRenderer struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPRenderer creates a renderer with a bounded request timeout.
func NewHTTPRenderer(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPRenderer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPRenderer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Render POSTs the document to the render service and returns the PDF bytes.
// Non-2xx responses carry the upstream status so the retry classifier can
// decide transient vs. permanent from it.
func (r *HTTPRenderer) Render(ctx context.Context, doc Document) ([]byte, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/pdf")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("render request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &retry.HTTPError{Status: resp.StatusCode, Message: "render service rejected document"}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to read rendered document: %w", err))
	}

	r.logger.Debug("Document rendered",
		slog.String("offer_id", doc.OfferID),
		slog.Int("bytes", len(data)),
	)
	return data, nil
}

// ValidatePDF rejects artifacts that are not structurally valid PDF before
// they are uploaded and committed. A renderer returning garbage is a
// permanent failure, not a transient one.
func ValidatePDF(data []byte) error {
	if len(data) == 0 {
		return retry.Permanent(fmt.Errorf("rendered artifact is empty"))
	}
	if err := pdfapi.Validate(bytes.NewReader(data), nil); err != nil {
		return retry.Permanent(fmt.Errorf("rendered artifact is malformed: %w", err))
	}
	return nil
}
