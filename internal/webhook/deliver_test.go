package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offerforge/offerpdf/internal/retry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDeliver(t *testing.T) {
	t.Run("posts payload to allowlisted url", func(t *testing.T) {
		var received Payload
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		allowlist := ParseAllowlist([]string{srv.URL})
		d := NewDeliverer(allowlist, 5*time.Second, discardLogger())

		completedAt := time.Now().UTC()
		payload := Payload{
			JobID:         "job-1",
			OfferID:       "offer-1",
			Status:        "completed",
			PDFURL:        "https://cdn.example.com/job-1.pdf",
			DownloadToken: "tok",
			CompletedAt:   &completedAt,
		}

		err := d.Deliver(context.Background(), srv.URL+"/cb", payload)
		require.NoError(t, err)
		assert.Equal(t, "job-1", received.JobID)
		assert.Equal(t, "https://cdn.example.com/job-1.pdf", received.PDFURL)
	})

	t.Run("non-2xx is a delivery failure carrying the status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		allowlist := ParseAllowlist([]string{srv.URL})
		d := NewDeliverer(allowlist, 5*time.Second, discardLogger())

		err := d.Deliver(context.Background(), srv.URL+"/cb", Payload{JobID: "job-1"})
		require.Error(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, retry.HTTPStatus(err))
	})

	t.Run("url rejected at delivery time when allowlist changed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("delivery must not reach the server")
		}))
		defer srv.Close()

		// The stored URL was valid once; the current allowlist no longer has it.
		allowlist := ParseAllowlist([]string{"hooks.example.com"})
		d := NewDeliverer(allowlist, 5*time.Second, discardLogger())

		err := d.Deliver(context.Background(), srv.URL+"/cb", Payload{JobID: "job-1"})
		require.Error(t, err)
		assert.Equal(t, ReasonNotInAllowlist, Reason(err))
	})

	t.Run("transport error is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := srv.URL
		allowlist := ParseAllowlist([]string{url})
		srv.Close()

		d := NewDeliverer(allowlist, time.Second, discardLogger())

		err := d.Deliver(context.Background(), url+"/cb", Payload{JobID: "job-1"})
		require.Error(t, err)
		assert.True(t, retry.IsRetryable(err))
	})
}
