package retry

import (
	"errors"
	"math/rand"
	"strings"
	"time"
)

// Substring patterns used to classify errors that arrive without an explicit
// type, e.g. messages bubbled up from an external renderer. Permanent
// patterns take precedence over retryable ones.
var (
	permanentPatterns = []string{
		"validation",
		"unauthorized",
		"forbidden",
		"not found",
		"malformed",
		"400",
		"401",
		"403",
		"404",
	}

	retryablePatterns = []string{
		"timeout",
		"timed out",
		"network",
		"connection reset",
		"connection refused",
		"429",
		"500",
		"502",
		"503",
		"504",
	}
)

func retryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// IsRetryable reports whether err represents a transient fault worth
// retrying. Explicitly tagged errors win; otherwise the HTTP-like status is
// consulted, then message substrings with permanent patterns taking
// precedence. Unclassified errors are not retryable, so a plain bug cannot
// put a job into an infinite retry loop.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	var violation *ConsistencyViolation
	if errors.As(err, &violation) {
		return false
	}
	var config *ConfigurationError
	if errors.As(err, &config) {
		return false
	}

	if status := HTTPStatus(err); status != 0 {
		return retryableStatus(status)
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range permanentPatterns {
		if strings.Contains(msg, pattern) {
			return false
		}
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}

// Delay computes the exponential backoff delay for the given attempt:
// base * 2^attempt, capped at max, plus 0-20% random jitter of the capped
// value so many jobs failing together do not retry in lockstep.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay + jitter
}
