package webhook

import (
	"fmt"
	"net/url"
	"strings"
)

// Rejection reasons surfaced to callers. Validation never fails with a bare
// "bad request"; every rejection carries one of these.
const (
	ReasonInvalidURL            = "invalid_url"
	ReasonProtocolNotAllowed    = "protocol_not_allowed"
	ReasonCredentialsNotAllowed = "credentials_not_allowed"
	ReasonNotInAllowlist        = "not_in_allowlist"
	ReasonAllowlistEmpty        = "allowlist_empty"
)

// ValidationError is returned when a callback URL is rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "callback url rejected: " + e.Reason
}

// Reason extracts the rejection reason from a validation error, or "".
func Reason(err error) string {
	if vErr, ok := err.(*ValidationError); ok {
		return vErr.Reason
	}
	return ""
}

// AllowlistEntry is one permitted callback destination, parsed from
// configuration. Immutable once parsed.
type AllowlistEntry struct {
	Hostname        string
	Protocol        string
	Port            string
	AllowSubdomains bool
}

func defaultPort(scheme string) string {
	if scheme == "http" {
		return "80"
	}
	return "443"
}

// ParseAllowlist normalizes raw config entries into allowlist entries.
// Bare hostnames default to https on port 443. A leading "*." or "." marks
// the entry as matching proper subdomains and is stripped. Entries that do
// not parse, or use an unsupported protocol, are dropped: a bad config line
// must never widen what is allowed.
func ParseAllowlist(rawEntries []string) []AllowlistEntry {
	entries := make([]AllowlistEntry, 0, len(rawEntries))

	for _, raw := range rawEntries {
		raw = strings.TrimSpace(strings.ToLower(raw))
		if raw == "" {
			continue
		}

		allowSubdomains := false
		withoutScheme := raw
		if idx := strings.Index(raw, "://"); idx >= 0 {
			withoutScheme = raw[idx+3:]
		}
		if strings.HasPrefix(withoutScheme, "*.") {
			allowSubdomains = true
			raw = strings.Replace(raw, "*.", "", 1)
		} else if strings.HasPrefix(withoutScheme, ".") {
			allowSubdomains = true
			raw = strings.Replace(raw, ".", "", 1)
		}

		if !strings.Contains(raw, "://") {
			raw = "https://" + raw
		}

		parsed, err := url.Parse(raw)
		if err != nil || parsed.Hostname() == "" {
			continue
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			continue
		}

		port := parsed.Port()
		if port == "" {
			port = defaultPort(parsed.Scheme)
		}

		entries = append(entries, AllowlistEntry{
			Hostname:        parsed.Hostname(),
			Protocol:        parsed.Scheme,
			Port:            port,
			AllowSubdomains: allowSubdomains,
		})
	}

	return entries
}

// matches reports whether host/scheme/port satisfy the entry. Wildcard
// entries match the base host itself or any proper subdomain, never a bare
// suffix (so evil-example.com cannot spoof *.example.com).
func (e AllowlistEntry) matches(scheme, host, port string) bool {
	if scheme != e.Protocol || port != e.Port {
		return false
	}
	if host == e.Hostname {
		return true
	}
	if e.AllowSubdomains {
		return strings.HasSuffix(host, "."+e.Hostname)
	}
	return false
}

// Validate checks rawURL against the allowlist and returns the normalized
// form to persist (fragment stripped), or a ValidationError carrying the
// rejection reason.
func Validate(rawURL string, allowlist []AllowlistEntry) (string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", &ValidationError{Reason: ReasonInvalidURL}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || !parsed.IsAbs() || parsed.Hostname() == "" {
		return "", &ValidationError{Reason: ReasonInvalidURL}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", &ValidationError{Reason: ReasonProtocolNotAllowed}
	}

	// Embedded credentials are a classic SSRF / credential-leak vector.
	if parsed.User != nil {
		return "", &ValidationError{Reason: ReasonCredentialsNotAllowed}
	}

	if len(allowlist) == 0 {
		return "", &ValidationError{Reason: ReasonAllowlistEmpty}
	}

	host := strings.ToLower(parsed.Hostname())
	port := parsed.Port()
	if port == "" {
		port = defaultPort(scheme)
	}

	for _, entry := range allowlist {
		if entry.matches(scheme, host, port) {
			parsed.Fragment = ""
			return parsed.String(), nil
		}
	}

	return "", &ValidationError{Reason: ReasonNotInAllowlist}
}

// IsAllowed is the non-throwing counterpart of Validate, re-run at delivery
// time: the allowlist may have changed since the URL was accepted, and a URL
// valid at creation must not be trusted blindly at dispatch.
func IsAllowed(rawURL string, allowlist []AllowlistEntry) bool {
	_, err := Validate(rawURL, allowlist)
	return err == nil
}

// String renders the entry for logging.
func (e AllowlistEntry) String() string {
	host := e.Hostname
	if e.AllowSubdomains {
		host = "*." + host
	}
	return fmt.Sprintf("%s://%s:%s", e.Protocol, host, e.Port)
}
