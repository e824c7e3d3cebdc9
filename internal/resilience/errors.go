// Package resilience provides the transient-error taxonomy, backoff
// policy, and circuit breaker used around source endpoint fetches.
package resilience

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"syscall"
)

// FetchError wraps a failure while downloading from a source endpoint.
// Transient failures (timeouts, 5xx, connection resets) are eligible
// for retry scheduling; permanent ones (404, bad URL) are not.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return "fetch " + e.URL + ": status " + strconv.Itoa(e.StatusCode) + ": " + e.Err.Error()
	}
	return "fetch " + e.URL + ": " + e.Err.Error()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError wraps err as a fetch failure for url. statusCode is 0
// when the failure happened below HTTP.
func NewFetchError(url string, statusCode int, err error) *FetchError {
	return &FetchError{URL: url, StatusCode: statusCode, Err: err}
}

// transientPatterns matches wrapped network errors whose types were
// lost in HTTP client error strings.
var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
}

// IsRetryable reports whether the error chain indicates a transient
// condition worth re-attempting later.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		if fe.StatusCode > 0 {
			return RetryableHTTPStatus(fe.StatusCode)
		}
		return IsRetryable(fe.Err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// RetryableHTTPStatus reports whether the status code indicates a
// server-side condition that is safe to retry.
func RetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
