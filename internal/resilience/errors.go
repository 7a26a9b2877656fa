// Package resilience classifies raster source failures into the kinds the
// fallback chain understands.
package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Failure kinds recorded for each fallback attempt.
const (
	KindSourceUnavailable = "source_unavailable"
	KindTransientCompute  = "transient_compute_failure"
	KindOther             = "other"
)

// SourceUnavailableError reports that a raster source could not be loaded:
// unknown collection, no images in the temporal window, or access denied.
// It is permanent for that source and advances the fallback chain.
type SourceUnavailableError struct {
	Source     string
	StatusCode int
	Err        error
}

func (e *SourceUnavailableError) Error() string {
	return "source unavailable: " + e.Source + ": " + e.Err.Error()
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// NewSourceUnavailable wraps err as a load failure for source.
func NewSourceUnavailable(source string, err error, statusCode int) *SourceUnavailableError {
	return &SourceUnavailableError{Source: source, StatusCode: statusCode, Err: err}
}

// TransientComputeError reports that the reduction call itself failed
// (quota, timeout, server fault). The same source might succeed later, but
// the chain only advances; it never retries the same source.
type TransientComputeError struct {
	Source     string
	StatusCode int
	Err        error
}

func (e *TransientComputeError) Error() string {
	return "transient compute failure: " + e.Source + ": " + e.Err.Error()
}

func (e *TransientComputeError) Unwrap() error {
	return e.Err
}

// NewTransientCompute wraps err as a reduction failure for source.
func NewTransientCompute(source string, err error, statusCode int) *TransientComputeError {
	return &TransientComputeError{Source: source, StatusCode: statusCode, Err: err}
}

// IsSourceUnavailable reports whether err carries a SourceUnavailableError.
func IsSourceUnavailable(err error) bool {
	var se *SourceUnavailableError
	return errors.As(err, &se)
}

// IsTransientCompute reports whether err carries a TransientComputeError.
func IsTransientCompute(err error) bool {
	var te *TransientComputeError
	return errors.As(err, &te)
}

// IsFallback reports whether err should advance a fallback chain.
func IsFallback(err error) bool {
	return IsSourceUnavailable(err) || IsTransientCompute(err)
}

// Kind returns the failure kind label for err.
func Kind(err error) string {
	switch {
	case IsSourceUnavailable(err):
		return KindSourceUnavailable
	case IsTransientCompute(err):
		return KindTransientCompute
	default:
		return KindOther
	}
}

// IsTransient returns true if err looks like a network or timeout failure:
// deadline exceeded, net timeouts, connection resets, DNS failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if IsTransientCompute(err) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
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
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"quota exceeded",
		"too many concurrent aggregations",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true for statuses that mean the engine was
// busy or faulted rather than that the request was wrong.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

// IsUnavailableHTTPStatus returns true for statuses that mean the source
// does not exist or the caller may not read it.
func IsUnavailableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 400, 401, 403, 404, 410:
		return true
	default:
		return false
	}
}
