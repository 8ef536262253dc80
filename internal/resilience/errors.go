// Package resilience provides error classification, retry, circuit breaker
// and dead-letter handling for calls to the generative model and other
// external dependencies.
package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// ErrorClass buckets an error into one recovery policy.
type ErrorClass string

const (
	ClassNetwork         ErrorClass = "network"
	ClassRateLimit       ErrorClass = "rate_limit"
	ClassDataError       ErrorClass = "data_error"
	ClassPermanent       ErrorClass = "permanent"
	ClassTransientServer ErrorClass = "transient_server"
	ClassUnknown         ErrorClass = "unknown"
)

// ClassifiedError wraps an error with an explicit class and optional
// HTTP status / retry-after hint from the upstream response.
type ClassifiedError struct {
	Err        error
	Class      ErrorClass
	StatusCode int
	RetryAfter int // seconds, from a Retry-After header when present
}

func (e *ClassifiedError) Error() string {
	return e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewClassifiedError wraps err with an explicit class.
func NewClassifiedError(err error, class ErrorClass) *ClassifiedError {
	return &ClassifiedError{Err: err, Class: class}
}

// FromHTTPStatus classifies an error by its HTTP status code.
func FromHTTPStatus(err error, statusCode int) *ClassifiedError {
	ce := &ClassifiedError{Err: err, StatusCode: statusCode}
	switch {
	case statusCode == http.StatusTooManyRequests:
		ce.Class = ClassRateLimit
	case statusCode == http.StatusRequestTimeout:
		ce.Class = ClassNetwork
	case statusCode >= 500:
		ce.Class = ClassTransientServer
	case statusCode >= 400:
		ce.Class = ClassPermanent
	default:
		ce.Class = ClassUnknown
	}
	return ce
}

// ErrExtractionFailed marks a structured response the model could not
// produce. It classifies as DATA_ERROR.
var ErrExtractionFailed = eris.New("extraction failed: no parseable structured response")

// Classify maps an error to exactly one ErrorClass. Explicit
// ClassifiedError wrappers win; otherwise network-shaped errors, context
// deadlines and connection failures land in NETWORK, parse failures in
// DATA_ERROR, everything else in UNKNOWN.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	// Timeouts count as NETWORK per the recovery policy.
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassNetwork
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return ClassNetwork
	}

	if errors.Is(err, ErrExtractionFailed) {
		return ClassDataError
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range networkPatterns {
		if strings.Contains(msg, p) {
			return ClassNetwork
		}
	}

	dataPatterns := []string{
		"invalid character",
		"unexpected end of json",
		"cannot unmarshal",
		"malformed response",
		"missing required field",
	}
	for _, p := range dataPatterns {
		if strings.Contains(msg, p) {
			return ClassDataError
		}
	}

	return ClassUnknown
}

// RetryAfterHint returns the seconds suggested by a rate-limited upstream,
// or 0 when no hint is available.
func RetryAfterHint(err error) int {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}
