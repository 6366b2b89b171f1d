package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryableError carries the provider's hint on whether a failed call may be retried
type RetryableError struct {
	Err        error
	StatusCode int
	Retryable  bool
	// RetryAfter is the server supplied wait, zero when absent
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	if e.StatusCode != 0 {
		return "status " + strconv.Itoa(e.StatusCode) + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError classifies an error by HTTP status code
func NewRetryableError(err error, statusCode int) *RetryableError {
	retryable := statusCode == http.StatusTooManyRequests ||
		statusCode >= 500 ||
		statusCode == http.StatusRequestTimeout ||
		statusCode == http.StatusConflict

	return &RetryableError{
		Err:        err,
		StatusCode: statusCode,
		Retryable:  retryable,
	}
}

// WrapHTTPError classifies an error using the response status and Retry-After header
func WrapHTTPError(err error, resp *http.Response) error {
	if err == nil {
		return nil
	}
	if resp == nil {
		return ClassifyError(err)
	}
	re := NewRetryableError(err, resp.StatusCode)
	re.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	return re
}

// ClassifyError wraps an error without a status code. Transport failures are
// retryable; everything else is not.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	retryable := errors.As(err, &netErr) || IsRateLimitError(err)
	return &RetryableError{Err: err, Retryable: retryable}
}

// IsRetryable reports whether err carries a retryable hint
func IsRetryable(err error) bool {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// StatusCode extracts the HTTP status code from err, zero if unknown
func StatusCode(err error) int {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	if StatusCode(err) == http.StatusTooManyRequests {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	rateLimitPatterns := []string{
		"rate limit",
		"too many requests",
		"resource exhausted",
		"rate exceeded",
		"throttled",
	}

	for _, pattern := range rateLimitPatterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}

	return false
}

// BackoffDelay returns min(maxDelay, initial*2^attempt). A server supplied
// Retry-After longer than the computed delay is honoured up to maxDelay.
func BackoffDelay(attempt int, initial, maxDelay time.Duration, err error) time.Duration {
	delay := initial
	for i := 0; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	var re *RetryableError
	if errors.As(err, &re) && re.RetryAfter > delay {
		delay = re.RetryAfter
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return delay
}

// parseRetryAfter parses the Retry-After header
func parseRetryAfter(retryAfter string) time.Duration {
	if retryAfter == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(retryAfter); err == nil {
		if delay := time.Until(t); delay > 0 {
			return delay
		}
	}
	return 0
}
