package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error is returned for every failed API call. Status is 0 when the request
// never produced a response.
type Error struct {
	Status    int
	Body      string
	Retryable bool
	Timeout   bool
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("remote api: timeout: %v", e.Err)
	case e.Status == 0:
		return fmt.Sprintf("remote api: transport: %v", e.Err)
	case e.Body != "":
		return fmt.Sprintf("remote api: status %d: %s", e.Status, truncate(e.Body, 200))
	default:
		return fmt.Sprintf("remote api: status %d", e.Status)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// RetryableStatus reports whether an HTTP status is worth retrying:
// request timeout, rate limiting and server errors.
func RetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// IsRetryable reports whether err is a retryable *Error. Errors of any
// other type report false; callers decide how to treat them.
func IsRetryable(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return false
}

func transportError(err error) *Error {
	timeout := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}
	return &Error{Retryable: true, Timeout: timeout, Err: err}
}

// Category groups failures by what the user can do about them.
type Category string

const (
	CategoryAuth      Category = "auth"
	CategoryRateLimit Category = "rate_limit"
	CategoryTimeout   Category = "timeout"
	CategoryGeneric   Category = "generic"
)

func Classify(err error) Category {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		if errors.Is(err, context.DeadlineExceeded) {
			return CategoryTimeout
		}
		return CategoryGeneric
	}
	switch {
	case apiErr.Timeout || apiErr.Status == http.StatusRequestTimeout:
		return CategoryTimeout
	case apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden:
		return CategoryAuth
	case apiErr.Status == http.StatusTooManyRequests:
		return CategoryRateLimit
	default:
		return CategoryGeneric
	}
}

// Describe turns err into guidance for the user.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	switch Classify(err) {
	case CategoryAuth:
		return "The API rejected the credentials. Check remote.token in the configuration."
	case CategoryRateLimit:
		return "The API is rate limiting requests. The job will be retried later."
	case CategoryTimeout:
		return "The API did not answer in time. Check the connection or try again later."
	default:
		return "The request failed: " + err.Error()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
