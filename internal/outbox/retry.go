package outbox

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/user/wacopilot/pkg/remote"
)

// RetryPolicy controls how failed jobs are rescheduled with exponential
// backoff plus random jitter.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxJitter    time.Duration
}

// DefaultRetryPolicy returns a RetryPolicy with sensible defaults:
// 5 attempts, 1s initial delay, 2x multiplier, 5m max delay, up to 500ms jitter.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Minute,
		MaxJitter:    500 * time.Millisecond,
	}
}

// ShouldRetry reports whether a job that has now failed attempts times
// should be tried again.
func (p *RetryPolicy) ShouldRetry(err error, attempts int) bool {
	if attempts >= p.MaxAttempts {
		return false
	}
	return IsRetryable(err)
}

// NextDelay returns the backoff delay after the given attempt (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Jitter returns a random duration in [0, MaxJitter].
func (p *RetryPolicy) Jitter() time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	return rand.N(p.MaxJitter + 1)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable classifies dispatch errors. API errors carry their own flag
// and errors marked Permanent are never retried. Anything else, including
// timeouts and network failures, is treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var apiErr *remote.Error
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return true
}
