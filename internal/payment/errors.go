package payment

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// Request errors
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrExpired    = errors.New("payment request expired")

	// Chain errors
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrSignerUnavailable  = errors.New("no signer available")
	ErrWrongNetwork       = errors.New("signer is on the wrong network")
	ErrSubmissionFailed   = errors.New("transaction submission failed")

	// Settlement errors
	ErrDuplicateTransaction = errors.New("transaction already attached")
	ErrVerificationFailed   = errors.New("transaction verification failed")
	ErrNotYetFinal          = errors.New("transaction not yet final")

	// Throttling errors
	ErrRateLimited      = errors.New("reward rate limit exceeded")
	ErrDailyCapExceeded = errors.New("daily reward cap exceeded")
)

// LimitError reports a throttled reward and when the caller may retry
type LimitError struct {
	Kind    error // ErrRateLimited or ErrDailyCapExceeded
	UserID  string
	ResetAt time.Time
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%v for user %s until %s", e.Kind, e.UserID, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *LimitError) Unwrap() error {
	return e.Kind
}

// RetryAfter returns how long until the limit resets, never negative
func (e *LimitError) RetryAfter(now time.Time) time.Duration {
	if d := e.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// IsRetryable reports whether repeating the same call later may succeed
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotYetFinal),
		errors.Is(err, ErrNetworkUnavailable),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrDailyCapExceeded),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// isTransient separates I/O trouble from a definitive answer given by a network
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Anything that is not one of our definitive outcomes is treated as I/O trouble
	for _, definitive := range []error{
		ErrValidation, ErrNotFound, ErrSignerUnavailable, ErrWrongNetwork,
		ErrSubmissionFailed, ErrVerificationFailed, context.Canceled,
	} {
		if errors.Is(err, definitive) {
			return false
		}
	}
	return true
}
