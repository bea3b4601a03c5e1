package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for the scheduler's retry policy.
type Kind int

const (
	KindNone Kind = iota
	KindResolution
	KindRateLimited
	KindTransient
	KindAuth
	KindStateCommit
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindResolution:
		return "resolution"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindStateCommit:
		return "state_commit"
	default:
		return "unknown"
	}
}

// Retryable reports whether the failed account should be retried on a later
// cycle without operator action.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTransient, KindStateCommit, KindUnknown:
		return true
	default:
		return false
	}
}

// ErrAuth marks credential failures. Credentials are shared across accounts,
// so this halts the scheduler.
var ErrAuth = errors.New("authentication failed")

// ResolutionError means a handle does not resolve to an account id.
type ResolutionError struct {
	Handle string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolving @%s: %v", e.Handle, e.Err)
	}
	return fmt.Sprintf("resolving @%s: account not found", e.Handle)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// RateLimitedError is returned when the provider refuses a request until
// RetryAfter has elapsed.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (retry after %v): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited (retry after %v)", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// TransientError wraps network failures and timeouts.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// AuthError carries the provider detail of a credential failure. It matches
// ErrAuth with errors.Is.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", ErrAuth, e.Err)
	}
	return ErrAuth.Error()
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// StateCommitError means the store could not persist a cycle. The cycle's
// posts are not dispatched.
type StateCommitError struct {
	Handle string
	Err    error
}

func (e *StateCommitError) Error() string {
	return fmt.Sprintf("committing state for @%s: %v", e.Handle, e.Err)
}

func (e *StateCommitError) Unwrap() error { return e.Err }

// Classify maps an error onto the retry taxonomy. Context deadline expiry is
// treated as transient.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var (
		resErr    *ResolutionError
		rateErr   *RateLimitedError
		commitErr *StateCommitError
		transErr  *TransientError
	)
	switch {
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.As(err, &resErr):
		return KindResolution
	case errors.As(err, &rateErr):
		return KindRateLimited
	case errors.As(err, &commitErr):
		return KindStateCommit
	case errors.As(err, &transErr), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindUnknown
	}
}

// RetryAfter extracts the provider backoff from a rate limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rateErr *RateLimitedError
	if errors.As(err, &rateErr) {
		return rateErr.RetryAfter, true
	}
	return 0, false
}
