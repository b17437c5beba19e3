package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrReauthRequired means the stored session can no longer be used and the
// user has to connect again
var ErrReauthRequired = errors.New("re-authentication required")

// AuthError is an invalid or expired session. It is never retried.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error: %s: %v", e.Reason, e.Err)
	}
	return "auth error: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError is provider throttling. The work should be requeued after
// RetryAfter, not failed.
type RateLimitError struct {
	RetryAfter     time.Duration
	Remaining15Min *int
	RemainingDaily *int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by provider (retry after %s)", e.RetryAfter)
}

// TransientNetworkError is a timeout, connection failure or 5xx that survived
// the client's own retries
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient error during %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// DataGapError means the provider has nothing for the requested day or item
type DataGapError struct {
	What string
}

func (e *DataGapError) Error() string {
	return "no provider data for " + e.What
}

// ValidationError is a malformed or unexpected provider payload
type ValidationError struct {
	What string
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid provider payload for %s: %v", e.What, e.Err)
	}
	return "invalid provider payload for " + e.What
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsAuth reports whether err is an authentication failure
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) || errors.Is(err, ErrReauthRequired)
}

// AsRateLimit returns the rate limit error wrapped in err, if any
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return rlErr, true
	}
	return nil, false
}

// IsRateLimited reports whether err is provider throttling
func IsRateLimited(err error) bool {
	_, ok := AsRateLimit(err)
	return ok
}

// IsTransient reports whether err is worth retrying later
func IsTransient(err error) bool {
	var tErr *TransientNetworkError
	return errors.As(err, &tErr)
}

// IsDataGap reports whether err is an empty provider result
func IsDataGap(err error) bool {
	var gapErr *DataGapError
	return errors.As(err, &gapErr)
}

// IsValidation reports whether err is a malformed provider payload
func IsValidation(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}

// Kind names the error category, as recorded on backfill jobs
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsAuth(err):
		return "auth"
	case IsRateLimited(err):
		return "rate_limited"
	case IsTransient(err):
		return "transient"
	case IsDataGap(err):
		return "data_gap"
	case IsValidation(err):
		return "validation"
	default:
		return "internal"
	}
}
