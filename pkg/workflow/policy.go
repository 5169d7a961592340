package workflow

import (
	"time"

	"github.com/ffgarciam/cloud-usage-report/pkg/cur"
)

// RetryPolicy controls when and how a stage failure is retried. Policies are
// evaluated in declaration order; the first policy matching the failure's
// class governs the retry.
type RetryPolicy struct {
	// ErrorClasses lists the failure classes this policy applies to.
	ErrorClasses []cur.ErrorClass

	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Interval is the delay before the first retry.
	Interval time.Duration

	// BackoffMultiplier scales the delay on every subsequent retry.
	BackoffMultiplier float64
}

// Matches reports whether this policy covers the given failure class.
func (p RetryPolicy) Matches(class cur.ErrorClass) bool {
	for _, c := range p.ErrorClasses {
		if c == class {
			return true
		}
	}
	return false
}

// Backoff returns the delay before retrying after the given 1-based failed
// attempt: Interval * BackoffMultiplier^(attempt-1).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.Interval
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.BackoffMultiplier)
	}
	return delay
}

// firstMatching returns the first policy covering class, or nil.
func firstMatching(policies []RetryPolicy, class cur.ErrorClass) *RetryPolicy {
	for i := range policies {
		if policies[i].Matches(class) {
			return &policies[i]
		}
	}
	return nil
}

// DefaultServiceExceptionRetry absorbs transient service faults and stage
// timeouts with exponential backoff.
func DefaultServiceExceptionRetry() RetryPolicy {
	return RetryPolicy{
		ErrorClasses: []cur.ErrorClass{
			cur.ErrClassServiceException,
			cur.ErrClassServiceUnavailable,
			cur.ErrClassTimeout,
		},
		MaxAttempts:       6,
		Interval:          2 * time.Second,
		BackoffMultiplier: 2,
	}
}

// AccessDeniedRetry absorbs the eventual-consistency window of cross-account
// trust policy propagation: access denied is retried a bounded number of
// times, then treated as fatal.
func AccessDeniedRetry() RetryPolicy {
	return RetryPolicy{
		ErrorClasses:      []cur.ErrorClass{cur.ErrClassAccessDenied},
		MaxAttempts:       3,
		Interval:          2 * time.Second,
		BackoffMultiplier: 2,
	}
}

// TaskFailureRetry bounds transformation retries tightly: failures there are
// rarely transient and retries are costly on large payloads.
func TaskFailureRetry() RetryPolicy {
	return RetryPolicy{
		ErrorClasses: []cur.ErrorClass{
			cur.ErrClassNoSourceData,
			cur.ErrClassParseError,
			cur.ErrClassUploadError,
			cur.ErrClassQuotaExceeded,
			cur.ErrClassServiceException,
		},
		MaxAttempts:       2,
		Interval:          2 * time.Second,
		BackoffMultiplier: 2,
	}
}
