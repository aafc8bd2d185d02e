package graph

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy defines automatic retry configuration for transient step failures.
//
// A policy is attached to a step kind when it is registered and never changes
// afterwards. Exponential backoff with jitter spaces out attempts so parallel
// steps hitting the same backend do not retry in lockstep.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts (including the initial attempt).
	// Must be >= 1. A value of 1 means no retries.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// BaseDelay is the delay before the second attempt. Each later attempt
	// doubles it: BaseDelay * 2^(attempt-1).
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`

	// MaxDelay caps the exponential delay before jitter is applied.
	// Zero means no cap.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// JitterFraction spreads each delay uniformly over
	// [delay*(1-JitterFraction), delay*(1+JitterFraction)]. Must be in [0, 1].
	JitterFraction float64 `json:"jitter_fraction" yaml:"jitter_fraction"`

	// Retryable overrides error classification for this kind.
	// If nil, IsRetryable is used.
	Retryable func(error) bool `json:"-" yaml:"-"`
}

// DefaultRetryPolicy is applied to kinds registered with a zero policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	BaseDelay:      500 * time.Millisecond,
	MaxDelay:       30 * time.Second,
	JitterFraction: 0.2,
}

// NoRetry runs a step exactly once.
var NoRetry = RetryPolicy{MaxAttempts: 1}

// Validate checks if the RetryPolicy configuration is valid.
// Returns ErrInvalidRetryPolicy if any constraint is violated:
//   - MaxAttempts must be >= 1
//   - BaseDelay and MaxDelay must not be negative
//   - if both MaxDelay and BaseDelay are > 0, MaxDelay must be >= BaseDelay
//   - JitterFraction must be within [0, 1]
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.BaseDelay < 0 || rp.MaxDelay < 0 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	if rp.JitterFraction < 0 || rp.JitterFraction > 1 || math.IsNaN(rp.JitterFraction) {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// isRetryable classifies err using the policy's predicate or IsRetryable.
func (rp *RetryPolicy) isRetryable(err error) bool {
	if rp.Retryable != nil {
		return rp.Retryable(err)
	}
	return IsRetryable(err)
}

// maxBackoffShift bounds the exponent; delays that would overflow saturate.
const maxBackoffShift = 30

// computeBackoff calculates the delay between attempt and attempt+1.
//
// The delay is min(base * 2^(attempt-1), maxDelay) scaled by a uniform factor
// in [1-jitter, 1+jitter]. attempt is one-based: the delay after the first
// failed attempt is computed with attempt = 1.
//
// Example delays with base=1s, maxDelay=30s, jitter=0.2:
//   - attempt 1: 1s ± 200ms
//   - attempt 2: 2s ± 400ms
//   - attempt 3: 4s ± 800ms
//   - attempt 10: 30s ± 6s (capped)
//
// rnd returns a float in [0, 1); nil uses math/rand/v2.
func computeBackoff(attempt int, policy RetryPolicy, rnd func() float64) time.Duration {
	if policy.BaseDelay <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}

	var delay time.Duration
	if policy.BaseDelay > time.Duration(math.MaxInt64>>shift) {
		delay = time.Duration(math.MaxInt64)
	} else {
		delay = policy.BaseDelay << shift
	}
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}

	if policy.JitterFraction <= 0 {
		return delay
	}
	if rnd == nil {
		rnd = rand.Float64 // #nosec G404 -- jitter for retry timing, not security
	}
	factor := 1 + policy.JitterFraction*(2*rnd()-1)
	jittered := float64(delay) * factor
	if jittered >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(jittered)
}
