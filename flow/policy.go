package flow

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures bounded exponential backoff for transient failures.
//
// The delay before attempt n (1-based) is BaseDelay * 2^(n-1), capped at
// MaxDelay, plus a jitter in [0, BaseDelay). The jitter is drawn from a
// generator seeded by the dedup ID and attempt, so the same failure always
// schedules the same deadline and transitions stay deterministic.
//
// Example:
//
//	policy := flow.RetryPolicy{
//	    MaxAttempts: 5,
//	    BaseDelay:   200 * time.Millisecond,
//	    MaxDelay:    30 * time.Second,
//	}
type RetryPolicy struct {
	// MaxAttempts is the total number of invocations allowed, including the
	// first. Must be >= 1.
	MaxAttempts int

	// BaseDelay is the initial backoff delay.
	BaseDelay time.Duration

	// MaxDelay caps the exponential component.
	MaxDelay time.Duration

	// Retryable optionally classifies errors returned by external operations
	// as transient in addition to those wrapped with Transient.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// Validate checks the policy is usable.
func (rp RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.BaseDelay < 0 || rp.MaxDelay < 0 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// transient reports whether err should be retried under this policy.
func (rp RetryPolicy) transient(err error) bool {
	if IsTransient(err) {
		return true
	}
	return rp.Retryable != nil && rp.Retryable(err)
}

// Delay returns the deterministic backoff before retry attempt (1-based)
// of the operation identified by key.
func (rp RetryPolicy) Delay(key string, attempt int) time.Duration {
	rng := rand.New(rand.NewSource(backoffSeed(key, attempt))) // #nosec G404 -- deterministic jitter, not security
	return computeBackoff(attempt-1, rp.BaseDelay, rp.MaxDelay, rng)
}

// computeBackoff returns base*2^attempt capped at maxDelay, plus jitter.
// Doubling stops at the cap, so large bases or attempt counts never
// overflow into a negative delay.
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}

	limit := time.Duration(math.MaxInt64)
	if maxDelay > 0 {
		limit = maxDelay
	}
	exponentialDelay := min(base, limit)
	for i := 0; i < attempt && exponentialDelay < limit; i++ {
		if exponentialDelay > limit/2 {
			exponentialDelay = limit
			break
		}
		exponentialDelay *= 2
	}

	jitter := time.Duration(rng.Int63n(int64(base)))
	if exponentialDelay > math.MaxInt64-jitter {
		return math.MaxInt64
	}
	return exponentialDelay + jitter
}

// backoffSeed hashes key and attempt into a generator seed.
func backoffSeed(key string, attempt int) int64 {
	h := sha256.New()
	h.Write([]byte(key))

	attemptBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(attemptBytes, uint32(attempt))
	h.Write(attemptBytes)

	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]) >> 1)
}
