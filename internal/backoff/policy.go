// Package backoff provides exponential backoff with jitter for the task
// runner and outbound channel sends.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the initial backoff duration in milliseconds.
	InitialMs float64
	// MaxMs is the maximum backoff duration in milliseconds.
	MaxMs float64
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) applied on top of
	// the exponential base.
	Jitter float64
}

// Compute calculates the backoff duration for a given attempt number.
// base = initialMs * factor^(attempt-1); jitter = base * jitter * random().
// Returns min(maxMs, base + jitter). Attempt numbers start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the backoff using a provided random value in
// [0.0, 1.0). Used by tests for deterministic results.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	jitterAmount := base * policy.Jitter * randomValue
	total := math.Min(policy.MaxMs, base+jitterAmount)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// TaskPolicy is the task-runner retry policy: base 2s, cap 32s, factor 2.
func TaskPolicy() Policy {
	return Policy{
		InitialMs: 2000,
		MaxMs:     32000,
		Factor:    2,
		Jitter:    0.2,
	}
}

// SendPolicy is the outbound channel send policy: quicker retries with a
// tighter cap, suited to 5xx/429 responses.
func SendPolicy() Policy {
	return Policy{
		InitialMs: 500,
		MaxMs:     8000,
		Factor:    2,
		Jitter:    0.25,
	}
}
