package state

import (
	"math"
	"math/rand"
	"time"

	"github.com/syftflow/syftflow/pkg/models"
)

const defaultRetryDelay = 5 * time.Second

// retryDelay computes the wait before retry attempt n (1-based count of
// failures so far).
func retryDelay(policy *models.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Backoff == nil || policy.Backoff.InitialDelayMs <= 0 {
		return defaultRetryDelay
	}

	backoff := policy.Backoff
	initial := float64(backoff.InitialDelayMs)

	var delayMs float64

	switch backoff.Strategy {
	case models.BackoffLinear:
		delayMs = initial * float64(attempt)
	case models.BackoffFixed:
		delayMs = initial
	default:
		multiplier := backoff.Multiplier
		if multiplier <= 1 {
			multiplier = 2
		}

		delayMs = initial * math.Pow(multiplier, float64(attempt-1))
	}

	if backoff.MaxDelayMs > 0 && delayMs > float64(backoff.MaxDelayMs) {
		delayMs = float64(backoff.MaxDelayMs)
	}

	if backoff.Jitter {
		// Half fixed, half random, keeps retries from synchronizing across
		// parties polling the same store.
		delayMs = delayMs/2 + rand.Float64()*delayMs/2
	}

	return time.Duration(delayMs) * time.Millisecond
}
