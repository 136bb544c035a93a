package queue

import (
	"math/rand/v2"
	"time"
)

// BackoffType selects the delay curve between attempts.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// RetryPolicy decides whether and when a failed job runs again. A job that
// exhausts Attempts, or whose error is rejected by Retryable, moves to the
// failed state (dead-lettered).
type RetryPolicy struct {
	Attempts int
	Backoff  BackoffType
	Delay    time.Duration
	MaxDelay time.Duration
	// Jitter adds up to Jitter*delay of random spread. Zero disables it.
	Jitter float64
	// Retryable filters errors; nil retries every error.
	Retryable func(error) bool
}

// DefaultRetryPolicy mirrors the worker's environment defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 3,
		Backoff:  BackoffExponential,
		Delay:    5 * time.Second,
		MaxDelay: 30 * time.Minute,
	}
}

func (p RetryPolicy) maxAttempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// NextDelay returns the wait before the attempt following failed attempt n (1-based).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.Delay
	if p.Backoff != BackoffFixed {
		delay = p.Delay * time.Duration(1<<uint(min(attempt-1, 20)))
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 && delay > 0 {
		spread := int64(float64(delay) * p.Jitter)
		if spread > 0 {
			delay += time.Duration(rand.Int64N(spread))
		}
	}
	return delay
}
