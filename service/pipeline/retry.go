package pipeline

import (
	"math"
	"time"
)

// RetryPolicy controls how often a failed dispatch is re-sent within one
// cycle. Re-sending is safe because the ledger applies each transaction at
// most once.
type RetryPolicy struct {
	// MaxAttempts is the total number of sends; 1 disables retries.
	MaxAttempts        int
	InitialInterval    time.Duration
	BackoffCoefficient float64
	// MaximumInterval caps the backoff; zero means uncapped.
	MaximumInterval time.Duration
}

// DefaultRetryPolicy sends once.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        1,
		InitialInterval:    500 * time.Millisecond,
		BackoffCoefficient: 2.0,
		MaximumInterval:    10 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = 2.0
	}
	return p
}

// Backoff returns the wait before the given retry (1 = first retry).
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry < 1 || p.InitialInterval <= 0 {
		return 0
	}
	d := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(retry-1))
	if p.MaximumInterval > 0 && d > float64(p.MaximumInterval) {
		return p.MaximumInterval
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
