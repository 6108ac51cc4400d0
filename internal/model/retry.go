package model

import (
	"math"
	"time"
)

// RetryPolicy defines bounded retry with exponential backoff for a task
// or a transport-level operation.
type RetryPolicy struct {
	MaxAttempts   int           `json:"max_attempts"`
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
}

// DefaultRetry is the policy tasks get when the graph declares none.
var DefaultRetry = RetryPolicy{
	MaxAttempts:   3,
	InitialDelay:  500 * time.Millisecond,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2.0,
}

// NoRetry disables retrying: a single attempt decides the task.
var NoRetry = RetryPolicy{MaxAttempts: 1}

// Delay returns the backoff before the given attempt (1-based). The
// first attempt has no delay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	factor := p.BackoffFactor
	if factor <= 1 {
		factor = 2.0
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(factor, float64(attempt-2)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether no attempts remain after the given count.
func (p RetryPolicy) Exhausted(attempts int) bool {
	limit := p.MaxAttempts
	if limit <= 0 {
		limit = 1
	}
	return attempts >= limit
}
