package workflow

import "time"

// RetryPolicy defines retry behavior for a single step.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first (>= 1).
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration `yaml:"backoff_base" json:"backoff_base"`

	// BackoffCap caps the exponential delay growth.
	BackoffCap time.Duration `yaml:"backoff_cap" json:"backoff_cap"`
}

// DefaultRetryPolicy returns the conservative default policy:
// 3 attempts with exponential backoff 1s/2s, capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: 1 * time.Second,
		BackoffCap:  30 * time.Second,
	}
}

// Normalized fills zero fields so the engine never divides by the
// caller's omissions. An unconfigured step runs exactly once.
func (p RetryPolicy) Normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 1 * time.Second
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = 30 * time.Second
	}
	if p.BackoffCap < p.BackoffBase {
		p.BackoffCap = p.BackoffBase
	}
	return p
}

// Backoff computes the delay before retrying after the given failed
// attempt (1-based): base * 2^(attempt-1), capped at BackoffCap.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.Normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffCap || d <= 0 {
			return p.BackoffCap
		}
	}
	if d > p.BackoffCap {
		return p.BackoffCap
	}
	return d
}
