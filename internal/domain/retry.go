package domain

import "time"

// RetryPolicy decides whether and when a failed upload may run again.
// It has no side effects.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MinDelay   time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy allows three attempts with 1m, 2m, 4m... backoff capped at an hour.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Minute,
		MinDelay:   time.Minute,
		MaxDelay:   time.Hour,
	}
}

// IsTerminal returns true once the job has used up its retries.
func (p RetryPolicy) IsTerminal(job *Job) bool {
	return job.RetryCount >= p.MaxRetries
}

// Backoff returns BaseDelay * 2^retryCount clamped to [MinDelay, MaxDelay].
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if d < p.MinDelay {
		d = p.MinDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// NextEligibleTime is the earliest instant the job may be attempted again.
func (p RetryPolicy) NextEligibleTime(job *Job) time.Time {
	if job.LastAttemptAt == nil {
		return time.Time{}
	}
	return job.LastAttemptAt.Add(p.Backoff(job.RetryCount))
}

// ShouldRetryNow returns true if a previously failed, non-terminal job has
// waited out its backoff.
func (p RetryPolicy) ShouldRetryNow(job *Job, now time.Time) bool {
	if job.Status != StatusFailed && job.Status != StatusPending {
		return false
	}
	if job.RetryCount == 0 || p.IsTerminal(job) {
		return false
	}
	return !now.Before(p.NextEligibleTime(job))
}

// Eligible reports whether the dispatcher may claim a due job now.
func (p RetryPolicy) Eligible(job *Job, now time.Time) bool {
	if job.Status != StatusPending {
		return false
	}
	if job.RetryCount == 0 {
		return true
	}
	return p.ShouldRetryNow(job, now)
}
