package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobService orchestrates job operations on top of a repository.
type JobService struct {
	repo   JobRepository
	limits Limits
	now    func() time.Time
}

// NewJobService creates a new JobService. A nil limits map means DefaultLimits.
func NewJobService(repo JobRepository, limits Limits) *JobService {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &JobService{repo: repo, limits: limits, now: time.Now}
}

// WithClock replaces the service clock; used by tests.
func (s *JobService) WithClock(now func() time.Time) *JobService {
	s.now = now
	return s
}

// Insert validates a request and stores a new pending job.
func (s *JobService) Insert(ctx context.Context, req JobRequest) (*Job, error) {
	now := s.now()
	platform, err := s.limits.Validate(&req, now)
	if err != nil {
		return nil, err
	}
	job := &Job{
		ID:            uuid.NewString(),
		Platform:      platform,
		Payload:       req.Payload,
		ScheduledTime: req.ScheduledTime,
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        StatusPending,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Get retrieves a job by ID.
func (s *JobService) Get(ctx context.Context, id string) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// Update runs an atomic read-modify-write on one job.
func (s *JobService) Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	return s.repo.Update(ctx, id, func(j *Job) error {
		if err := fn(j); err != nil {
			return err
		}
		j.UpdatedAt = s.now()
		return nil
	})
}

// Delete removes a job that is not currently processing.
func (s *JobService) Delete(ctx context.Context, id string) error {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == StatusProcessing {
		return fmt.Errorf("%w: job is processing", ErrInvalidTransition)
	}
	return s.repo.Delete(ctx, id)
}

// ListDue returns pending jobs whose scheduled time is not after now.
func (s *JobService) ListDue(ctx context.Context, now time.Time) ([]Job, error) {
	return s.repo.ListDue(ctx, now)
}

// ListAll returns every job ordered by scheduled time.
func (s *JobService) ListAll(ctx context.Context) ([]Job, error) {
	return s.repo.ListAll(ctx)
}

// Cancel moves a pending job to cancelled. Jobs already processing or
// finished yield ErrInvalidTransition.
func (s *JobService) Cancel(ctx context.Context, id string) error {
	_, err := s.Update(ctx, id, func(j *Job) error {
		return j.transition(StatusCancelled)
	})
	return err
}

// Claim atomically moves a pending job to processing.
func (s *JobService) Claim(ctx context.Context, id string, now time.Time) (*Job, error) {
	return s.Update(ctx, id, func(j *Job) error {
		if j.Status != StatusPending {
			return fmt.Errorf("%w: status is %s", ErrConcurrencyConflict, j.Status)
		}
		if err := j.transition(StatusProcessing); err != nil {
			return err
		}
		t := now
		j.LastAttemptAt = &t
		return nil
	})
}

// Complete records a successful upload.
func (s *JobService) Complete(ctx context.Context, id string, res UploadResult, now time.Time) (*Job, error) {
	return s.Update(ctx, id, func(j *Job) error {
		if err := j.transition(StatusCompleted); err != nil {
			return err
		}
		t := now
		j.CompletedAt = &t
		j.LastError = ""
		j.MediaID = res.MediaID
		j.MediaURL = res.MediaURL
		return nil
	})
}

// Fail records a failed attempt. The job goes back to pending for a later
// retry, or to failed once the policy says it is terminal.
func (s *JobService) Fail(ctx context.Context, id string, reason string, policy RetryPolicy, now time.Time) (*Job, error) {
	return s.Update(ctx, id, func(j *Job) error {
		if j.Status != StatusProcessing {
			return fmt.Errorf("%w: status is %s", ErrInvalidTransition, j.Status)
		}
		if j.RetryCount < policy.MaxRetries {
			j.RetryCount++
		}
		j.LastError = reason
		t := now
		j.LastAttemptAt = &t
		next := StatusPending
		if policy.IsTerminal(j) {
			next = StatusFailed
		}
		return j.transition(next)
	})
}

// RecoverStale resets processing jobs left behind by a previous process.
func (s *JobService) RecoverStale(ctx context.Context) (int64, error) {
	return s.repo.RecoverStale(ctx)
}

// PurgeTerminal deletes finished jobs last touched before the cutoff.
func (s *JobService) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	return s.repo.PurgeTerminal(ctx, before)
}
