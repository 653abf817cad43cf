// Package memory is a process-local domain.JobRepository. Jobs do not
// survive a restart; use the sqlite adapter for that.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cwygoda/uplink/internal/domain"
)

// Repository keeps jobs in a map guarded by a single mutex.
type Repository struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

// New creates an empty repository.
func New() *Repository {
	return &Repository{jobs: make(map[string]*domain.Job)}
}

func (r *Repository) Create(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateJob, job.ID)
	}
	c := job.Clone()
	r.jobs[job.ID] = &c
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	c := job.Clone()
	return &c, nil
}

// Update hands fn a copy and swaps it in only if fn succeeds.
func (r *Repository) Update(ctx context.Context, id string, fn func(*domain.Job) error) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	c := job.Clone()
	if err := fn(&c); err != nil {
		return nil, err
	}
	r.jobs[id] = &c
	out := c.Clone()
	return &out, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return domain.ErrJobNotFound
	}
	delete(r.jobs, id)
	return nil
}

func (r *Repository) ListDue(ctx context.Context, now time.Time) ([]domain.Job, error) {
	return r.list(func(j *domain.Job) bool { return j.IsDue(now) }), nil
}

func (r *Repository) ListAll(ctx context.Context) ([]domain.Job, error) {
	return r.list(func(*domain.Job) bool { return true }), nil
}

func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, j := range r.jobs {
		if j.Status == domain.StatusProcessing {
			j.Status = domain.StatusPending
			j.LastError = "recovered after restart"
			j.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (r *Repository) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, j := range r.jobs {
		if j.Status.IsTerminal() && j.UpdatedAt.Before(before) {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}

func (r *Repository) list(keep func(*domain.Job) bool) []domain.Job {
	r.mu.Lock()
	out := make([]domain.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(a, b int) bool {
		if !out[a].ScheduledTime.Equal(out[b].ScheduledTime) {
			return out[a].ScheduledTime.Before(out[b].ScheduledTime)
		}
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out
}
