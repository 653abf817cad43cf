// Package scheduler is the public surface for scheduling uploads. It ties
// the job service to the dispatcher loop and the retention sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cwygoda/uplink/internal/domain"
	"github.com/cwygoda/uplink/internal/worker"
)

// Options configures a Scheduler.
type Options struct {
	// Worker is passed to every dispatcher the scheduler starts. Its
	// Progress and Now fields are managed by the scheduler.
	Worker worker.Config
	// RetentionSchedule is the cron expression for purging finished jobs.
	RetentionSchedule string
	// RetentionKeep is how long finished jobs are kept. Zero disables the sweep.
	RetentionKeep time.Duration
	// ProgressBuffer sizes the progress channel.
	ProgressBuffer int
	Now            func() time.Time
}

// Scheduler schedules, lists and cancels upload jobs and controls the
// background dispatcher.
type Scheduler struct {
	svc       *domain.JobService
	creds     worker.CredentialSource
	uploaders worker.UploaderResolver
	opts      Options
	log       zerolog.Logger
	progress  chan domain.Progress

	running atomic.Bool

	mu         sync.Mutex
	cancel     context.CancelFunc
	loopDone   chan struct{}
	dispatcher *worker.Dispatcher
	c          *cron.Cron
}

// New creates a stopped scheduler.
func New(svc *domain.JobService, creds worker.CredentialSource, uploaders worker.UploaderResolver, opts Options, log zerolog.Logger) (*Scheduler, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ProgressBuffer <= 0 {
		opts.ProgressBuffer = 64
	}
	if opts.RetentionSchedule == "" {
		opts.RetentionSchedule = "@daily"
	}
	if opts.RetentionKeep > 0 {
		if _, err := cron.ParseStandard(opts.RetentionSchedule); err != nil {
			return nil, fmt.Errorf("retention schedule %q: %w", opts.RetentionSchedule, err)
		}
	}
	if opts.Worker.Policy == (domain.RetryPolicy{}) {
		opts.Worker.Policy = domain.DefaultRetryPolicy()
	}
	progress := make(chan domain.Progress, opts.ProgressBuffer)
	opts.Worker.Progress = progress
	opts.Worker.Now = opts.Now

	return &Scheduler{
		svc:       svc,
		creds:     creds,
		uploaders: uploaders,
		opts:      opts,
		log:       log.With().Str("component", "scheduler").Logger(),
		progress:  progress,
	}, nil
}

// Schedule validates and stores a new job and returns its id.
func (s *Scheduler) Schedule(ctx context.Context, req domain.JobRequest) (string, error) {
	job, err := s.svc.Insert(ctx, req)
	if err != nil {
		return "", err
	}
	s.log.Info().Str("job", job.ID).Str("platform", string(job.Platform)).
		Time("at", job.ScheduledTime).Msg("job scheduled")
	return job.ID, nil
}

// Cancel cancels a pending job. It reports false without error when the job
// exists but is no longer pending, and returns domain.ErrJobNotFound when it
// does not exist.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	err := s.svc.Cancel(ctx, id)
	switch {
	case err == nil:
		s.log.Info().Str("job", id).Msg("job cancelled")
		return true, nil
	case errors.Is(err, domain.ErrInvalidTransition):
		s.log.Debug().Str("job", id).Err(err).Msg("cancel refused")
		return false, nil
	default:
		return false, err
	}
}

// ListScheduled returns every known job ordered by scheduled time.
func (s *Scheduler) ListScheduled(ctx context.Context) ([]JobView, error) {
	jobs, err := s.svc.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]JobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, s.view(&jobs[i]))
	}
	return views, nil
}

// Get returns one job.
func (s *Scheduler) Get(ctx context.Context, id string) (JobView, error) {
	job, err := s.svc.Get(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	return s.view(job), nil
}

// Progress streams throttled upload progress. Samples are dropped when
// nobody reads.
func (s *Scheduler) Progress() <-chan domain.Progress {
	return s.progress
}

// Running reports whether the dispatcher loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start launches the dispatcher loop and the retention sweep. Calling Start
// on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	var c *cron.Cron
	if s.opts.RetentionKeep > 0 {
		c = cron.New()
		if _, err := c.AddFunc(s.opts.RetentionSchedule, s.sweep); err != nil {
			return fmt.Errorf("retention schedule: %w", err)
		}
		c.Start()
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d := worker.New(s.svc, s.creds, s.uploaders, s.opts.Worker, s.log)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(loopCtx)
	}()

	s.cancel = cancel
	s.loopDone = done
	s.dispatcher = d
	s.c = c
	s.running.Store(true)
	s.log.Info().Msg("scheduler started")
	return nil
}

// Stop halts the loop and the sweep, then shuts the dispatcher down within
// its grace period. Calling Stop on a stopped scheduler does nothing.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}

	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	s.cancel()
	<-s.loopDone
	err := s.dispatcher.Shutdown(ctx)

	s.cancel = nil
	s.loopDone = nil
	s.dispatcher = nil
	s.running.Store(false)
	s.log.Info().Msg("scheduler stopped")
	return err
}

// InFlight returns the number of uploads running right now.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatcher == nil {
		return 0
	}
	return s.dispatcher.InFlight()
}

// Purge deletes finished jobs older than the retention period.
func (s *Scheduler) Purge(ctx context.Context) (int64, error) {
	if s.opts.RetentionKeep <= 0 {
		return 0, nil
	}
	return s.svc.PurgeTerminal(ctx, s.opts.Now().Add(-s.opts.RetentionKeep))
}

func (s *Scheduler) sweep() {
	n, err := s.Purge(context.Background())
	if err != nil {
		s.log.Error().Err(err).Msg("retention sweep failed")
		return
	}
	s.log.Info().Int64("purged", n).Dur("keep", s.opts.RetentionKeep).Msg("retention sweep done")
}
