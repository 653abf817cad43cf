// Package worker runs due upload jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/cwygoda/uplink/internal/domain"
)

// CredentialSource supplies the current credential record.
type CredentialSource interface {
	Load(ctx context.Context) domain.Credentials
}

// UploaderResolver finds the uploader for a platform.
type UploaderResolver interface {
	Get(p domain.Platform) (domain.Uploader, bool)
}

// Config tunes the dispatcher. Zero values select defaults.
type Config struct {
	PollInterval  time.Duration
	MaxConcurrent int
	ShutdownGrace time.Duration
	// ProgressRate is the maximum number of progress samples per second and
	// job. Zero or less means unlimited.
	ProgressRate float64
	Policy       domain.RetryPolicy
	// Progress receives throttled samples. Sends never block; samples are
	// dropped when the channel is full. May be nil.
	Progress chan<- domain.Progress
	// SettleDelay is the pause before retrying a failed completion or
	// failure write. It grows linearly with each attempt.
	SettleDelay time.Duration
	Now         func() time.Time
}

// settleAttempts bounds how often a final state write is tried.
const settleAttempts = 3

// Dispatcher polls for due jobs, claims them and runs uploads on a bounded
// pool of goroutines.
type Dispatcher struct {
	svc       *domain.JobService
	creds     CredentialSource
	uploaders UploaderResolver
	cfg       Config
	log       zerolog.Logger

	sem *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]struct{}
	closing  bool
	wg       sync.WaitGroup

	execCtx    context.Context
	cancelExec context.CancelFunc
}

// New creates a dispatcher.
func New(svc *domain.JobService, creds CredentialSource, uploaders UploaderResolver, cfg Config, log zerolog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 2
	}
	if cfg.ShutdownGrace < 0 {
		cfg.ShutdownGrace = 0
	}
	if cfg.Policy == (domain.RetryPolicy{}) {
		cfg.Policy = domain.DefaultRetryPolicy()
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 200 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	execCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		svc:        svc,
		creds:      creds,
		uploaders:  uploaders,
		cfg:        cfg,
		log:        log.With().Str("component", "dispatcher").Logger(),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		inFlight:   make(map[string]struct{}),
		execCtx:    execCtx,
		cancelExec: cancel,
	}
}

// Run recovers jobs left processing by a previous process, then polls
// immediately and on every tick until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	if n, err := d.svc.RecoverStale(ctx); err != nil {
		d.log.Error().Err(err).Msg("recover stale jobs")
	} else if n > 0 {
		d.log.Info().Int64("count", n).Msg("recovered jobs interrupted by previous run")
	}

	d.log.Info().Dur("interval", d.cfg.PollInterval).Int("workers", d.cfg.MaxConcurrent).Msg("dispatcher started")
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.safePoll(ctx)
	for {
		select {
		case <-ctx.Done():
			d.log.Info().Msg("dispatcher loop stopped")
			return
		case <-ticker.C:
			d.safePoll(ctx)
		}
	}
}

func (d *Dispatcher) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("poll panicked")
		}
	}()
	if _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
		d.log.Error().Err(err).Msg("poll failed")
	}
}

// Poll claims eligible due jobs in scheduled order until the worker limit is
// reached and starts an execution for each. It returns the number started.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	now := d.cfg.Now()
	jobs, err := d.svc.ListDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due jobs: %w", err)
	}

	started := 0
	for i := range jobs {
		job := &jobs[i]
		if err := ctx.Err(); err != nil {
			return started, err
		}
		if !d.cfg.Policy.Eligible(job, now) {
			d.log.Debug().Str("job", job.ID).
				Time("next", d.cfg.Policy.NextEligibleTime(job)).
				Msg("waiting for retry backoff")
			continue
		}
		if !d.sem.TryAcquire(1) {
			d.log.Debug().Msg("worker limit reached")
			break
		}
		if !d.begin(job.ID) {
			d.sem.Release(1)
			continue
		}
		claimed, err := d.svc.Claim(ctx, job.ID, now)
		if err != nil {
			d.end(job.ID)
			d.sem.Release(1)
			if errors.Is(err, domain.ErrConcurrencyConflict) || errors.Is(err, domain.ErrJobNotFound) {
				d.log.Debug().Str("job", job.ID).Err(err).Msg("claim skipped")
				continue
			}
			d.log.Error().Str("job", job.ID).Err(err).Msg("claim failed")
			continue
		}
		started++
		go d.execute(claimed)
	}
	return started, nil
}

// begin marks id in flight. It fails while shutting down or when the job is
// already being handled by this process.
func (d *Dispatcher) begin(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return false
	}
	if _, ok := d.inFlight[id]; ok {
		return false
	}
	d.inFlight[id] = struct{}{}
	d.wg.Add(1)
	return true
}

func (d *Dispatcher) end(id string) {
	d.mu.Lock()
	delete(d.inFlight, id)
	d.mu.Unlock()
	d.wg.Done()
}

// InFlight returns the number of executions currently running.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

func (d *Dispatcher) execute(job *domain.Job) {
	ctx := d.execCtx
	log := d.log.With().Str("job", job.ID).Str("platform", string(job.Platform)).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("upload panicked")
			d.fail(job, fmt.Sprintf("panic: %v", r), log)
		}
		d.end(job.ID)
		d.sem.Release(1)
	}()

	log.Info().Int("attempt", job.RetryCount+1).Str("file", job.Payload.FilePath).Msg("upload started")
	res, err := d.upload(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			log.Warn().Err(err).Msg("upload interrupted by shutdown, job left processing")
			return
		}
		d.fail(job, err.Error(), log)
		return
	}

	err = d.settle(context.WithoutCancel(ctx), log, func(ctx context.Context) error {
		_, err := d.svc.Complete(ctx, job.ID, res, d.cfg.Now())
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("media_id", res.MediaID).Msg("record completion")
		return
	}
	log.Info().Str("media_id", res.MediaID).Str("url", res.MediaURL).Msg("upload completed")
}

func (d *Dispatcher) upload(ctx context.Context, job *domain.Job) (domain.UploadResult, error) {
	up, ok := d.uploaders.Get(job.Platform)
	if !ok {
		return domain.UploadResult{}, fmt.Errorf("%w: %s", domain.ErrNoUploader, job.Platform)
	}

	creds := d.creds.Load(ctx)
	if up.RequiresAuth() {
		if _, ok := creds.For(job.Platform); !ok {
			return domain.UploadResult{}, fmt.Errorf("%w: no credentials configured for %s", domain.ErrAuthentication, job.Platform)
		}
	}
	if err := up.Authenticate(ctx, creds); err != nil {
		if !errors.Is(err, domain.ErrAuthentication) {
			err = fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
		}
		return domain.UploadResult{}, err
	}

	req := domain.UploadRequest{
		JobID:       job.ID,
		Credentials: creds,
		FilePath:    job.Payload.FilePath,
		Title:       job.Payload.Title,
		Description: job.Payload.Description,
		Tags:        job.Payload.Tags,
		YouTube:     job.Payload.YouTube,
		Instagram:   job.Payload.Instagram,
	}
	return up.Upload(ctx, req, d.progressFunc(job))
}

func (d *Dispatcher) fail(job *domain.Job, reason string, log zerolog.Logger) {
	var updated *domain.Job
	err := d.settle(context.WithoutCancel(d.execCtx), log, func(ctx context.Context) error {
		var err error
		updated, err = d.svc.Fail(ctx, job.ID, reason, d.cfg.Policy, d.cfg.Now())
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("reason", reason).Msg("record failure")
		return
	}
	if updated.Status == domain.StatusFailed {
		log.Error().Str("reason", reason).Int("attempts", updated.RetryCount).Msg("upload failed permanently")
		return
	}
	log.Warn().Str("reason", reason).
		Int("retry", updated.RetryCount).
		Time("next", d.cfg.Policy.NextEligibleTime(updated)).
		Msg("upload failed, retry scheduled")
}

// settle tries a final state write up to settleAttempts times. Domain
// errors are returned at once.
func (d *Dispatcher) settle(ctx context.Context, log zerolog.Logger, write func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= settleAttempts; attempt++ {
		err = write(ctx)
		if err == nil || errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrJobNotFound) {
			return err
		}
		if attempt == settleAttempts {
			break
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("state write failed, retrying")
		time.Sleep(d.cfg.SettleDelay * time.Duration(attempt))
	}
	return err
}

// progressFunc throttles samples for one job. The first and the final
// sample always pass.
func (d *Dispatcher) progressFunc(job *domain.Job) domain.ProgressFunc {
	if d.cfg.Progress == nil {
		return func(int64, int64) {}
	}
	limit := rate.Inf
	if d.cfg.ProgressRate > 0 {
		limit = rate.Limit(d.cfg.ProgressRate)
	}
	limiter := rate.NewLimiter(limit, 1)

	var (
		mu    sync.Mutex
		first = true
	)
	return func(sent, total int64) {
		mu.Lock()
		pass := first || (total > 0 && sent >= total) || limiter.Allow()
		first = false
		mu.Unlock()
		if !pass {
			return
		}
		p := domain.Progress{
			JobID:      job.ID,
			Platform:   job.Platform,
			BytesSent:  sent,
			TotalBytes: total,
			At:         d.cfg.Now(),
		}
		select {
		case d.cfg.Progress <- p:
		default:
			d.log.Debug().Str("job", job.ID).Str("sent", humanize.IBytes(uint64(max(sent, 0)))).Msg("progress sample dropped")
		}
	}
}

// Shutdown stops claiming new jobs, waits up to the grace period for running
// uploads, then cancels the rest and waits for them to return. Cancelled
// uploads leave their jobs processing.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	n := len(d.inFlight)
	d.mu.Unlock()

	if n > 0 {
		d.log.Info().Int("in_flight", n).Dur("grace", d.cfg.ShutdownGrace).Msg("waiting for running uploads")
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(d.cfg.ShutdownGrace)
	defer grace.Stop()

	var err error
	select {
	case <-done:
		d.cancelExec()
		return nil
	case <-grace.C:
	case <-ctx.Done():
		err = ctx.Err()
	}

	d.log.Warn().Int("in_flight", d.InFlight()).Msg("grace period over, cancelling uploads")
	d.cancelExec()
	<-done
	return err
}

// wait blocks until every started execution has returned.
func (d *Dispatcher) wait() {
	d.wg.Wait()
}
