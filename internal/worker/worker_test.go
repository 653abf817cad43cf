package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cwygoda/uplink/internal/adapter/memory"
	"github.com/cwygoda/uplink/internal/adapter/storetest"
	"github.com/cwygoda/uplink/internal/domain"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type staticCreds struct{ creds domain.Credentials }

func (s staticCreds) Load(ctx context.Context) domain.Credentials { return s.creds }

type resolver map[domain.Platform]domain.Uploader

func (r resolver) Get(p domain.Platform) (domain.Uploader, bool) {
	u, ok := r[p]
	return u, ok
}

// mockUploader runs fn for every upload and counts calls.
type mockUploader struct {
	platform     domain.Platform
	requiresAuth bool
	authErr      error
	fn           func(ctx context.Context, req domain.UploadRequest, progress domain.ProgressFunc) (domain.UploadResult, error)
	calls        atomic.Int32
	authed       atomic.Int32
}

func (m *mockUploader) Platform() domain.Platform { return m.platform }
func (m *mockUploader) RequiresAuth() bool        { return m.requiresAuth }
func (m *mockUploader) Authenticate(ctx context.Context, creds domain.Credentials) error {
	m.authed.Add(1)
	return m.authErr
}
func (m *mockUploader) Upload(ctx context.Context, req domain.UploadRequest, progress domain.ProgressFunc) (domain.UploadResult, error) {
	m.calls.Add(1)
	if m.fn == nil {
		return domain.UploadResult{MediaID: "m-" + req.JobID}, nil
	}
	return m.fn(ctx, req, progress)
}

var ytCreds = domain.Credentials{YouTubeRefreshToken: "token"}

type fixture struct {
	repo  domain.JobRepository
	svc   *domain.JobService
	clock *fakeClock
	up    *mockUploader
	d     *Dispatcher
}

func newFixture(t *testing.T, up *mockUploader, cfg Config) *fixture {
	t.Helper()
	repo := memory.New()
	// Jobs from storetest are scheduled around 2026-05-01 09:00 UTC.
	clock := newFakeClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	svc := domain.NewJobService(repo, nil).WithClock(clock.Now)
	cfg.Now = clock.Now
	if up == nil {
		up = &mockUploader{platform: domain.PlatformYouTube, requiresAuth: true}
	}
	d := New(svc, staticCreds{ytCreds}, resolver{up.platform: up}, cfg, zerolog.Nop())
	t.Cleanup(func() { d.Shutdown(context.Background()) })
	return &fixture{repo: repo, svc: svc, clock: clock, up: up, d: d}
}

func (f *fixture) add(t *testing.T, id string, offset time.Duration) {
	t.Helper()
	if err := f.repo.Create(context.Background(), storetest.NewJob(id, offset)); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) pollAndWait(t *testing.T) int {
	t.Helper()
	n, err := f.d.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	f.d.wait()
	return n
}

func (f *fixture) get(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := f.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func TestDispatcher_CompletesDueJob(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.add(t, "due", 0)
	f.add(t, "future", 3*time.Hour)

	if n := f.pollAndWait(t); n != 1 {
		t.Errorf("Poll() started %d, want 1", n)
	}

	job := f.get(t, "due")
	if job.Status != domain.StatusCompleted {
		t.Errorf("Status = %q, want %q", job.Status, domain.StatusCompleted)
	}
	if job.MediaID != "m-due" {
		t.Errorf("MediaID = %q, want m-due", job.MediaID)
	}
	if job.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if f.get(t, "future").Status != domain.StatusPending {
		t.Error("future job was touched")
	}
	if f.up.authed.Load() != 1 {
		t.Errorf("Authenticate called %d times, want 1", f.up.authed.Load())
	}
}

func TestDispatcher_RetryThenSucceed(t *testing.T) {
	var attempts atomic.Int32
	up := &mockUploader{
		platform:     domain.PlatformYouTube,
		requiresAuth: true,
		fn: func(ctx context.Context, req domain.UploadRequest, progress domain.ProgressFunc) (domain.UploadResult, error) {
			if attempts.Add(1) <= 2 {
				return domain.UploadResult{}, errors.New("network unreachable")
			}
			return domain.UploadResult{MediaID: "vid", MediaURL: "https://youtu.be/vid"}, nil
		},
	}
	f := newFixture(t, up, Config{})
	f.add(t, "j", 0)

	f.pollAndWait(t)
	job := f.get(t, "j")
	if job.Status != domain.StatusPending || job.RetryCount != 1 {
		t.Fatalf("after 1st failure: status %q retry %d, want pending 1", job.Status, job.RetryCount)
	}
	if job.LastError != "network unreachable" {
		t.Errorf("LastError = %q", job.LastError)
	}

	// Still inside the backoff window.
	f.clock.Advance(30 * time.Second)
	if n := f.pollAndWait(t); n != 0 {
		t.Errorf("Poll() during backoff started %d, want 0", n)
	}

	f.clock.Advance(domain.DefaultRetryPolicy().Backoff(1))
	f.pollAndWait(t)
	job = f.get(t, "j")
	if job.Status != domain.StatusPending || job.RetryCount != 2 {
		t.Fatalf("after 2nd failure: status %q retry %d, want pending 2", job.Status, job.RetryCount)
	}

	f.clock.Advance(domain.DefaultRetryPolicy().Backoff(2))
	f.pollAndWait(t)
	job = f.get(t, "j")
	if job.Status != domain.StatusCompleted {
		t.Errorf("Status = %q, want completed", job.Status)
	}
	if job.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", job.RetryCount)
	}
	if job.MediaURL != "https://youtu.be/vid" {
		t.Errorf("MediaURL = %q", job.MediaURL)
	}
	if up.calls.Load() != 3 {
		t.Errorf("Upload called %d times, want 3", up.calls.Load())
	}
}

func TestDispatcher_TerminalFailure(t *testing.T) {
	up := &mockUploader{
		platform: domain.PlatformYouTube,
		fn: func(ctx context.Context, req domain.UploadRequest, progress domain.ProgressFunc) (domain.UploadResult, error) {
			return domain.UploadResult{}, errors.New("rejected")
		},
	}
	f := newFixture(t, up, Config{})
	f.add(t, "j", 0)

	for i := 0; i < 3; i++ {
		f.pollAndWait(t)
		f.clock.Advance(time.Hour)
	}

	job := f.get(t, "j")
	if job.Status != domain.StatusFailed {
		t.Errorf("Status = %q, want failed", job.Status)
	}
	if job.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", job.RetryCount)
	}

	if n := f.pollAndWait(t); n != 0 {
		t.Errorf("Poll() picked up a failed job")
	}
}

func TestDispatcher_MissingCredentials(t *testing.T) {
	up := &mockUploader{platform: domain.PlatformInstagram, requiresAuth: true}
	f := newFixture(t, up, Config{})
	job := storetest.NewJob("ig", 0)
	job.Platform = domain.PlatformInstagram
	if err := f.repo.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	f.pollAndWait(t)

	got := f.get(t, "ig")
	if got.Status != domain.StatusPending || got.RetryCount != 1 {
		t.Errorf("status %q retry %d, want pending 1", got.Status, got.RetryCount)
	}
	if !strings.Contains(got.LastError, "no credentials") {
		t.Errorf("LastError = %q, want missing credentials", got.LastError)
	}
	if up.calls.Load() != 0 {
		t.Error("Upload called without credentials")
	}
}

func TestDispatcher_AuthenticateError(t *testing.T) {
	up := &mockUploader{platform: domain.PlatformYouTube, requiresAuth: true, authErr: errors.New("token revoked")}
	f := newFixture(t, up, Config{})
	f.add(t, "j", 0)

	f.pollAndWait(t)

	job := f.get(t, "j")
	if job.RetryCount != 1 || job.LastError == "" {
		t.Errorf("retry %d error %q, want a recorded failure", job.RetryCount, job.LastError)
	}
	if up.calls.Load() != 0 {
		t.Error("Upload called after failed authentication")
	}
}

func TestDispatcher_NoUploader(t *testing.T) {
	f := newFixture(t, &mockUploader{platform: domain.PlatformInstagram}, Config{})
	f.add(t, "yt", 0)

	f.pollAndWait(t)

	job := f.get(t, "yt")
	if job.Status != domain.StatusPending || job.RetryCount != 1 {
		t.Errorf("status %q retry %d, want pending 1", job.Status, job.RetryCount)
	}
}

func TestDispatcher_PanicRecovered(t *testing.T) {
	up := &mockUploader{
		platform: domain.PlatformYouTube,
		fn: func(ctx context.Context, req domain.UploadRequest, progress domain.ProgressFunc) (domain.UploadResult, error) {
			panic("boom")
		},
	}
	f := newFixture(t, up, Config{})
	f.add(t, "j", 0)

	f.pollAndWait(t)

	job := f.get(t, "j")
	if job.Status != domain.StatusPending || job.LastError != "panic: boom" {
		t.Errorf("status %q error %q, want pending with panic recorded", job.Status, job.LastError)
	}
	if f.d.InFlight() != 0 {
		t.Errorf("InFlight() = %d after panic, want 0", f.d.InFlight())
	}
}

func TestDispatcher_WorkerLimit(t *testing.T) {
	release := make(chan struct{})
	var running, peak atomic.Int32
	up := &mockUploader{
		platform: domain.PlatformYouTube,
		fn: func(ctx context.Context, req domain.UploadRequest, progress domain.ProgressFunc) (domain.UploadResult, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return domain.UploadResult{MediaID: "ok"}, nil
		},
	}
	f := newFixture(t, up, Config{MaxConcurrent: 2})
	for i, id := range []string{"a", "b", "c", "d"} {
		f.add(t, id, time.Duration(i)*time.Minute)
	}

	n, err := f.d.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Poll() started %d, want 2", n)
	}
	if f.get(t, "a").Status != domain.StatusProcessing || f.get(t, "b").Status != domain.StatusProcessing {
		t.Error("earliest jobs were not claimed first")
	}
	if f.get(t, "c").Status != domain.StatusPending {
		t.Error("job beyond the worker limit was claimed")
	}

	// A second pass while the pool is full starts nothing.
	if n, _ := f.d.Poll(context.Background()); n != 0 {
		t.Errorf("Poll() with full pool started %d, want 0", n)
	}

	close(release)
	f.d.wait()
	f.pollAndWait(t)

	for _, id := range []string{"a", "b", "c", "d"} {
		if s := f.get(t, id).Status; s != domain.StatusCompleted {
			t.Errorf("job %s status = %q, want completed", id, s)
		}
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestDispatcher_ConcurrentPollsClaimOnce(t *testing.T) {
	f := newFixture(t, nil, Config{MaxConcurrent: 8})
	f.add(t, "only", 0)

	var wg sync.WaitGroup
	var total atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, _ := f.d.Poll(context.Background())
			total.Add(int32(n))
		}()
	}
	wg.Wait()
	f.d.wait()

	if total.Load() != 1 {
		t.Errorf("started %d executions, want 1", total.Load())
	}
	if f.up.calls.Load() != 1 {
		t.Errorf("Upload called %d times, want 1", f.up.calls.Load())
	}
}

func TestDispatcher_CancelledJobNotRun(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.add(t, "j", 0)
	if err := f.svc.Cancel(context.Background(), "j"); err != nil {
		t.Fatal(err)
	}

	if n := f.pollAndWait(t); n != 0 {
		t.Errorf("Poll() started %d, want 0", n)
	}
	if f.up.calls.Load() != 0 {
		t.Error("cancelled job was uploaded")
	}
}

func TestDispatcher_ShutdownLeavesJobProcessing(t *testing.T) {
	started := make(chan struct{})
	up := &mockUploader{
		platform: domain.PlatformYouTube,
		fn: func(ctx context.Context, req domain.UploadRequest, progress domain.ProgressFunc) (domain.UploadResult, error) {
			close(started)
			<-ctx.Done()
			return domain.UploadResult{}, ctx.Err()
		},
	}
	f := newFixture(t, up, Config{ShutdownGrace: 20 * time.Millisecond})
	f.add(t, "j", 0)

	if _, err := f.d.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := f.d.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	job := f.get(t, "j")
	if job.Status != domain.StatusProcessing {
		t.Errorf("Status = %q, want processing", job.Status)
	}
	if job.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", job.RetryCount)
	}

	// No claims after shutdown.
	f.add(t, "late", 0)
	if n, _ := f.d.Poll(context.Background()); n != 0 {
		t.Errorf("Poll() after Shutdown started %d, want 0", n)
	}
}

func TestDispatcher_ShutdownWaitsForRunningUpload(t *testing.T) {
	started := make(chan struct{})
	up := &mockUploader{
		platform: domain.PlatformYouTube,
		fn: func(ctx context.Context, req domain.UploadRequest, progress domain.ProgressFunc) (domain.UploadResult, error) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			return domain.UploadResult{MediaID: "done"}, nil
		},
	}
	f := newFixture(t, up, Config{ShutdownGrace: 5 * time.Second})
	f.add(t, "j", 0)

	if _, err := f.d.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := f.d.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if s := f.get(t, "j").Status; s != domain.StatusCompleted {
		t.Errorf("Status = %q, want completed", s)
	}
}

func TestDispatcher_RunRecoversStale(t *testing.T) {
	f := newFixture(t, nil, Config{PollInterval: time.Hour})
	job := storetest.NewJob("stale", 0)
	job.Status = domain.StatusProcessing
	if err := f.repo.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.d.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for f.get(t, "stale").Status != domain.StatusCompleted {
		if time.Now().After(deadline) {
			t.Fatalf("stale job status = %q, want completed", f.get(t, "stale").Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

// failingRepo errors on ListDue.
type failingRepo struct {
	domain.JobRepository
	calls atomic.Int32
}

func (r *failingRepo) ListDue(ctx context.Context, now time.Time) ([]domain.Job, error) {
	r.calls.Add(1)
	return nil, errors.New("database is locked")
}

func TestDispatcher_RunSurvivesPollErrors(t *testing.T) {
	repo := &failingRepo{JobRepository: memory.New()}
	svc := domain.NewJobService(repo, nil)
	d := New(svc, staticCreds{}, resolver{}, Config{PollInterval: 5 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	if repo.calls.Load() < 2 {
		t.Errorf("ListDue called %d times, want the loop to keep polling", repo.calls.Load())
	}
}

func TestDispatcher_Progress(t *testing.T) {
	up := &mockUploader{
		platform: domain.PlatformYouTube,
		fn: func(ctx context.Context, req domain.UploadRequest, progress domain.ProgressFunc) (domain.UploadResult, error) {
			for sent := int64(0); sent <= 1000; sent += 10 {
				progress(sent, 1000)
			}
			return domain.UploadResult{MediaID: "x"}, nil
		},
	}
	ch := make(chan domain.Progress, 256)
	f := newFixture(t, up, Config{Progress: ch, ProgressRate: 1})
	f.add(t, "j", 0)

	f.pollAndWait(t)
	close(ch)

	var got []domain.Progress
	for p := range ch {
		got = append(got, p)
	}
	if len(got) < 2 {
		t.Fatalf("got %d samples, want at least first and last", len(got))
	}
	if len(got) > 10 {
		t.Errorf("got %d samples, want throttling", len(got))
	}
	if got[0].BytesSent != 0 || got[0].JobID != "j" {
		t.Errorf("first sample = %+v", got[0])
	}
	if last := got[len(got)-1]; last.BytesSent != 1000 || last.Percent() != 100 {
		t.Errorf("last sample = %+v", last)
	}
}

func TestDispatcher_ProgressNeverBlocks(t *testing.T) {
	up := &mockUploader{
		platform: domain.PlatformYouTube,
		fn: func(ctx context.Context, req domain.UploadRequest, progress domain.ProgressFunc) (domain.UploadResult, error) {
			for sent := int64(0); sent <= 100; sent++ {
				progress(sent, 100)
			}
			return domain.UploadResult{MediaID: "x"}, nil
		},
	}
	// Unbuffered and never read.
	ch := make(chan domain.Progress)
	f := newFixture(t, up, Config{Progress: ch})
	f.add(t, "j", 0)

	done := make(chan struct{})
	go func() {
		f.pollAndWait(t)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("upload blocked on progress channel")
	}
	if s := f.get(t, "j").Status; s != domain.StatusCompleted {
		t.Errorf("Status = %q, want completed", s)
	}
}

// flakyRepo fails the Update calls selected by fail.
type flakyRepo struct {
	domain.JobRepository
	calls atomic.Int32
	fail  func(call int32) bool
}

func (r *flakyRepo) Update(ctx context.Context, id string, fn func(*domain.Job) error) (*domain.Job, error) {
	if r.fail(r.calls.Add(1)) {
		return nil, errors.New("database is locked")
	}
	return r.JobRepository.Update(ctx, id, fn)
}

func newFlakyDispatcher(t *testing.T, repo *flakyRepo, up *mockUploader) *Dispatcher {
	t.Helper()
	clock := newFakeClock(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	svc := domain.NewJobService(repo, nil).WithClock(clock.Now)
	if err := repo.JobRepository.Create(context.Background(), storetest.NewJob("j", 0)); err != nil {
		t.Fatal(err)
	}
	d := New(svc, staticCreds{ytCreds}, resolver{up.platform: up},
		Config{SettleDelay: time.Millisecond, Now: clock.Now}, zerolog.Nop())
	t.Cleanup(func() { d.Shutdown(context.Background()) })
	return d
}

func TestDispatcher_CompletionWriteRetried(t *testing.T) {
	// Call 1 is the claim; the first two completion writes fail.
	repo := &flakyRepo{JobRepository: memory.New(), fail: func(call int32) bool { return call == 2 || call == 3 }}
	d := newFlakyDispatcher(t, repo, &mockUploader{platform: domain.PlatformYouTube, requiresAuth: true})

	if _, err := d.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.wait()

	job, err := repo.Get(context.Background(), "j")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.StatusCompleted {
		t.Errorf("Status = %q, want completed", job.Status)
	}
	if repo.calls.Load() != 4 {
		t.Errorf("Update called %d times, want 4", repo.calls.Load())
	}
}

func TestDispatcher_FailureWriteBounded(t *testing.T) {
	repo := &flakyRepo{JobRepository: memory.New(), fail: func(call int32) bool { return call > 1 }}
	up := &mockUploader{
		platform: domain.PlatformYouTube,
		fn: func(ctx context.Context, req domain.UploadRequest, progress domain.ProgressFunc) (domain.UploadResult, error) {
			return domain.UploadResult{}, errors.New("rejected")
		},
	}
	d := newFlakyDispatcher(t, repo, up)

	if _, err := d.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.wait()

	if got := repo.calls.Load(); got != 1+settleAttempts {
		t.Errorf("Update called %d times, want %d", got, 1+settleAttempts)
	}
	job, err := repo.Get(context.Background(), "j")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.StatusProcessing {
		t.Errorf("Status = %q, want processing after exhausted writes", job.Status)
	}
	if d.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", d.InFlight())
	}
}

func TestDispatcher_CredentialsPassedPerUpload(t *testing.T) {
	var seen atomic.Value
	up := &mockUploader{
		platform:     domain.PlatformYouTube,
		requiresAuth: true,
		fn: func(ctx context.Context, req domain.UploadRequest, progress domain.ProgressFunc) (domain.UploadResult, error) {
			seen.Store(req.Credentials)
			return domain.UploadResult{MediaID: "ok"}, nil
		},
	}
	f := newFixture(t, up, Config{})
	f.add(t, "j", 0)

	f.pollAndWait(t)

	if got, _ := seen.Load().(domain.Credentials); got != ytCreds {
		t.Errorf("UploadRequest.Credentials = %+v, want %+v", got, ytCreds)
	}
}
