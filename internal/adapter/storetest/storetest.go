// Package storetest holds the behaviour every domain.JobRepository must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cwygoda/uplink/internal/domain"
)

// Factory returns a fresh, empty repository.
type Factory func(t *testing.T) domain.JobRepository

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// NewJob builds a pending YouTube job scheduled offset after the base time.
func NewJob(id string, offset time.Duration) *domain.Job {
	return &domain.Job{
		ID:       id,
		Platform: domain.PlatformYouTube,
		Payload: domain.Payload{
			FilePath: "/media/" + id + ".mp4",
			Title:    "title " + id,
			Tags:     []string{"a", "b"},
			YouTube:  &domain.YouTubeOptions{Privacy: "unlisted", Category: "22"},
		},
		ScheduledTime: base.Add(offset),
		CreatedAt:     base.Add(-time.Hour),
		UpdatedAt:     base.Add(-time.Hour),
		Status:        domain.StatusPending,
	}
}

// Run executes the shared repository contract against newRepo.
func Run(t *testing.T, newRepo Factory) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newRepo(t)) })
	t.Run("Duplicate", func(t *testing.T) { testDuplicate(t, newRepo(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newRepo(t)) })
	t.Run("UpdateAbort", func(t *testing.T) { testUpdateAbort(t, newRepo(t)) })
	t.Run("ConcurrentUpdate", func(t *testing.T) { testConcurrentUpdate(t, newRepo(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newRepo(t)) })
	t.Run("ListDue", func(t *testing.T) { testListDue(t, newRepo(t)) })
	t.Run("ListAll", func(t *testing.T) { testListAll(t, newRepo(t)) })
	t.Run("RecoverStale", func(t *testing.T) { testRecoverStale(t, newRepo(t)) })
	t.Run("PurgeTerminal", func(t *testing.T) { testPurgeTerminal(t, newRepo(t)) })
}

func mustCreate(t *testing.T, repo domain.JobRepository, job *domain.Job) {
	t.Helper()
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("Create(%s) error = %v", job.ID, err)
	}
}

func setStatus(t *testing.T, repo domain.JobRepository, id string, status domain.JobStatus, updated time.Time) {
	t.Helper()
	_, err := repo.Update(context.Background(), id, func(j *domain.Job) error {
		j.Status = status
		j.UpdatedAt = updated
		return nil
	})
	if err != nil {
		t.Fatalf("Update(%s) error = %v", id, err)
	}
}

func testCreateGet(t *testing.T, repo domain.JobRepository) {
	ctx := context.Background()
	job := NewJob("j1", time.Minute)
	attempt := base.Add(-time.Minute)
	job.LastAttemptAt = &attempt
	job.RetryCount = 1
	job.LastError = "boom"
	mustCreate(t, repo, job)

	got, err := repo.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Payload.Title != job.Payload.Title || got.Platform != job.Platform {
		t.Errorf("Get() = %+v, want %+v", got, job)
	}
	if len(got.Payload.Tags) != 2 || got.Payload.Tags[1] != "b" {
		t.Errorf("Tags = %v", got.Payload.Tags)
	}
	if got.Payload.YouTube == nil || got.Payload.YouTube.Privacy != "unlisted" {
		t.Errorf("YouTube options = %+v", got.Payload.YouTube)
	}
	if !got.ScheduledTime.Equal(job.ScheduledTime) {
		t.Errorf("ScheduledTime = %v, want %v", got.ScheduledTime, job.ScheduledTime)
	}
	if got.LastAttemptAt == nil || !got.LastAttemptAt.Equal(attempt) {
		t.Errorf("LastAttemptAt = %v, want %v", got.LastAttemptAt, attempt)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
	}
	if got.RetryCount != 1 || got.LastError != "boom" {
		t.Errorf("retry state = %d %q", got.RetryCount, got.LastError)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Get(missing) error = %v, want %v", err, domain.ErrJobNotFound)
	}
}

func testDuplicate(t *testing.T, repo domain.JobRepository) {
	mustCreate(t, repo, NewJob("dup", 0))
	if err := repo.Create(context.Background(), NewJob("dup", 0)); !errors.Is(err, domain.ErrDuplicateJob) {
		t.Errorf("Create(dup) error = %v, want %v", err, domain.ErrDuplicateJob)
	}
}

func testUpdate(t *testing.T, repo domain.JobRepository) {
	ctx := context.Background()
	mustCreate(t, repo, NewJob("u1", 0))

	done := base.Add(time.Hour)
	got, err := repo.Update(ctx, "u1", func(j *domain.Job) error {
		j.Status = domain.StatusCompleted
		j.CompletedAt = &done
		j.MediaID = "vid"
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Errorf("Update() returned status %q", got.Status)
	}

	stored, _ := repo.Get(ctx, "u1")
	if stored.Status != domain.StatusCompleted || stored.MediaID != "vid" {
		t.Errorf("stored = %+v", stored)
	}
	if stored.CompletedAt == nil || !stored.CompletedAt.Equal(done) {
		t.Errorf("CompletedAt = %v, want %v", stored.CompletedAt, done)
	}

	if _, err := repo.Update(ctx, "missing", func(*domain.Job) error { return nil }); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Update(missing) error = %v", err)
	}
}

func testUpdateAbort(t *testing.T, repo domain.JobRepository) {
	ctx := context.Background()
	mustCreate(t, repo, NewJob("a1", 0))

	stop := errors.New("stop")
	_, err := repo.Update(ctx, "a1", func(j *domain.Job) error {
		j.Status = domain.StatusCancelled
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("Update() error = %v, want %v", err, stop)
	}
	got, _ := repo.Get(ctx, "a1")
	if got.Status != domain.StatusPending {
		t.Errorf("aborted update was written: status %q", got.Status)
	}
}

func testConcurrentUpdate(t *testing.T, repo domain.JobRepository) {
	ctx := context.Background()
	mustCreate(t, repo, NewJob("c1", 0))

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Update(ctx, "c1", func(j *domain.Job) error {
				j.RetryCount++
				return nil
			})
			if err != nil {
				t.Errorf("Update() error = %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := repo.Get(ctx, "c1")
	if got.RetryCount != n {
		t.Errorf("RetryCount = %d, want %d (lost update)", got.RetryCount, n)
	}
}

func testDelete(t *testing.T, repo domain.JobRepository) {
	ctx := context.Background()
	mustCreate(t, repo, NewJob("d1", 0))

	if err := repo.Delete(ctx, "d1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.Get(ctx, "d1"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Get() after Delete error = %v", err)
	}
	if err := repo.Delete(ctx, "d1"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("second Delete() error = %v", err)
	}
}

func testListDue(t *testing.T, repo domain.JobRepository) {
	ctx := context.Background()

	late := NewJob("late", -time.Minute)
	early := NewJob("early", -time.Hour)
	tieA := NewJob("tie-a", -30*time.Minute)
	tieB := NewJob("tie-b", -30*time.Minute)
	tieB.CreatedAt = tieA.CreatedAt.Add(time.Second)
	future := NewJob("future", time.Hour)
	processing := NewJob("processing", -time.Hour)

	// Insert out of order so ordering comes from the query, not insertion.
	for _, j := range []*domain.Job{future, tieB, late, processing, tieA, early} {
		mustCreate(t, repo, j)
	}
	setStatus(t, repo, "processing", domain.StatusProcessing, base)

	due, err := repo.ListDue(ctx, base)
	if err != nil {
		t.Fatalf("ListDue() error = %v", err)
	}
	want := []string{"early", "tie-a", "tie-b", "late"}
	if got := ids(due); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("ListDue() = %v, want %v", got, want)
	}

	// Exactly-now is due.
	due, _ = repo.ListDue(ctx, base.Add(time.Hour))
	if len(due) != 5 {
		t.Errorf("ListDue(+1h) returned %d jobs, want 5", len(due))
	}
}

func testListAll(t *testing.T, repo domain.JobRepository) {
	ctx := context.Background()
	mustCreate(t, repo, NewJob("b", 2*time.Minute))
	mustCreate(t, repo, NewJob("a", time.Minute))
	mustCreate(t, repo, NewJob("c", 3*time.Minute))
	setStatus(t, repo, "c", domain.StatusCancelled, base)

	all, err := repo.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if got := ids(all); fmt.Sprint(got) != "[a b c]" {
		t.Errorf("ListAll() = %v, want [a b c]", got)
	}
}

func testRecoverStale(t *testing.T, repo domain.JobRepository) {
	ctx := context.Background()
	mustCreate(t, repo, NewJob("p1", 0))
	mustCreate(t, repo, NewJob("p2", 0))
	mustCreate(t, repo, NewJob("ok", 0))
	mustCreate(t, repo, NewJob("done", 0))
	setStatus(t, repo, "p1", domain.StatusProcessing, base)
	setStatus(t, repo, "p2", domain.StatusProcessing, base)
	setStatus(t, repo, "done", domain.StatusCompleted, base)

	n, err := repo.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale() error = %v", err)
	}
	if n != 2 {
		t.Errorf("RecoverStale() = %d, want 2", n)
	}
	for _, id := range []string{"p1", "p2", "ok"} {
		j, _ := repo.Get(ctx, id)
		if j.Status != domain.StatusPending {
			t.Errorf("%s status = %q, want pending", id, j.Status)
		}
	}
	p1, _ := repo.Get(ctx, "p1")
	if p1.LastError != "recovered after restart" {
		t.Errorf("p1 LastError = %q", p1.LastError)
	}
	done, _ := repo.Get(ctx, "done")
	if done.Status != domain.StatusCompleted {
		t.Errorf("completed job was touched: %q", done.Status)
	}
}

func testPurgeTerminal(t *testing.T, repo domain.JobRepository) {
	ctx := context.Background()
	old := base.Add(-48 * time.Hour)
	for _, id := range []string{"old-done", "old-failed", "old-cancelled", "old-pending", "new-done"} {
		mustCreate(t, repo, NewJob(id, 0))
	}
	setStatus(t, repo, "old-done", domain.StatusCompleted, old)
	setStatus(t, repo, "old-failed", domain.StatusFailed, old)
	setStatus(t, repo, "old-cancelled", domain.StatusCancelled, old)
	setStatus(t, repo, "old-pending", domain.StatusPending, old)
	setStatus(t, repo, "new-done", domain.StatusCompleted, base)

	n, err := repo.PurgeTerminal(ctx, base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeTerminal() error = %v", err)
	}
	if n != 3 {
		t.Errorf("PurgeTerminal() = %d, want 3", n)
	}
	all, _ := repo.ListAll(ctx)
	if len(all) != 2 {
		t.Errorf("%d jobs left, want 2", len(all))
	}
}

func ids(jobs []domain.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
