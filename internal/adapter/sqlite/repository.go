package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwygoda/uplink/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id              TEXT PRIMARY KEY,
    platform        TEXT NOT NULL,
    file_path       TEXT NOT NULL,
    title           TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    tags            TEXT NOT NULL DEFAULT '[]',
    options         TEXT NOT NULL DEFAULT '{}',
    scheduled_time  INTEGER NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending',
    retry_count     INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT,
    last_attempt_at INTEGER,
    completed_at    INTEGER,
    media_id        TEXT NOT NULL DEFAULT '',
    media_url       TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, scheduled_time, created_at);
`

const columns = `id, platform, file_path, title, description, tags, options, scheduled_time,
	status, retry_count, COALESCE(last_error, ''), last_attempt_at, completed_at,
	media_id, media_url, created_at, updated_at`

// Repository implements domain.JobRepository using SQLite.
type Repository struct {
	db *sql.DB
}

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes read-modify-write transactions in-process;
	// immediate transactions serialize them across processes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// options is the JSON shape of the platform specific settings column.
type options struct {
	YouTube   *domain.YouTubeOptions   `json:"youtube,omitempty"`
	Instagram *domain.InstagramOptions `json:"instagram,omitempty"`
}

// Create inserts a new job.
func (r *Repository) Create(ctx context.Context, job *domain.Job) error {
	tags, opts, err := encodePayload(job.Payload)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, platform, file_path, title, description, tags, options, scheduled_time,
		 status, retry_count, last_error, last_attempt_at, completed_at, media_id, media_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Platform, job.Payload.FilePath, job.Payload.Title, job.Payload.Description, tags, opts,
		toNanos(job.ScheduledTime), job.Status, job.RetryCount, nullString(job.LastError),
		nullTime(job.LastAttemptAt), nullTime(job.CompletedAt), job.MediaID, job.MediaURL,
		toNanos(job.CreatedAt), toNanos(job.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateJob, job.ID)
	}
	return err
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// Update runs fn inside a write transaction and persists the result.
func (r *Repository) Update(ctx context.Context, id string, fn func(*domain.Job) error) (*domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}

	tags, opts, err := encodePayload(job.Payload)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET file_path = ?, title = ?, description = ?, tags = ?, options = ?, scheduled_time = ?,
		 status = ?, retry_count = ?, last_error = ?, last_attempt_at = ?, completed_at = ?,
		 media_id = ?, media_url = ?, updated_at = ?
		 WHERE id = ?`,
		job.Payload.FilePath, job.Payload.Title, job.Payload.Description, tags, opts, toNanos(job.ScheduledTime),
		job.Status, job.RetryCount, nullString(job.LastError), nullTime(job.LastAttemptAt), nullTime(job.CompletedAt),
		job.MediaID, job.MediaURL, toNanos(job.UpdatedAt), id,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

// Delete removes a job.
func (r *Repository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// ListDue returns pending jobs scheduled at or before now, earliest first.
func (r *Repository) ListDue(ctx context.Context, now time.Time) ([]domain.Job, error) {
	return r.query(ctx,
		`SELECT `+columns+` FROM jobs WHERE status = ? AND scheduled_time <= ?
		 ORDER BY scheduled_time ASC, created_at ASC`,
		domain.StatusPending, toNanos(now),
	)
}

// ListAll returns every job ordered by scheduled time.
func (r *Repository) ListAll(ctx context.Context) ([]domain.Job, error) {
	return r.query(ctx, `SELECT `+columns+` FROM jobs ORDER BY scheduled_time ASC, created_at ASC`)
}

// RecoverStale resets all processing jobs back to pending (for crash recovery).
func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = 'recovered after restart', updated_at = ?
		 WHERE status = ?`,
		domain.StatusPending, toNanos(time.Now()), domain.StatusProcessing,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PurgeTerminal deletes finished jobs last updated before the cutoff.
func (r *Repository) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?, ?) AND updated_at < ?`,
		domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled, toNanos(before),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *Repository) query(ctx context.Context, q string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		job                        domain.Job
		platform, status           string
		tags, opts                 string
		scheduled, created, update int64
		lastAttempt, completed     sql.NullInt64
	)
	err := row.Scan(&job.ID, &platform, &job.Payload.FilePath, &job.Payload.Title, &job.Payload.Description,
		&tags, &opts, &scheduled, &status, &job.RetryCount, &job.LastError, &lastAttempt, &completed,
		&job.MediaID, &job.MediaURL, &created, &update)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tags), &job.Payload.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for job %s: %w", job.ID, err)
	}
	var o options
	if err := json.Unmarshal([]byte(opts), &o); err != nil {
		return nil, fmt.Errorf("decode options for job %s: %w", job.ID, err)
	}
	job.Payload.YouTube = o.YouTube
	job.Payload.Instagram = o.Instagram
	job.Platform = domain.Platform(platform)
	job.Status = domain.JobStatus(status)
	job.ScheduledTime = fromNanos(scheduled)
	job.CreatedAt = fromNanos(created)
	job.UpdatedAt = fromNanos(update)
	if lastAttempt.Valid {
		t := fromNanos(lastAttempt.Int64)
		job.LastAttemptAt = &t
	}
	if completed.Valid {
		t := fromNanos(completed.Int64)
		job.CompletedAt = &t
	}
	return &job, nil
}

func encodePayload(p domain.Payload) (string, string, error) {
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	t, err := json.Marshal(tags)
	if err != nil {
		return "", "", err
	}
	o, err := json.Marshal(options{YouTube: p.YouTube, Instagram: p.Instagram})
	if err != nil {
		return "", "", err
	}
	return string(t), string(o), nil
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
