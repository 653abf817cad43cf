package scheduler

import (
	"time"

	"github.com/cwygoda/uplink/internal/domain"
)

// JobView is the read model handed to callers.
type JobView struct {
	ID            string           `json:"id"`
	Platform      domain.Platform  `json:"platform"`
	Title         string           `json:"title"`
	FilePath      string           `json:"file_path"`
	Tags          []string         `json:"tags,omitempty"`
	ScheduledTime time.Time        `json:"scheduled_time"`
	Status        domain.JobStatus `json:"status"`
	RetryCount    int              `json:"retry_count"`
	LastError     string           `json:"last_error,omitempty"`
	NextAttemptAt *time.Time       `json:"next_attempt_at,omitempty"`
	MediaID       string           `json:"media_id,omitempty"`
	MediaURL      string           `json:"media_url,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}

func (s *Scheduler) view(j *domain.Job) JobView {
	v := JobView{
		ID:            j.ID,
		Platform:      j.Platform,
		Title:         j.Payload.Title,
		FilePath:      j.Payload.FilePath,
		Tags:          j.Payload.Tags,
		ScheduledTime: j.ScheduledTime,
		Status:        j.Status,
		RetryCount:    j.RetryCount,
		LastError:     j.LastError,
		MediaID:       j.MediaID,
		MediaURL:      j.MediaURL,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		CompletedAt:   j.CompletedAt,
	}
	if j.Status == domain.StatusPending && j.RetryCount > 0 {
		next := s.opts.Worker.Policy.NextEligibleTime(j)
		if !next.IsZero() {
			v.NextAttemptAt = &next
		}
	}
	return v
}
