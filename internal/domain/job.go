package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a scheduled upload.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether the state machine allows s -> to.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusPending || to == StatusFailed
	}
	return false
}

// Platform selects which uploader handles a job.
type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformInstagram Platform = "instagram"
)

// Platforms lists every supported platform.
var Platforms = []Platform{PlatformYouTube, PlatformInstagram}

// ParsePlatform accepts platform names case-insensitively ("YouTube" works).
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Platforms {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unsupported platform %q", s)
}

// YouTubeOptions are the YouTube specific upload settings.
type YouTubeOptions struct {
	Privacy     string `json:"privacy,omitempty"`
	Category    string `json:"category,omitempty"`
	MadeForKids bool   `json:"made_for_kids,omitempty"`
	Language    string `json:"language,omitempty"`
	PlaylistID  string `json:"playlist_id,omitempty"`
}

// InstagramOptions are the Instagram specific upload settings.
type InstagramOptions struct {
	IsReel      bool     `json:"is_reel,omitempty"`
	ShareToFeed *bool    `json:"share_to_feed,omitempty"`
	Mentions    []string `json:"mentions,omitempty"`
	Hashtags    []string `json:"hashtags,omitempty"`
	Location    string   `json:"location,omitempty"`
}

// SharesToFeed reports whether the post also goes to the main feed. Unset
// means yes.
func (o *InstagramOptions) SharesToFeed() bool {
	return o.ShareToFeed == nil || *o.ShareToFeed
}

// Payload describes what gets uploaded.
type Payload struct {
	FilePath    string            `json:"file_path"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	YouTube     *YouTubeOptions   `json:"youtube,omitempty"`
	Instagram   *InstagramOptions `json:"instagram,omitempty"`
}

// Job is one scheduled upload with its retry state.
type Job struct {
	ID            string
	Platform      Platform
	Payload       Payload
	ScheduledTime time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Status        JobStatus
	RetryCount    int
	LastError     string
	LastAttemptAt *time.Time
	CompletedAt   *time.Time
	MediaID       string
	MediaURL      string
}

// IsDue returns true if the job is pending and its scheduled time has passed.
func (j *Job) IsDue(now time.Time) bool {
	return j.Status == StatusPending && !j.ScheduledTime.After(now)
}

// transition moves the job to another status or reports why it cannot.
func (j *Job) transition(to JobStatus) error {
	if !j.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	return nil
}

// Clone returns a deep copy so callers never share slices or pointers with a store.
func (j Job) Clone() Job {
	c := j
	c.Payload.Tags = append([]string(nil), j.Payload.Tags...)
	if j.Payload.YouTube != nil {
		yt := *j.Payload.YouTube
		c.Payload.YouTube = &yt
	}
	if j.Payload.Instagram != nil {
		ig := *j.Payload.Instagram
		ig.Mentions = append([]string(nil), ig.Mentions...)
		ig.Hashtags = append([]string(nil), ig.Hashtags...)
		if ig.ShareToFeed != nil {
			share := *ig.ShareToFeed
			ig.ShareToFeed = &share
		}
		c.Payload.Instagram = &ig
	}
	if j.LastAttemptAt != nil {
		t := *j.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// JobRequest is what a caller submits to schedule an upload.
type JobRequest struct {
	Platform      string
	ScheduledTime time.Time
	Payload       Payload
}

// UploadResult is what an uploader reports on success.
type UploadResult struct {
	MediaID  string
	MediaURL string
}

// Progress is a single upload progress sample.
type Progress struct {
	JobID      string
	Platform   Platform
	BytesSent  int64
	TotalBytes int64
	At         time.Time
}

// Percent returns completion in the range [0, 100].
func (p Progress) Percent() float64 {
	if p.TotalBytes <= 0 {
		return 0
	}
	pct := float64(p.BytesSent) / float64(p.TotalBytes) * 100
	if pct > 100 {
		return 100
	}
	return pct
}
