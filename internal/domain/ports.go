package domain

import (
	"context"
	"time"
)

// JobRepository is the driven port for job persistence.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Update applies fn to the current job atomically. Concurrent updates to
	// the same id are serialized; if fn fails nothing is written.
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)
	Delete(ctx context.Context, id string) error
	ListDue(ctx context.Context, now time.Time) ([]Job, error)
	ListAll(ctx context.Context) ([]Job, error)
	RecoverStale(ctx context.Context) (int64, error)
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

// UploadRequest is what an uploader receives for one job.
type UploadRequest struct {
	JobID       string
	FilePath    string
	Title       string
	Description string
	Tags        []string
	YouTube     *YouTubeOptions
	Instagram   *InstagramOptions
	// Credentials is the record loaded for this attempt.
	Credentials Credentials
}

// ProgressFunc receives (bytesSent, totalBytes) while an upload runs.
type ProgressFunc func(sent, total int64)

// Uploader is the driven port for one media platform.
type Uploader interface {
	Platform() Platform
	RequiresAuth() bool
	Authenticate(ctx context.Context, creds Credentials) error
	Upload(ctx context.Context, req UploadRequest, progress ProgressFunc) (UploadResult, error)
}

// Credentials is the secret record kept by the vault. The JSON names match
// the files written by earlier releases.
type Credentials struct {
	InstagramUsername   string `json:"InstagramUsername"`
	InstagramPassword   string `json:"InstagramPassword"`
	InstagramSession    string `json:"InstagramSessionFile"`
	YouTubeRefreshToken string `json:"YouTubeRefreshToken"`
}

// IsZero reports whether no secret is set.
func (c Credentials) IsZero() bool {
	return c == Credentials{}
}

// For returns the secrets relevant to one platform and whether they are
// sufficient to authenticate.
func (c Credentials) For(p Platform) (map[string]string, bool) {
	switch p {
	case PlatformYouTube:
		return map[string]string{"refresh_token": c.YouTubeRefreshToken}, c.YouTubeRefreshToken != ""
	case PlatformInstagram:
		m := map[string]string{
			"username": c.InstagramUsername,
			"password": c.InstagramPassword,
			"session":  c.InstagramSession,
		}
		ok := c.InstagramSession != "" || (c.InstagramUsername != "" && c.InstagramPassword != "")
		return m, ok
	}
	return nil, false
}

// Configured reports, per platform, whether usable credentials are present.
func (c Credentials) Configured() map[Platform]bool {
	out := make(map[Platform]bool, len(Platforms))
	for _, p := range Platforms {
		_, ok := c.For(p)
		out[p] = ok
	}
	return out
}

// Merge returns c with every non-empty field of other applied on top.
func (c Credentials) Merge(other Credentials) Credentials {
	if other.InstagramUsername != "" {
		c.InstagramUsername = other.InstagramUsername
	}
	if other.InstagramPassword != "" {
		c.InstagramPassword = other.InstagramPassword
	}
	if other.InstagramSession != "" {
		c.InstagramSession = other.InstagramSession
	}
	if other.YouTubeRefreshToken != "" {
		c.YouTubeRefreshToken = other.YouTubeRefreshToken
	}
	return c
}
