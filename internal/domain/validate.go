package domain

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// PlatformLimits constrains what may be scheduled for one platform.
type PlatformLimits struct {
	AllowedTypes   []string
	MaxSize        int64
	MaxImageSize   int64
	MaxHashtags    int
	MaxMentions    int
	AllowedPrivacy []string
	DefaultPrivacy string
}

// Limits maps each platform to its constraints.
type Limits map[Platform]PlatformLimits

var imageTypes = []string{".jpg", ".jpeg", ".png"}

// DefaultLimits returns the platform rules the uploads are checked against
// when nothing else is configured.
func DefaultLimits() Limits {
	return Limits{
		PlatformYouTube: {
			AllowedTypes:   []string{".mp4", ".avi", ".mov", ".wmv"},
			MaxSize:        128 << 30,
			AllowedPrivacy: []string{"private", "unlisted", "public"},
			DefaultPrivacy: "private",
		},
		PlatformInstagram: {
			AllowedTypes: []string{".mp4", ".jpg", ".jpeg", ".png"},
			MaxSize:      100 << 20,
			MaxImageSize: 8 << 20,
			MaxHashtags:  30,
			MaxMentions:  20,
		},
	}
}

// Validate checks a request against the clock and the platform limits and
// fills in per-platform defaults. It returns the parsed platform.
func (l Limits) Validate(req *JobRequest, now time.Time) (Platform, error) {
	platform, err := ParsePlatform(req.Platform)
	if err != nil {
		return "", invalid("platform", "unsupported platform %q", req.Platform)
	}
	limits, ok := l[platform]
	if !ok {
		return "", invalid("platform", "platform %s is not enabled", platform)
	}
	if !req.ScheduledTime.After(now) {
		return "", invalid("scheduled_time", "must be in the future")
	}

	p := &req.Payload
	p.Title = strings.TrimSpace(p.Title)
	if p.Title == "" {
		return "", invalid("title", "must not be empty")
	}
	if strings.TrimSpace(p.FilePath) == "" {
		return "", invalid("file_path", "must not be empty")
	}
	info, err := os.Stat(p.FilePath)
	if err != nil {
		return "", invalid("file_path", "file not found")
	}
	if !info.Mode().IsRegular() {
		return "", invalid("file_path", "not a regular file")
	}

	ext := strings.ToLower(filepath.Ext(p.FilePath))
	if !slices.Contains(limits.AllowedTypes, ext) {
		return "", invalid("file_path", "unsupported file type %q", ext)
	}
	maxSize := limits.MaxSize
	if limits.MaxImageSize > 0 && slices.Contains(imageTypes, ext) {
		maxSize = limits.MaxImageSize
	}
	if maxSize > 0 && info.Size() > maxSize {
		return "", invalid("file_path", "file is %s, limit is %s",
			humanize.IBytes(uint64(info.Size())), humanize.IBytes(uint64(maxSize)))
	}

	switch platform {
	case PlatformYouTube:
		if p.YouTube == nil {
			p.YouTube = &YouTubeOptions{}
		}
		if p.YouTube.Privacy == "" {
			p.YouTube.Privacy = limits.DefaultPrivacy
		}
		if p.YouTube.Category == "" {
			p.YouTube.Category = "22"
		}
		if len(limits.AllowedPrivacy) > 0 && !slices.Contains(limits.AllowedPrivacy, p.YouTube.Privacy) {
			return "", invalid("privacy", "must be one of %s", strings.Join(limits.AllowedPrivacy, ", "))
		}
		p.Instagram = nil
	case PlatformInstagram:
		if p.Instagram == nil {
			p.Instagram = &InstagramOptions{}
		}
		if p.Instagram.ShareToFeed == nil {
			share := true
			p.Instagram.ShareToFeed = &share
		}
		if limits.MaxHashtags > 0 && len(p.Instagram.Hashtags) > limits.MaxHashtags {
			return "", invalid("hashtags", "at most %d allowed", limits.MaxHashtags)
		}
		if limits.MaxMentions > 0 && len(p.Instagram.Mentions) > limits.MaxMentions {
			return "", invalid("mentions", "at most %d allowed", limits.MaxMentions)
		}
		p.YouTube = nil
	}
	return platform, nil
}
