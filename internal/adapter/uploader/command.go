// Package uploader adapts external upload commands to domain.Uploader.
package uploader

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cwygoda/uplink/internal/config"
	"github.com/cwygoda/uplink/internal/domain"
)

// CommandUploader runs an external program for one platform.
//
// Arguments may contain placeholders:
//
//	{file} {title} {description} {job}
//	{tags}        comma separated
//	{privacy} {category} {made_for_kids} {language} {playlist}
//	{hashtags}    "#a #b"
//	{mentions}    "@a @b"
//	{caption}     description followed by hashtags and mentions
//	{reel} {share_to_feed} {location}
//
// Booleans expand to "true" or "false"; options of the other platform expand
// to "". Credentials are passed as environment variables named
// UPLINK_<PLATFORM>_<KEY>. The last non-empty line of stdout is read as
// "<media id> [<media url>]".
type CommandUploader struct {
	platform     domain.Platform
	command      string
	args         []string
	stdin        bool
	requiresAuth bool
	timeout      time.Duration
}

// NewCommandUploader creates an uploader from config. requires_auth
// defaults to true.
func NewCommandUploader(uc config.UploaderConfig) (*CommandUploader, error) {
	p, err := domain.ParsePlatform(uc.Platform)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(uc.Command) == "" {
		return nil, fmt.Errorf("uploader %s: command is required", p)
	}
	requiresAuth := true
	if uc.RequiresAuth != nil {
		requiresAuth = *uc.RequiresAuth
	}
	return &CommandUploader{
		platform:     p,
		command:      config.ExpandPath(uc.Command),
		args:         uc.Args,
		stdin:        uc.Stdin,
		requiresAuth: requiresAuth,
		timeout:      uc.Timeout,
	}, nil
}

func (u *CommandUploader) Platform() domain.Platform { return u.platform }

func (u *CommandUploader) RequiresAuth() bool { return u.requiresAuth }

// Authenticate checks that creds can be used for this platform. It keeps no
// state; each upload reads the credentials carried by its request.
func (u *CommandUploader) Authenticate(ctx context.Context, creds domain.Credentials) error {
	if _, ok := creds.For(u.platform); u.requiresAuth && !ok {
		return fmt.Errorf("%w: no credentials for %s", domain.ErrAuthentication, u.platform)
	}
	return nil
}

// credentialEnv renders the platform's secrets as sorted KEY=value pairs.
func (u *CommandUploader) credentialEnv(creds domain.Credentials) []string {
	secrets, _ := creds.For(u.platform)
	keys := make([]string, 0, len(secrets))
	for k := range secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	prefix := "UPLINK_" + strings.ToUpper(string(u.platform)) + "_"
	for _, k := range keys {
		if secrets[k] == "" {
			continue
		}
		env = append(env, prefix+strings.ToUpper(k)+"="+secrets[k])
	}
	return env
}

// Upload runs the command and parses its result.
func (u *CommandUploader) Upload(ctx context.Context, req domain.UploadRequest, progress domain.ProgressFunc) (domain.UploadResult, error) {
	if progress == nil {
		progress = func(int64, int64) {}
	}
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	info, err := os.Stat(req.FilePath)
	if err != nil {
		return domain.UploadResult{}, fmt.Errorf("%w: %v", domain.ErrUpload, err)
	}
	total := info.Size()

	cmd := exec.CommandContext(ctx, u.command, u.expand(req)...)
	cmd.Env = append(os.Environ(), u.credentialEnv(req.Credentials)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if u.stdin {
		f, err := os.Open(req.FilePath)
		if err != nil {
			return domain.UploadResult{}, fmt.Errorf("%w: %v", domain.ErrUpload, err)
		}
		defer f.Close()
		cmd.Stdin = &progressReader{r: f, total: total, fn: progress}
	}

	progress(0, total)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return domain.UploadResult{}, fmt.Errorf("%w: %s: %v", domain.ErrUpload, u.command, ctx.Err())
		}
		return domain.UploadResult{}, fmt.Errorf("%w: %s failed: %v: %s",
			domain.ErrUpload, u.command, err, strings.TrimSpace(stderr.String()))
	}
	progress(total, total)

	return parseResult(stdout.Bytes()), nil
}

func (u *CommandUploader) expand(req domain.UploadRequest) []string {
	var privacy, category, kids, language, playlist string
	if yt := req.YouTube; yt != nil {
		privacy = yt.Privacy
		category = yt.Category
		kids = strconv.FormatBool(yt.MadeForKids)
		language = yt.Language
		playlist = yt.PlaylistID
	}
	var hashtags, mentions, reel, share, location string
	caption := req.Description
	if ig := req.Instagram; ig != nil {
		hashtags = prefixed("#", ig.Hashtags)
		mentions = prefixed("@", ig.Mentions)
		caption = Caption(req.Description, ig)
		reel = strconv.FormatBool(ig.IsReel)
		share = strconv.FormatBool(ig.SharesToFeed())
		location = ig.Location
	}
	r := strings.NewReplacer(
		"{file}", req.FilePath,
		"{title}", req.Title,
		"{description}", req.Description,
		"{tags}", strings.Join(req.Tags, ","),
		"{privacy}", privacy,
		"{category}", category,
		"{made_for_kids}", kids,
		"{language}", language,
		"{playlist}", playlist,
		"{hashtags}", hashtags,
		"{mentions}", mentions,
		"{caption}", caption,
		"{reel}", reel,
		"{share_to_feed}", share,
		"{location}", location,
		"{job}", req.JobID,
	)
	args := make([]string, len(u.args))
	for i, arg := range u.args {
		args[i] = r.Replace(arg)
	}
	return args
}

// Caption appends the hashtag and mention lines to a post description, each
// separated by a blank line.
func Caption(description string, ig *domain.InstagramOptions) string {
	caption := description
	if ig == nil {
		return caption
	}
	for _, line := range []string{prefixed("#", ig.Hashtags), prefixed("@", ig.Mentions)} {
		if line == "" {
			continue
		}
		if caption != "" {
			caption += "\n\n"
		}
		caption += line
	}
	return caption
}

// prefixed joins words with spaces, each carrying exactly one leading marker.
func prefixed(marker string, words []string) string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.TrimLeft(strings.TrimSpace(w), marker)
		if w != "" {
			out = append(out, marker+w)
		}
	}
	return strings.Join(out, " ")
}

func parseResult(out []byte) domain.UploadResult {
	var last string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	fields := strings.Fields(last)
	var res domain.UploadResult
	if len(fields) > 0 {
		res.MediaID = fields[0]
	}
	if len(fields) > 1 {
		res.MediaURL = fields[1]
	}
	return res
}

// progressReader reports bytes consumed by the child process.
type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    domain.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}
