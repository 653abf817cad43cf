package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/cwygoda/uplink/internal/domain"
)

// Config holds application configuration.
type Config struct {
	PollInterval  time.Duration `toml:"poll_interval" split_words:"true"`
	MaxConcurrent int           `toml:"max_concurrent" split_words:"true"`
	ShutdownGrace time.Duration `toml:"shutdown_grace" split_words:"true"`
	ProgressRate  float64       `toml:"progress_rate" split_words:"true"`

	Store     StoreConfig     `toml:"store" envconfig:"STORE"`
	Vault     VaultConfig     `toml:"vault" envconfig:"VAULT"`
	Retry     RetryConfig     `toml:"retry" envconfig:"RETRY"`
	Retention RetentionConfig `toml:"retention" envconfig:"RETENTION"`
	HTTP      HTTPConfig      `toml:"http" envconfig:"HTTP"`
	Log       LogConfig       `toml:"log" envconfig:"LOG"`

	YouTube   PlatformConfig `toml:"youtube" envconfig:"YOUTUBE"`
	Instagram PlatformConfig `toml:"instagram" envconfig:"INSTAGRAM"`

	Uploaders []UploaderConfig `toml:"uploader" ignored:"true"`

	// Path is the file the config was read from, empty if none.
	Path string `toml:"-" ignored:"true"`
}

type StoreConfig struct {
	Driver string `toml:"driver" split_words:"true"`
	Path   string `toml:"path" split_words:"true"`
}

type VaultConfig struct {
	Dir string `toml:"dir" split_words:"true"`
}

type RetryConfig struct {
	MaxRetries int           `toml:"max_retries" split_words:"true"`
	BaseDelay  time.Duration `toml:"base_delay" split_words:"true"`
	MinDelay   time.Duration `toml:"min_delay" split_words:"true"`
	MaxDelay   time.Duration `toml:"max_delay" split_words:"true"`
}

type RetentionConfig struct {
	Schedule string        `toml:"schedule" split_words:"true"`
	Keep     time.Duration `toml:"keep" split_words:"true"`
}

type HTTPConfig struct {
	Addr   string `toml:"addr" split_words:"true"`
	Secret string `toml:"secret" split_words:"true"`
}

type LogConfig struct {
	Level  string `toml:"level" split_words:"true"`
	Format string `toml:"format" split_words:"true"`
}

// PlatformConfig overrides the built-in limits for one platform. Zero values
// keep the defaults.
type PlatformConfig struct {
	Disabled       bool     `toml:"disabled" split_words:"true"`
	AllowedTypes   []string `toml:"allowed_types" split_words:"true"`
	MaxSize        int64    `toml:"max_size" split_words:"true"`
	MaxImageSize   int64    `toml:"max_image_size" split_words:"true"`
	MaxHashtags    int      `toml:"max_hashtags" split_words:"true"`
	MaxMentions    int      `toml:"max_mentions" split_words:"true"`
	DefaultPrivacy string   `toml:"default_privacy" split_words:"true"`
}

// UploaderConfig defines an external command that performs uploads for a platform.
type UploaderConfig struct {
	Platform     string        `toml:"platform"`
	Command      string        `toml:"command"`
	Args         []string      `toml:"args"`
	Stdin        bool          `toml:"stdin"`
	RequiresAuth *bool         `toml:"requires_auth"`
	Timeout      time.Duration `toml:"timeout"`
}

// EnvPrefix prefixes every environment override, e.g. UPLINK_POLL_INTERVAL
// or UPLINK_STORE_PATH. Leaf fields carry no envconfig tag so unprefixed
// variables such as $PATH are never consulted.
const EnvPrefix = "UPLINK"

// DefaultConfigPath returns the default config file using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "uplink", "config.toml")
}

// DefaultDBPath returns the default database path using XDG_DATA_HOME.
func DefaultDBPath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "uplink", "jobs.db")
}

// DefaultVaultDir returns the default credential directory.
func DefaultVaultDir() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "uplink", "vault")
}

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, fallback)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		PollInterval:  time.Minute,
		MaxConcurrent: 2,
		ShutdownGrace: 30 * time.Second,
		ProgressRate:  2,
		Store:         StoreConfig{Driver: "sqlite", Path: DefaultDBPath()},
		Vault:         VaultConfig{Dir: DefaultVaultDir()},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Minute,
			MinDelay:   time.Minute,
			MaxDelay:   time.Hour,
		},
		Retention: RetentionConfig{Schedule: "@daily", Keep: 30 * 24 * time.Hour},
		HTTP:      HTTPConfig{Addr: ":8080"},
		Log:       LogConfig{Level: "info", Format: "console"},
	}
}

// Load parses flags, reads the config file and applies environment overrides.
// Precedence: defaults < file < environment.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("uplink", flag.ContinueOnError)
	path := fs.String("config", DefaultConfigPath(), "config file path")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	// A missing .env is normal.
	_ = godotenv.Load()

	return LoadFile(*path)
}

// LoadFile builds a config from one file plus environment overrides. A
// missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	path = ExpandPath(path)
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else {
			cfg.Path = path
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	cfg.Store.Path = ExpandPath(cfg.Store.Path)
	cfg.Vault.Dir = ExpandPath(cfg.Vault.Dir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the scheduler cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.MaxConcurrent < 1 {
		errs = append(errs, errors.New("max_concurrent must be at least 1"))
	}
	if c.ShutdownGrace < 0 {
		errs = append(errs, errors.New("shutdown_grace must not be negative"))
	}
	if c.Retry.MaxRetries < 1 {
		errs = append(errs, errors.New("retry.max_retries must be at least 1"))
	}
	if c.Retry.MaxDelay > 0 && c.Retry.MinDelay > c.Retry.MaxDelay {
		errs = append(errs, errors.New("retry.min_delay exceeds retry.max_delay"))
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}
	seen := map[domain.Platform]bool{}
	for i, u := range c.Uploaders {
		p, err := domain.ParsePlatform(u.Platform)
		if err != nil {
			errs = append(errs, fmt.Errorf("uploader[%d]: %w", i, err))
			continue
		}
		if seen[p] {
			errs = append(errs, fmt.Errorf("uploader[%d]: duplicate platform %s", i, p))
		}
		seen[p] = true
		if strings.TrimSpace(u.Command) == "" {
			errs = append(errs, fmt.Errorf("uploader[%d]: command is required", i))
		}
	}
	return errors.Join(errs...)
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		MinDelay:   c.Retry.MinDelay,
		MaxDelay:   c.Retry.MaxDelay,
	}
}

// Limits merges platform overrides into the built-in limits.
func (c *Config) Limits() domain.Limits {
	limits := domain.DefaultLimits()
	apply := func(p domain.Platform, pc PlatformConfig) {
		if pc.Disabled {
			delete(limits, p)
			return
		}
		l := limits[p]
		if len(pc.AllowedTypes) > 0 {
			l.AllowedTypes = normalizeTypes(pc.AllowedTypes)
		}
		if pc.MaxSize > 0 {
			l.MaxSize = pc.MaxSize
		}
		if pc.MaxImageSize > 0 {
			l.MaxImageSize = pc.MaxImageSize
		}
		if pc.MaxHashtags > 0 {
			l.MaxHashtags = pc.MaxHashtags
		}
		if pc.MaxMentions > 0 {
			l.MaxMentions = pc.MaxMentions
		}
		if pc.DefaultPrivacy != "" {
			l.DefaultPrivacy = pc.DefaultPrivacy
		}
		limits[p] = l
	}
	apply(domain.PlatformYouTube, c.YouTube)
	apply(domain.PlatformInstagram, c.Instagram)
	return limits
}

func normalizeTypes(types []string) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if !strings.HasPrefix(t, ".") {
			t = "." + t
		}
		out = append(out, t)
	}
	return out
}
