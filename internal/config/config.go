package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// FeedConfig describes a single session feed.
type FeedConfig struct {
	// ID is an internal identifier used for logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label; ICS feeds use it as the group name.
	Name string `yaml:"name" json:"name"`
	// Kind is the location type shared by every session in the feed:
	// "online" or "offline".
	Kind string `yaml:"kind" json:"kind"`
	// Format is "json" (provider records) or "ics" (calendar).
	Format string `yaml:"format" json:"format"`
	// URL is fetched over HTTP. Path is read from disk. Exactly one is used;
	// URL wins when both are set.
	URL  string `yaml:"url,omitempty" json:"url,omitempty"`
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	// Headers are added to HTTP requests (e.g. Authorization).
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone in which session dates and times are read
	// (e.g. "Asia/Seoul"). Session values carry no zone of their own.
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// RefreshCron is a cron-style schedule string (e.g. "*/5 * * * *")
	// used to reload feeds.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// TickSeconds is the countdown recompute period.
	TickSeconds int `yaml:"tick_seconds" json:"tick_seconds"`

	// SoonMinutes / ImminentMinutes are the inclusive urgency thresholds.
	SoonMinutes     int `yaml:"soon_minutes" json:"soon_minutes"`
	ImminentMinutes int `yaml:"imminent_minutes" json:"imminent_minutes"`

	// HorizonDays bounds recurrence expansion of calendar feeds.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// CacheDir holds per-URL HTTP cache entries for feeds.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// Feeds is the list of session sources.
	Feeds []FeedConfig `yaml:"feeds" json:"feeds"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen      = "127.0.0.1:8080"
	defaultTimezone    = "Asia/Seoul"
	defaultRefreshCron = "*/5 * * * *"
	defaultCacheDir    = "/var/lib/nextsession/feed-cache"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:          defaultListen,
		Timezone:        defaultTimezone,
		LogLevel:        "info",
		RefreshCron:     defaultRefreshCron,
		TickSeconds:     1,
		SoonMinutes:     30,
		ImminentMinutes: 5,
		HorizonDays:     14,
		CacheDir:        defaultCacheDir,
		Feeds:           []FeedConfig{},
		BasicAuth:       nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.TickSeconds <= 0 {
		c.TickSeconds = 1
	}
	if c.ImminentMinutes <= 0 {
		c.ImminentMinutes = 5
	}
	if c.SoonMinutes <= 0 {
		c.SoonMinutes = 30
	}
	// Soon must include the imminent window.
	if c.SoonMinutes < c.ImminentMinutes {
		c.SoonMinutes = c.ImminentMinutes
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 14
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
	for i := range c.Feeds {
		f := &c.Feeds[i]
		f.Kind = strings.ToLower(strings.TrimSpace(f.Kind))
		f.Format = strings.ToLower(strings.TrimSpace(f.Format))
		if f.Format == "" {
			f.Format = "json"
		}
		if f.ID == "" {
			switch {
			case f.Name != "":
				f.ID = f.Name
			case f.URL != "":
				f.ID = f.URL
			default:
				f.ID = f.Path
			}
		}
	}
}

// Validate reports configuration errors that defaults cannot fix.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		errs = append(errs, fmt.Errorf("refresh %q: %w", c.RefreshCron, err))
	}
	for i, f := range c.Feeds {
		if f.Kind != "online" && f.Kind != "offline" {
			errs = append(errs, fmt.Errorf("feeds[%d] (%s): kind must be online or offline, got %q", i, f.ID, f.Kind))
		}
		if f.Format != "json" && f.Format != "ics" {
			errs = append(errs, fmt.Errorf("feeds[%d] (%s): format must be json or ics, got %q", i, f.ID, f.Format))
		}
		if f.URL == "" && f.Path == "" {
			errs = append(errs, fmt.Errorf("feeds[%d] (%s): url or path is required", i, f.ID))
		}
	}
	return errors.Join(errs...)
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Tick returns the countdown tick period.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.TickSeconds) * time.Second
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".nextsession-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Set permissions to 0600 on temp file before rename.
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	// Rename over the target path.
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	return nil
}
