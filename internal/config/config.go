package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon settings loaded from ~/.relayd/config.toml,
// merged over Default(). All fields are optional in the file.
type Config struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	Path        string   `toml:"path"`
	ControlAddr string   `toml:"control_addr"`
	PollEvery   Duration `toml:"poll_every"`
	Timeout     Duration `toml:"timeout"`
	AutoSend    bool     `toml:"auto_send"`

	MaxMessages       int `toml:"max_messages"`
	MaxPendingBundles int `toml:"max_pending_bundles"`
	MaxDedupedIDs     int `toml:"max_deduped_ids"`

	AttachmentTimeout     Duration `toml:"attachment_timeout"`
	AttachmentRetryLimit  int      `toml:"attachment_retry_limit"`
	AttachmentRetryDelay  Duration `toml:"attachment_retry_delay"`
	AttachmentConcurrency int      `toml:"attachment_concurrency"`
	CacheTTL              Duration `toml:"cache_ttl"`
	CacheMaxEntries       int      `toml:"cache_max_entries"`
}

// Duration is a time.Duration that decodes from TOML strings like "3s".
type Duration time.Duration

// UnmarshalText implements toml string decoding for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements toml string encoding for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the setting as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Host:        "127.0.0.1",
		Port:        63155,
		Path:        "/messages",
		ControlAddr: "127.0.0.1:7411",
		PollEvery:   Duration(6 * time.Second),
		Timeout:     Duration(3 * time.Second),
		AutoSend:    true,

		MaxMessages:       5,
		MaxPendingBundles: 200,
		MaxDedupedIDs:     400,

		AttachmentTimeout:     Duration(20 * time.Second),
		AttachmentRetryLimit:  2,
		AttachmentRetryDelay:  Duration(1500 * time.Millisecond),
		AttachmentConcurrency: 2,
		CacheTTL:              Duration(5 * time.Minute),
		CacheMaxEntries:       50,
	}
}

// Load reads config from the given path, merged over defaults. A missing
// file is not an error: defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.sanitize()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) sanitize() {
	def := Default()
	if strings.TrimSpace(c.Host) == "" {
		c.Host = def.Host
	}
	if c.Port <= 0 {
		c.Port = def.Port
	}
	if strings.TrimSpace(c.Path) == "" {
		c.Path = def.Path
	}
	if c.PollEvery.Std() < time.Second {
		c.PollEvery = Duration(time.Second)
	}
	if c.Timeout.Std() <= 0 {
		c.Timeout = def.Timeout
	}
	if c.AttachmentTimeout.Std() <= 0 {
		c.AttachmentTimeout = def.AttachmentTimeout
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = def.MaxMessages
	}
	if c.MaxPendingBundles <= 0 {
		c.MaxPendingBundles = def.MaxPendingBundles
	}
	if c.MaxDedupedIDs <= 0 {
		c.MaxDedupedIDs = def.MaxDedupedIDs
	}
	if c.AttachmentConcurrency <= 0 {
		c.AttachmentConcurrency = def.AttachmentConcurrency
	}
	if c.CacheMaxEntries <= 0 {
		c.CacheMaxEntries = def.CacheMaxEntries
	}
	if c.CacheTTL.Std() <= 0 {
		c.CacheTTL = def.CacheTTL
	}
}

// SourceURL builds the polled source endpoint URL. A non-empty cursor is
// attached as the "since" query parameter.
func (c *Config) SourceURL(cursor string) string {
	path := strings.TrimSpace(c.Path)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{
		Scheme: "http",
		Host:   fmt.Sprintf("%s:%d", strings.TrimSpace(c.Host), c.Port),
		Path:   path,
	}
	if cursor != "" {
		q := u.Query()
		q.Set("since", cursor)
		u.RawQuery = q.Encode()
	}
	return u.String()
}
