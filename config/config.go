// Package config loads the pagehook YAML configuration, applies defaults and
// PAGEHOOK_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level pagehook configuration.
type Config struct {
	DBPath   string         `yaml:"db_path"`
	Listen   string         `yaml:"listen"`
	DB       DBConfig       `yaml:"db"`
	API      APIConfig      `yaml:"api"`
	Browser  BrowserConfig  `yaml:"browser"`
	Pages    []PageConfig   `yaml:"pages"`
	Relay    RelayConfig    `yaml:"relay"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Schedule ScheduleConfig `yaml:"schedule"`
}

// DBConfig tunes the SQLite connection.
type DBConfig struct {
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// APIConfig controls which browser origins may call the HTTP API.
type APIConfig struct {
	// AllowedOrigins are accepted in addition to loopback origins
	// (http://localhost, http://127.0.0.1, http://[::1] on any port).
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	Stealth          bool          `yaml:"stealth"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
}

// PageConfig is a page kept open in a tab and watched.
type PageConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

// RelayConfig sizes the in-process relay and selects the Redis transport.
type RelayConfig struct {
	RedisAddr string `yaml:"redis_addr"` // empty: in-process only
	Channel   string `yaml:"channel"`
	QueueSize int    `yaml:"queue_size"`
}

// DispatchConfig tunes webhook delivery.
type DispatchConfig struct {
	Timeout  time.Duration `yaml:"timeout"` // zero: no timeout
	Platform string        `yaml:"platform"`
}

// ScheduleConfig tunes the periodic-check scheduler.
type ScheduleConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// LoadFile reads a YAML configuration file. An empty path yields Default().
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "data/pagehook.db"
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8787"
	}
	if c.DB.BusyTimeout <= 0 {
		c.DB.BusyTimeout = 10 * time.Second
	}
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval == 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Relay.Channel == "" {
		c.Relay.Channel = "pagehook:relay"
	}
	if c.Relay.QueueSize <= 0 {
		c.Relay.QueueSize = 256
	}
	if c.Dispatch.Platform == "" {
		c.Dispatch.Platform = "pagehook"
	}
	if c.Schedule.PollInterval <= 0 {
		c.Schedule.PollInterval = time.Second
	}
}

// Validate checks page entries.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Pages))
	for i, p := range c.Pages {
		if p.ID == "" || p.URL == "" {
			return fmt.Errorf("config: pages[%d]: id and url are required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("config: pages[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
	}
	if c.Dispatch.Timeout < 0 {
		return errors.New("config: dispatch.timeout must not be negative")
	}
	return nil
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from PAGEHOOK_* variables read through lookup
// (os.LookupEnv in production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("PAGEHOOK_DB_PATH", &c.DBPath)
	str("PAGEHOOK_LISTEN", &c.Listen)
	str("PAGEHOOK_BROWSER_REMOTE", &c.Browser.Remote)
	str("PAGEHOOK_REDIS_ADDR", &c.Relay.RedisAddr)
	str("PAGEHOOK_RELAY_CHANNEL", &c.Relay.Channel)
	str("PAGEHOOK_PLATFORM", &c.Dispatch.Platform)

	if v, ok := lookup("PAGEHOOK_BROWSER_STEALTH"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: PAGEHOOK_BROWSER_STEALTH: %w", err)
		}
		c.Browser.Stealth = b
	}
	if v, ok := lookup("PAGEHOOK_DISPATCH_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: PAGEHOOK_DISPATCH_TIMEOUT: %w", err)
		}
		c.Dispatch.Timeout = d
	}
	if v, ok := lookup("PAGEHOOK_ALLOWED_ORIGINS"); ok && v != "" {
		c.API.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.API.AllowedOrigins = append(c.API.AllowedOrigins, o)
			}
		}
	}
	return c.Validate()
}
