// Package config loads convlog settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"convlog/internal/usage"
)

// Fingerprint modes.
const (
	FingerprintStat = "stat"
	FingerprintHash = "hash"
)

// Search holds index settings.
type Search struct {
	// Fields searched when a query names none: text, thinking, tool_result, tool_input.
	DefaultFields []string `yaml:"default_fields,omitempty"`
	SnippetChars  int      `yaml:"snippet_chars,omitempty"`
}

// Watch holds watcher settings.
type Watch struct {
	DebounceMillis int     `yaml:"debounce_ms,omitempty"`
	RatePerSecond  float64 `yaml:"rate_per_second,omitempty"`
}

// Config holds all configuration options.
type Config struct {
	ProjectsDir    string                `yaml:"projects_dir,omitempty"`
	CacheDir       string                `yaml:"cache_dir,omitempty"`
	LogLevel       string                `yaml:"log_level,omitempty"`
	Fingerprint    string                `yaml:"fingerprint,omitempty"`
	Workers        int                   `yaml:"workers,omitempty"`
	GraphCacheSize int                   `yaml:"graph_cache_size,omitempty"`
	KeepUnknown    bool                  `yaml:"keep_unknown_fields,omitempty"`
	Pricing        map[string]usage.Rate `yaml:"pricing,omitempty"`
	Search         Search                `yaml:"search"`
	Watch          Watch                 `yaml:"watch"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		ProjectsDir:    filepath.Join(home, ".claude", "projects"),
		CacheDir:       defaultCacheDir(home),
		LogLevel:       "warn",
		Fingerprint:    FingerprintStat,
		GraphCacheSize: 32,
		Search: Search{
			DefaultFields: []string{"text"},
			SnippetChars:  100,
		},
		Watch: Watch{
			DebounceMillis: 300,
			RatePerSecond:  20,
		},
	}
}

func defaultCacheDir(home string) string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "convlog")
	}
	return filepath.Join(home, ".cache", "convlog")
}

// Path returns the config file path.
func Path() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "convlog", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "convlog", "config.yaml")
}

// Load reads path (Path() when empty) over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("CONVLOG_PROJECTS_DIR"); v != "" {
		c.ProjectsDir = v
	}
	if v := getenv("CONVLOG_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	if v := getenv("CONVLOG_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("CONVLOG_FINGERPRINT"); v != "" {
		c.Fingerprint = v
	}
	if v := getenv("CONVLOG_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONVLOG_WORKERS: %w", err)
		}
		c.Workers = n
	}
	return nil
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	c.Fingerprint = strings.ToLower(c.Fingerprint)
	switch c.Fingerprint {
	case "":
		c.Fingerprint = FingerprintStat
	case FingerprintStat, FingerprintHash:
	default:
		return fmt.Errorf("fingerprint must be %q or %q, got %q", FingerprintStat, FingerprintHash, c.Fingerprint)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	return nil
}

// PricingTable returns the built-in prices with configured overrides.
func (c *Config) PricingTable() usage.Pricing {
	return usage.DefaultPricing().With(c.Pricing)
}

// LockDir is where advisory lock files live.
func (c *Config) LockDir() string {
	return filepath.Join(c.CacheDir, "locks")
}
