// Package config loads the TOML configuration. A Config is a plain value:
// callers pass it into each run instead of sharing a mutable settings object.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	appName    = "tasksync"
	configFile = "config.toml"

	// EnvConfigPath overrides the default config file location.
	EnvConfigPath = "TASKSYNC_CONFIG"

	DefaultCalendar = "Tasks"
)

// Duration is a time.Duration written as a Go duration string ("1m30s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Calendar string         `toml:"calendar"`
	Timezone string         `toml:"timezone"`
	Sync     SyncConfig     `toml:"sync"`
	Identity IdentityConfig `toml:"identity"`
	State    StateConfig    `toml:"state"`
	Source   SourceConfig   `toml:"source"`
	Log      LogConfig      `toml:"log"`
}

// SyncConfig drives the reconciliation engine.
type SyncConfig struct {
	BatchSize       int      `toml:"batch_size"`
	MaxRetries      int      `toml:"max_retries"`
	BatchDelay      Duration `toml:"batch_delay"`
	RetryBase       Duration `toml:"retry_base"`
	RetryMax        Duration `toml:"retry_max"`
	DefaultDuration Duration `toml:"default_duration"`
	Incremental     bool     `toml:"incremental"`
	SingleEvents    bool     `toml:"single_events"`
	QuotaUser       string   `toml:"quota_user"`
	// MaterializeRecurrence expands DAILY/WEEKLY series into one event per
	// occurrence instead of a native recurring event.
	MaterializeRecurrence bool   `toml:"materialize_recurrence"`
	PlaceholderSummary    string `toml:"placeholder_summary"`
}

// IdentityConfig gates the optional identity key components.
type IdentityConfig struct {
	IncludeDescription bool `toml:"include_description"`
	IncludeReminders   bool `toml:"include_reminders"`
	DescriptionLimit   int  `toml:"description_limit"`
}

type StateConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

type SourceConfig struct {
	Kind   string   `toml:"kind"`
	Paths  []string `toml:"paths"`
	Filter string   `toml:"filter"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Default returns a Config with every default filled in.
func Default() Config {
	return Config{
		Calendar: DefaultCalendar,
		Sync: SyncConfig{
			BatchSize:          50,
			MaxRetries:         5,
			RetryBase:          Duration{time.Second},
			RetryMax:           Duration{time.Minute},
			DefaultDuration:    Duration{30 * time.Minute},
			Incremental:        true,
			PlaceholderSummary: "(untitled task)",
		},
		Identity: IdentityConfig{DescriptionLimit: 200},
		State:    StateConfig{Backend: "json"},
		Source:   SourceConfig{Kind: "json"},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Dir is the per-user configuration directory.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName), nil
}

// DefaultPath resolves the config file: TASKSYNC_CONFIG, then the per-user
// directory.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFile), nil
}

// Load parses path. Unknown keys are errors.
func Load(path string) (Config, error) {
	cfg := Default()

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		errs := make([]error, 0, len(undecoded))
		for _, key := range undecoded {
			errs = append(errs, fmt.Errorf("unknown config key %q", key.String()))
		}
		return Config{}, fmt.Errorf("config: %s: %w", path, errors.Join(errs...))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault returns the defaults when path does not exist.
func LoadOrDefault(path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// Save writes cfg to path, creating the directory.
func Save(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: creating directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("config: opening %s for writing: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("config: encoding: %w", err)
	}
	return nil
}

// Location returns the configured zone, or the local zone when unset.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// StatePath is the state file location, defaulting next to the config.
func (c Config) StatePath() (string, error) {
	if c.State.Path != "" {
		return expandHome(c.State.Path)
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	name := "state.json"
	if c.State.Backend == "sqlite" {
		name = "state.db"
	}
	return filepath.Join(dir, name), nil
}

// SourcePaths expands "~/" in the configured task source paths.
func (c Config) SourcePaths() ([]string, error) {
	out := make([]string, 0, len(c.Source.Paths))
	for _, p := range c.Source.Paths {
		exp, err := expandHome(p)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, nil
}

func expandHome(p string) (string, error) {
	if len(p) < 2 || p[:2] != "~/" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p[2:]), nil
}
