// Package config defines the tinypg configuration surface and its viper
// wiring. Configuration comes from defaults, an optional config file, and
// environment variables; unrecognized keys fail fast rather than being
// silently ignored.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete tinypg configuration
type Config struct {
	Instance InstanceConfig `mapstructure:"instance"`
	Binary   BinaryConfig   `mapstructure:"binary"`
	Registry RegistryConfig `mapstructure:"registry"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// InstanceConfig controls per-instance lifecycle behavior
type InstanceConfig struct {
	// Port is the preferred TCP port (0 = auto-assign)
	Port int `mapstructure:"port"`
	// CleanupTimeoutSeconds is how long an instance may live without an
	// explicit stop before the reaper reclaims it (default: 60)
	CleanupTimeoutSeconds int `mapstructure:"cleanup_timeout_seconds"`
	// StartTimeoutSeconds is the maximum time to wait for readiness (default: 30)
	StartTimeoutSeconds int `mapstructure:"start_timeout_seconds"`
	// StopGracePeriodSeconds is how long to wait after a graceful shutdown
	// signal before force-killing the server (default: 10)
	StopGracePeriodSeconds int `mapstructure:"stop_grace_period_seconds"`
	// BaseDir is where instance workspaces are created.
	// If empty, the system temp directory is used.
	BaseDir string `mapstructure:"base_dir"`
	// ServerArgs are extra arguments passed to the postgres server
	ServerArgs []string `mapstructure:"server_args"`
	// KeepData retains the workspace (data and logs) after stop
	KeepData bool `mapstructure:"keep_data"`
}

// BinaryConfig controls server binary resolution
type BinaryConfig struct {
	// OverridePath points directly at a postgres binary, bypassing the cache
	OverridePath string `mapstructure:"override_path"`
	// Version is the PostgreSQL version constraint (e.g. "16.4", empty = any cached)
	Version string `mapstructure:"version"`
	// AllowFetch permits delegating to a fetcher when the cache misses
	AllowFetch bool `mapstructure:"allow_fetch"`
	// CacheDir is where fetched binaries are cached.
	// If empty, defaults to the user cache directory under tinypg/bin.
	CacheDir string `mapstructure:"cache_dir"`
}

// RegistryConfig controls the process-wide instance registry and reaper
type RegistryConfig struct {
	// Dir is where registry entry files are written.
	// If empty, defaults to the user cache directory under tinypg/instances.
	Dir string `mapstructure:"dir"`
	// SweepIntervalSeconds is the reaper sweep cadence (default: 10)
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Instance: InstanceConfig{
			Port:                   0, // Auto-assign
			CleanupTimeoutSeconds:  60,
			StartTimeoutSeconds:    30,
			StopGracePeriodSeconds: 10,
			BaseDir:                "",
			ServerArgs:             []string{},
			KeepData:               false,
		},
		Binary: BinaryConfig{
			OverridePath: "",
			Version:      "",
			AllowFetch:   false,
			CacheDir:     "",
		},
		Registry: RegistryConfig{
			Dir:                  "",
			SweepIntervalSeconds: 10,
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
	}
}

// Clone returns a deep copy of the configuration, so option application on
// one instance never mutates a Config shared with others.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Instance.ServerArgs = append([]string(nil), c.Instance.ServerArgs...)
	return &clone
}

// CleanupTimeout returns the cleanup timeout as a time.Duration
func (c *InstanceConfig) CleanupTimeout() time.Duration {
	return time.Duration(c.CleanupTimeoutSeconds) * time.Second
}

// StartTimeout returns the start timeout as a time.Duration
func (c *InstanceConfig) StartTimeout() time.Duration {
	return time.Duration(c.StartTimeoutSeconds) * time.Second
}

// StopGracePeriod returns the stop grace period as a time.Duration
func (c *InstanceConfig) StopGracePeriod() time.Duration {
	return time.Duration(c.StopGracePeriodSeconds) * time.Second
}

// SweepInterval returns the reaper sweep interval as a time.Duration
func (c *RegistryConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// ResolveBaseDir returns the directory where workspaces are created.
// Supports ~ for home directory expansion.
func (c *InstanceConfig) ResolveBaseDir() string {
	if c.BaseDir == "" {
		return os.TempDir()
	}
	return expandHome(c.BaseDir)
}

// ResolveCacheDir returns the directory where fetched binaries are cached.
func (c *BinaryConfig) ResolveCacheDir() string {
	if c.CacheDir != "" {
		return expandHome(c.CacheDir)
	}
	cache, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "tinypg", "bin")
	}
	return filepath.Join(cache, "tinypg", "bin")
}

// ResolveDir returns the directory where registry entry files live.
func (c *RegistryConfig) ResolveDir() string {
	if c.Dir != "" {
		return expandHome(c.Dir)
	}
	cache, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "tinypg", "instances")
	}
	return filepath.Join(cache, "tinypg", "instances")
}

// expandHome expands a leading ~ to the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			return home
		}
	}
	return path
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Instance defaults
	viper.SetDefault("instance.port", defaults.Instance.Port)
	viper.SetDefault("instance.cleanup_timeout_seconds", defaults.Instance.CleanupTimeoutSeconds)
	viper.SetDefault("instance.start_timeout_seconds", defaults.Instance.StartTimeoutSeconds)
	viper.SetDefault("instance.stop_grace_period_seconds", defaults.Instance.StopGracePeriodSeconds)
	viper.SetDefault("instance.base_dir", defaults.Instance.BaseDir)
	viper.SetDefault("instance.server_args", defaults.Instance.ServerArgs)
	viper.SetDefault("instance.keep_data", defaults.Instance.KeepData)

	// Binary defaults
	viper.SetDefault("binary.override_path", defaults.Binary.OverridePath)
	viper.SetDefault("binary.version", defaults.Binary.Version)
	viper.SetDefault("binary.allow_fetch", defaults.Binary.AllowFetch)
	viper.SetDefault("binary.cache_dir", defaults.Binary.CacheDir)

	// Registry defaults
	viper.SetDefault("registry.dir", defaults.Registry.Dir)
	viper.SetDefault("registry.sweep_interval_seconds", defaults.Registry.SweepIntervalSeconds)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
}

// Load reads the configuration from viper into a Config struct and validates
// it. UnmarshalExact rejects keys that do not map to a known field, so typos
// in a config file surface as errors instead of being silently dropped.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.UnmarshalExact(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tinypg")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tinypg"
	}
	return filepath.Join(home, ".config", "tinypg")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
