package tinypg

import (
	"fmt"
	"time"

	"github.com/tinypg/tinypg/internal/binary"
	"github.com/tinypg/tinypg/internal/config"
	"github.com/tinypg/tinypg/internal/errors"
	"github.com/tinypg/tinypg/internal/logging"
	"github.com/tinypg/tinypg/internal/registry"
)

// options is the resolved configuration snapshot an EphemeralDB is built
// from. Defaults come from config.Default; later options override earlier
// ones.
type options struct {
	cfg *config.Config

	cleanupTimeout  time.Duration
	startTimeout    time.Duration
	stopGracePeriod time.Duration

	fetcher binary.Fetcher
	logger  *logging.Logger
	reg     *registry.Registry
}

// Option configures an EphemeralDB at construction time. Invalid values fail
// New with a ConfigError rather than being deferred to Start.
type Option func(*options) error

func newOptions(opts []Option) (*options, error) {
	cfg := config.Default()
	o := &options{
		cfg:             cfg,
		cleanupTimeout:  cfg.Instance.CleanupTimeout(),
		startTimeout:    cfg.Instance.StartTimeout(),
		stopGracePeriod: cfg.Instance.StopGracePeriod(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// WithConfig replaces the default configuration wholesale, as loaded from a
// config file or environment. Options applied after it still override
// individual fields. The Config is copied: the same Config value can be
// shared across instances without later options bleeding between them.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) error {
		if cfg == nil {
			return errors.NewConfigError("config", "must not be nil")
		}
		o.cfg = cfg.Clone()
		o.cleanupTimeout = cfg.Instance.CleanupTimeout()
		o.startTimeout = cfg.Instance.StartTimeout()
		o.stopGracePeriod = cfg.Instance.StopGracePeriod()
		return nil
	}
}

// WithPort requests a specific TCP port instead of automatic assignment.
// Startup fails if the port is taken; a requested port is never substituted.
func WithPort(port int) Option {
	return func(o *options) error {
		if port < 1 || port > 65535 {
			return errors.NewConfigError("port", fmt.Sprintf("%d is outside 1-65535", port))
		}
		o.cfg.Instance.Port = port
		return nil
	}
}

// WithCleanupTimeout bounds how long the instance may live without an
// explicit Stop before the reaper reclaims it.
func WithCleanupTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.NewConfigError("cleanup_timeout", "must be positive")
		}
		o.cleanupTimeout = d
		return nil
	}
}

// WithStartTimeout bounds the wait for server readiness.
func WithStartTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.NewConfigError("start_timeout", "must be positive")
		}
		o.startTimeout = d
		return nil
	}
}

// WithStopGracePeriod sets how long Stop waits after the graceful shutdown
// signal before force-killing the server.
func WithStopGracePeriod(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errors.NewConfigError("stop_grace_period", "must be positive")
		}
		o.stopGracePeriod = d
		return nil
	}
}

// WithBaseDir sets where the instance workspace is created. Defaults to the
// system temp directory.
func WithBaseDir(dir string) Option {
	return func(o *options) error {
		if dir == "" {
			return errors.NewConfigError("base_dir", "must not be empty")
		}
		o.cfg.Instance.BaseDir = dir
		return nil
	}
}

// WithBinaryPath points directly at a postgres binary, bypassing cache and
// fetcher. An initdb binary must sit next to it.
func WithBinaryPath(path string) Option {
	return func(o *options) error {
		if path == "" {
			return errors.NewConfigError("binary_path", "must not be empty")
		}
		o.cfg.Binary.OverridePath = path
		return nil
	}
}

// WithServerArgs appends extra arguments to the postgres command line.
func WithServerArgs(args ...string) Option {
	return func(o *options) error {
		o.cfg.Instance.ServerArgs = append(o.cfg.Instance.ServerArgs, args...)
		return nil
	}
}

// WithVersion constrains binary resolution to a PostgreSQL version prefix,
// e.g. "16" or "16.4".
func WithVersion(version string) Option {
	return func(o *options) error {
		if version == "" {
			return errors.NewConfigError("version", "must not be empty")
		}
		o.cfg.Binary.Version = version
		return nil
	}
}

// WithKeepData retains the workspace, data directory included, after Stop.
// Useful for postmortem inspection of a test run.
func WithKeepData() Option {
	return func(o *options) error {
		o.cfg.Instance.KeepData = true
		return nil
	}
}

// WithFetcher supplies a binary fetcher to fall back to when no cached or
// system binary satisfies the version constraint. Setting a fetcher also
// permits fetching.
func WithFetcher(f binary.Fetcher) Option {
	return func(o *options) error {
		if f == nil {
			return errors.NewConfigError("fetcher", "must not be nil")
		}
		o.fetcher = f
		o.cfg.Binary.AllowFetch = true
		return nil
	}
}

// WithLogger routes diagnostic logging through the given logger. The default
// is silent.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) error {
		if l == nil {
			return errors.NewConfigError("logger", "must not be nil")
		}
		o.logger = l
		return nil
	}
}

// WithRegistry registers the instance in a specific registry instead of the
// process-wide default one.
func WithRegistry(r *registry.Registry) Option {
	return func(o *options) error {
		if r == nil {
			return errors.NewConfigError("registry", "must not be nil")
		}
		o.reg = r
		return nil
	}
}
