// Package config loads and validates ClaudeBox configuration via viper.
// Configuration merges, lowest to highest precedence: built-in defaults,
// the config file (~/.config/claudebox/config.yaml), environment variables
// (CLAUDEBOX_*), and command-line flags bound by the cmd package.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete ClaudeBox configuration.
type Config struct {
	Workspace Workspace `mapstructure:"workspace"`
	Limits    Limits    `mapstructure:"limits"`
	Lease     Lease     `mapstructure:"lease"`
	Provision Provision `mapstructure:"provision"`
	Task      Task      `mapstructure:"task"`
	Reaper    Reaper    `mapstructure:"reaper"`
	Runtime   Runtime   `mapstructure:"runtime"`
	Logging   Logging   `mapstructure:"logging"`
}

// Workspace controls where session state is stored on the host.
type Workspace struct {
	// Root is the directory holding all session workspaces.
	// Supports ~ expansion. Default: ~/.claudebox
	Root string `mapstructure:"root"`
}

// Limits are the host-configured hard maxima for resource ceilings.
// Policy resolution fails closed when a template or override asks for more.
type Limits struct {
	// MaxCPUs is the largest CPU count a policy may request.
	MaxCPUs int `mapstructure:"max_cpus"`
	// MaxMemoryMiB is the largest memory ceiling a policy may request.
	MaxMemoryMiB int64 `mapstructure:"max_memory_mib"`
	// MaxDiskGB is the largest disk quota a policy may request.
	MaxDiskGB int `mapstructure:"max_disk_gb"`
	// MaxTaskTimeoutMinutes is the largest wall-clock task timeout a policy
	// may request.
	MaxTaskTimeoutMinutes int `mapstructure:"max_task_timeout_minutes"`
}

// Lease controls the cross-process session lock protocol.
type Lease struct {
	// TTLSeconds is how long a lease stays valid without renewal.
	TTLSeconds int `mapstructure:"ttl_seconds"`
	// RenewIntervalSeconds is how often an attached session renews its lease.
	// Must be well under TTLSeconds so a healthy holder never expires.
	RenewIntervalSeconds int `mapstructure:"renew_interval_seconds"`
	// CleanupWaitSeconds bounds how long Cleanup waits for a live holder to
	// release its lease before giving up. 0 fails fast with AlreadyRunning.
	CleanupWaitSeconds int `mapstructure:"cleanup_wait_seconds"`
}

// Provision controls retry behavior against the isolation primitive.
type Provision struct {
	// MaxRetries is how many times a transient provision failure is retried
	// before being surfaced.
	MaxRetries int `mapstructure:"max_retries"`
	// BackoffMs is the base backoff between provision retries; doubled per
	// attempt.
	BackoffMs int `mapstructure:"backoff_ms"`
}

// Task controls task execution defaults.
type Task struct {
	// DefaultTimeoutMinutes is the deadline applied when a caller does not
	// supply one. 0 falls back to the policy's resource ceiling timeout.
	DefaultTimeoutMinutes int `mapstructure:"default_timeout_minutes"`
	// MaxTurns caps agent turns per invocation (0 = agent default).
	MaxTurns int `mapstructure:"max_turns"`
}

// Reaper controls the background sweep of idle sessions.
type Reaper struct {
	// Enabled controls whether idle sessions are swept at all.
	Enabled bool `mapstructure:"enabled"`
	// IdleTTLHours destroys the sandbox of sessions idle this long.
	// Persistent workspaces are kept for later reconnection; ephemeral
	// sessions are removed entirely.
	IdleTTLHours int `mapstructure:"idle_ttl_hours"`
}

// Runtime selects and configures the isolation primitive adapter.
type Runtime struct {
	// Kind selects the runtime: "local" (subprocess, no isolation, for
	// development) or "fake" (in-memory, for dry runs).
	Kind string `mapstructure:"kind"`
	// Image is the default sandbox image when neither the template nor the
	// caller specifies one.
	Image string `mapstructure:"image"`
}

// Logging controls debug logging behavior.
type Logging struct {
	// Enabled controls whether the file logger is created.
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
}

// DefaultImage is the published runtime image with the agent CLI preinstalled.
const DefaultImage = "ghcr.io/boxlite-ai/claudebox-runtime:latest"

// Default returns a Config with built-in default values.
func Default() *Config {
	return &Config{
		Workspace: Workspace{
			Root: "~/.claudebox",
		},
		Limits: Limits{
			MaxCPUs:               16,
			MaxMemoryMiB:          32768,
			MaxDiskGB:             64,
			MaxTaskTimeoutMinutes: 120,
		},
		Lease: Lease{
			TTLSeconds:           60,
			RenewIntervalSeconds: 15,
			CleanupWaitSeconds:   0,
		},
		Provision: Provision{
			MaxRetries: 3,
			BackoffMs:  500,
		},
		Task: Task{
			DefaultTimeoutMinutes: 10,
			MaxTurns:              0,
		},
		Reaper: Reaper{
			Enabled:      false,
			IdleTTLHours: 72,
		},
		Runtime: Runtime{
			Kind:  "local",
			Image: DefaultImage,
		},
		Logging: Logging{
			Enabled: true,
			Level:   "info",
		},
	}
}

// TTL returns the lease time-to-live as a time.Duration.
func (l *Lease) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}

// RenewInterval returns the lease renewal interval as a time.Duration.
func (l *Lease) RenewInterval() time.Duration {
	return time.Duration(l.RenewIntervalSeconds) * time.Second
}

// CleanupWait returns how long Cleanup waits on a held lease.
func (l *Lease) CleanupWait() time.Duration {
	return time.Duration(l.CleanupWaitSeconds) * time.Second
}

// Backoff returns the base provision retry backoff as a time.Duration.
func (p *Provision) Backoff() time.Duration {
	return time.Duration(p.BackoffMs) * time.Millisecond
}

// DefaultTimeout returns the default task deadline as a time.Duration.
func (t *Task) DefaultTimeout() time.Duration {
	return time.Duration(t.DefaultTimeoutMinutes) * time.Minute
}

// IdleTTL returns the reaper idle threshold as a time.Duration.
func (r *Reaper) IdleTTL() time.Duration {
	return time.Duration(r.IdleTTLHours) * time.Hour
}

// MaxTaskTimeout returns the host maximum task deadline as a time.Duration.
func (l *Limits) MaxTaskTimeout() time.Duration {
	return time.Duration(l.MaxTaskTimeoutMinutes) * time.Minute
}

// ResolveRoot returns the workspace root with ~ expanded and relative paths
// resolved against the current working directory.
func (w *Workspace) ResolveRoot() string {
	path := w.Root
	if path == "" {
		path = Default().Workspace.Root
	}

	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	return path
}

// SetDefaults registers default values with viper.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("workspace.root", defaults.Workspace.Root)

	viper.SetDefault("limits.max_cpus", defaults.Limits.MaxCPUs)
	viper.SetDefault("limits.max_memory_mib", defaults.Limits.MaxMemoryMiB)
	viper.SetDefault("limits.max_disk_gb", defaults.Limits.MaxDiskGB)
	viper.SetDefault("limits.max_task_timeout_minutes", defaults.Limits.MaxTaskTimeoutMinutes)

	viper.SetDefault("lease.ttl_seconds", defaults.Lease.TTLSeconds)
	viper.SetDefault("lease.renew_interval_seconds", defaults.Lease.RenewIntervalSeconds)
	viper.SetDefault("lease.cleanup_wait_seconds", defaults.Lease.CleanupWaitSeconds)

	viper.SetDefault("provision.max_retries", defaults.Provision.MaxRetries)
	viper.SetDefault("provision.backoff_ms", defaults.Provision.BackoffMs)

	viper.SetDefault("task.default_timeout_minutes", defaults.Task.DefaultTimeoutMinutes)
	viper.SetDefault("task.max_turns", defaults.Task.MaxTurns)

	viper.SetDefault("reaper.enabled", defaults.Reaper.Enabled)
	viper.SetDefault("reaper.idle_ttl_hours", defaults.Reaper.IdleTTLHours)

	viper.SetDefault("runtime.kind", defaults.Runtime.Kind)
	viper.SetDefault("runtime.image", defaults.Runtime.Image)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
}

// Load reads the configuration from viper into a Config struct and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults if
// unmarshaling fails.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "claudebox")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claudebox"
	}
	return filepath.Join(home, ".config", "claudebox")
}

// ConfigFile returns the path to the config file.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
