package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the complete cephmount configuration.
//
// This structure captures all configurable aspects of a mount:
//   - Logging configuration
//   - Mount settings (monitors, path, timeouts, attempt budget)
//   - Messenger (transport and delivery queue) tuning
//   - Metrics exposure
//   - Dispatch diagnostics throttling
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (CEPHMOUNT_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Mount describes the cluster to join and the directory to mount
	Mount MountConfig `mapstructure:"mount" yaml:"mount"`

	// Messenger tunes the transport and the shared delivery queue
	Messenger MessengerConfig `mapstructure:"messenger" yaml:"messenger"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Dispatch throttles diagnostics on the inbound message path
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// MountConfig describes the cluster and the mount point.
type MountConfig struct {
	// Monitors lists monitor addresses (host:port), in rank order
	Monitors []string `mapstructure:"monitors" yaml:"monitors" validate:"required,min=1,dive,hostname_port"`

	// Path is the directory to mount; "/" mounts the filesystem root
	Path string `mapstructure:"path" yaml:"path" validate:"required,startswith=/"`

	// MyAddr optionally pins the local bind address (host:port, port 0 picks one)
	MyAddr string `mapstructure:"my_addr" yaml:"my_addr"`

	// Timeout bounds each wait for the cluster maps
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`

	// Attempts is the number of join requests sent before giving up
	Attempts int `mapstructure:"attempts" yaml:"attempts" validate:"min=1"`

	// RequestTimeout bounds metadata and storage RPCs (0 = no bound)
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" validate:"gte=0"`

	// MaxInodes bounds the inode cache (0 = unbounded)
	MaxInodes int `mapstructure:"max_inodes" yaml:"max_inodes" validate:"gte=0"`
}

// MessengerConfig tunes the transport.
type MessengerConfig struct {
	// DialTimeout bounds a single connection attempt
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" validate:"gt=0"`

	// DialRetryWindow bounds the backoff retries of one dial
	DialRetryWindow time.Duration `mapstructure:"dial_retry_window" yaml:"dial_retry_window" validate:"gt=0"`

	// SendQueue is the per-destination outbound backlog
	SendQueue int `mapstructure:"send_queue" yaml:"send_queue" validate:"min=1"`

	// Workers is the number of inbound delivery goroutines shared by all clients
	Workers int `mapstructure:"workers" yaml:"workers" validate:"min=1"`

	// QueueDepth is the buffered job count per delivery worker
	QueueDepth int `mapstructure:"queue_depth" yaml:"queue_depth" validate:"min=1"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns on metrics collection and the HTTP endpoint
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port serving /metrics
	Port int `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
}

// DispatchConfig throttles logging of unknown message types.
type DispatchConfig struct {
	// UnknownLogRate is the sustained number of log lines per second
	UnknownLogRate uint `mapstructure:"unknown_log_rate" yaml:"unknown_log_rate"`

	// UnknownLogBurst is the number of lines allowed in a burst
	UnknownLogBurst uint `mapstructure:"unknown_log_burst" yaml:"unknown_log_burst" validate:"min=1"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (CEPHMOUNT_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	// Durations accept "6s" style strings, lists accept "a,b" from env vars
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use CEPHMOUNT_ prefix and underscores
	// Example: CEPHMOUNT_MOUNT_MONITORS=10.0.0.1:6789,10.0.0.2:6789
	v.SetEnvPrefix("CEPHMOUNT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerKeys(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/cephmount/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// registerKeys makes every key known to viper so that AutomaticEnv can
// resolve it even when no config file mentions it. Values stay zero; real
// defaults are filled in by ApplyDefaults.
func registerKeys(v *viper.Viper) {
	for _, key := range []string{
		"logging.level", "logging.format", "logging.output",
		"mount.monitors", "mount.path", "mount.my_addr", "mount.timeout",
		"mount.attempts", "mount.request_timeout", "mount.max_inodes",
		"messenger.dial_timeout", "messenger.dial_retry_window", "messenger.send_queue",
		"messenger.workers", "messenger.queue_depth",
		"metrics.enabled", "metrics.port",
		"dispatch.unknown_log_rate", "dispatch.unknown_log_burst",
	} {
		_ = v.BindEnv(key)
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			// Config file not found is acceptable - use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "cephmount")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "cephmount")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
