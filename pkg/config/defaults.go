package config

import (
	"strings"
	"time"

	"github.com/marmos91/cephmount/pkg/client"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Monitors have no default; they must be configured
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMountDefaults(&cfg.Mount)
	applyMessengerDefaults(&cfg.Messenger)
	applyMetricsDefaults(&cfg.Metrics)
	applyDispatchDefaults(&cfg.Dispatch)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyMountDefaults sets mount defaults.
func applyMountDefaults(cfg *MountConfig) {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = client.DefaultMountTimeout
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = client.DefaultMountAttempts
	}
	if cfg.Monitors == nil {
		cfg.Monitors = []string{}
	}
	// RequestTimeout and MaxInodes default to 0 (unbounded)
}

// applyMessengerDefaults sets transport defaults.
func applyMessengerDefaults(cfg *MessengerConfig) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.DialRetryWindow == 0 {
		cfg.DialRetryWindow = 30 * time.Second
	}
	if cfg.SendQueue == 0 {
		cfg.SendQueue = 128
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 64
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyDispatchDefaults sets dispatch defaults.
func applyDispatchDefaults(cfg *DispatchConfig) {
	if cfg.UnknownLogRate == 0 {
		cfg.UnknownLogRate = client.DefaultUnknownLogRate
	}
	if cfg.UnknownLogBurst == 0 {
		cfg.UnknownLogBurst = client.DefaultUnknownLogBurst
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// The sample monitor list points at a single local monitor so that the
// result passes validation. This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Mount: MountConfig{
			Monitors: []string{"127.0.0.1:6789"},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
