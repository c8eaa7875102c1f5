package config

import (
	"github.com/marmos91/cephmount/pkg/metrics"
	promMetrics "github.com/marmos91/cephmount/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// Client is the collector for the client core (never nil, uses noop if disabled)
	Client metrics.ClientMetrics

	// Messenger is the collector for the transport (never nil, uses noop if disabled)
	Messenger metrics.MessengerMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
//
// Must be called at most once per process with metrics enabled, since the
// collectors register against the global registry.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			Client:    metrics.NewNoopClientMetrics(),
			Messenger: metrics.NewNoopMessengerMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Metrics.Port,
	})

	return &MetricsResult{
		Server:    server,
		Client:    promMetrics.NewClientMetrics(),
		Messenger: promMetrics.NewMessengerMetrics(),
	}
}
