package config

import (
	"github.com/marmos91/cephmount/internal/logger"
	"github.com/marmos91/cephmount/pkg/client"
	"github.com/marmos91/cephmount/pkg/messenger"
	"github.com/marmos91/cephmount/pkg/metrics"
	"github.com/marmos91/cephmount/pkg/registry"
)

// InitializeRegistry creates the process-wide shared context from the
// messenger section. The delivery workers are only started once the first
// client registers.
//
// Example:
//
//	cfg, _ := config.Load("config.yaml")
//	reg := config.InitializeRegistry(cfg)
//	c, err := client.NewClient(cfg.ClientConfig(), cfg.ClientDeps(reg, m))
func InitializeRegistry(cfg *Config) *registry.Registry {
	return registry.New(registry.Config{
		Workers:    cfg.Messenger.Workers,
		QueueDepth: cfg.Messenger.QueueDepth,
		OnInit: func() error {
			logger.Debug("Shared delivery queue started (%d workers)", cfg.Messenger.Workers)
			return nil
		},
		OnTeardown: func() {
			logger.Debug("Shared delivery queue stopped")
		},
	})
}

// ClientConfig converts the mount and dispatch sections into a client.Config.
func (c *Config) ClientConfig() client.Config {
	return client.Config{
		Monitors:        append([]string(nil), c.Mount.Monitors...),
		Path:            c.Mount.Path,
		MyAddr:          c.Mount.MyAddr,
		MountTimeout:    c.Mount.Timeout,
		MountAttempts:   c.Mount.Attempts,
		RequestTimeout:  c.Mount.RequestTimeout,
		MaxInodes:       c.Mount.MaxInodes,
		UnknownLogRate:  c.Dispatch.UnknownLogRate,
		UnknownLogBurst: c.Dispatch.UnknownLogBurst,
	}
}

// ClientDeps wires reg, the collectors in m and a messenger built from the
// messenger section into client.Deps. A nil m selects no-op metrics.
func (c *Config) ClientDeps(reg *registry.Registry, m *MetricsResult) client.Deps {
	deps := client.Deps{Registry: reg}

	var msgrMetrics metrics.MessengerMetrics
	if m != nil {
		deps.Metrics = m.Client
		msgrMetrics = m.Messenger
	}
	deps.NewTransport = c.TransportFactory(msgrMetrics)
	return deps
}

// TransportFactory returns a client.TransportFactory creating TCP messengers
// tuned by the messenger section.
func (c *Config) TransportFactory(m metrics.MessengerMetrics) client.TransportFactory {
	mc := c.Messenger
	return func(tc client.TransportConfig) (client.Transport, error) {
		msgr, err := messenger.New(messenger.Config{
			MyAddr:          tc.MyAddr,
			Dispatch:        tc.Dispatch,
			PreparePages:    tc.PreparePages,
			Queue:           tc.Queue,
			DialTimeout:     mc.DialTimeout,
			DialRetryWindow: mc.DialRetryWindow,
			SendQueue:       mc.SendQueue,
			Metrics:         m,
		})
		if err != nil {
			return nil, err
		}
		return msgr, nil
	}
}
