package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/cephmount/pkg/metrics"
)

// messengerMetrics is the Prometheus implementation of metrics.MessengerMetrics.
type messengerMetrics struct {
	frames          *prometheus.CounterVec
	frameBytes      *prometheus.CounterVec
	dials           *prometheus.CounterVec
	openConnections prometheus.Gauge
}

// NewMessengerMetrics creates a Prometheus-backed MessengerMetrics.
//
// Returns a no-op implementation if metrics are not enabled.
func NewMessengerMetrics() metrics.MessengerMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopMessengerMetrics()
	}
	return newMessengerMetrics(metrics.GetRegistry())
}

func newMessengerMetrics(reg prometheus.Registerer) *messengerMetrics {
	return &messengerMetrics{
		frames: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cephmount_messenger_frames_total",
				Help: "Frames sent and received",
			},
			[]string{"direction"},
		),
		frameBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cephmount_messenger_bytes_total",
				Help: "Frame bytes sent and received",
			},
			[]string{"direction"},
		),
		dials: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cephmount_messenger_dials_total",
				Help: "Outbound dial attempts by status",
			},
			[]string{"status"},
		),
		openConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "cephmount_messenger_open_connections",
				Help: "Current number of open peer connections",
			},
		),
	}
}

func (m *messengerMetrics) RecordFrame(direction string, bytes int) {
	m.frames.WithLabelValues(direction).Inc()
	m.frameBytes.WithLabelValues(direction).Add(float64(bytes))
}

func (m *messengerMetrics) RecordDial(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.dials.WithLabelValues(status).Inc()
}

func (m *messengerMetrics) SetOpenConnections(count int) {
	m.openConnections.Set(float64(count))
}
