package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/cephmount/pkg/metrics"
)

// clientMetrics is the Prometheus implementation of metrics.ClientMetrics.
type clientMetrics struct {
	mountAttempts *prometheus.CounterVec
	mountResults  *prometheus.CounterVec
	mountDuration *prometheus.HistogramVec
	firstMaps     *prometheus.CounterVec
	dispatched    *prometheus.CounterVec
	unknownTypes  *prometheus.CounterVec
	activeClients prometheus.Gauge
}

// NewClientMetrics creates a Prometheus-backed ClientMetrics.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewClientMetrics() metrics.ClientMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopClientMetrics()
	}
	return newClientMetrics(metrics.GetRegistry())
}

func newClientMetrics(reg prometheus.Registerer) *clientMetrics {
	return &clientMetrics{
		mountAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cephmount_mount_attempts_total",
				Help: "Join requests sent to monitors during mount, by monitor index",
			},
			[]string{"mon"},
		),
		mountResults: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cephmount_mount_results_total",
				Help: "Terminal mount outcomes",
			},
			[]string{"outcome"},
		),
		mountDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "cephmount_mount_duration_seconds",
				Help: "Time spent in mount, by outcome",
				Buckets: []float64{
					0.01, // 10ms
					0.1,  // 100ms
					1,    // 1s
					6,    // one attempt
					60,   // full budget
				},
			},
			[]string{"outcome"},
		),
		firstMaps: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cephmount_first_maps_total",
				Help: "First cluster maps received, by subsystem",
			},
			[]string{"subsystem"},
		),
		dispatched: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cephmount_messages_dispatched_total",
				Help: "Inbound messages dispatched, by type and status",
			},
			[]string{"type", "status"},
		),
		unknownTypes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cephmount_messages_unknown_total",
				Help: "Inbound messages with no handler, by type tag",
			},
			[]string{"tag"},
		),
		activeClients: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "cephmount_active_clients",
				Help: "Current number of client instances in this process",
			},
		),
	}
}

func (m *clientMetrics) RecordMountAttempt(mon int) {
	m.mountAttempts.WithLabelValues(strconv.Itoa(mon)).Inc()
}

func (m *clientMetrics) RecordMountResult(outcome string, duration time.Duration) {
	m.mountResults.WithLabelValues(outcome).Inc()
	m.mountDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *clientMetrics) RecordFirstMap(subsystem string) {
	m.firstMaps.WithLabelValues(subsystem).Inc()
}

func (m *clientMetrics) RecordDispatch(msgType string, failed bool) {
	status := "success"
	if failed {
		status = "error"
	}
	m.dispatched.WithLabelValues(msgType, status).Inc()
}

func (m *clientMetrics) RecordUnknownMessage(tag uint32) {
	m.unknownTypes.WithLabelValues(strconv.FormatUint(uint64(tag), 10)).Inc()
}

func (m *clientMetrics) SetActiveClients(count int) {
	m.activeClients.Set(float64(count))
}
