package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newClientMetrics(reg)

	m.RecordMountAttempt(2)
	m.RecordMountAttempt(2)
	m.RecordMountResult("mounted", 150*time.Millisecond)
	m.RecordFirstMap("monitor")
	m.RecordDispatch("mon_map", false)
	m.RecordDispatch("client_reply", true)
	m.RecordUnknownMessage(9999)
	m.SetActiveClients(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.mountAttempts.WithLabelValues("2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mountResults.WithLabelValues("mounted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.firstMaps.WithLabelValues("monitor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatched.WithLabelValues("client_reply", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unknownTypes.WithLabelValues("9999")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeClients))

	n, err := testutil.GatherAndCount(reg, "cephmount_mount_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMessengerMetrics(t *testing.T) {
	m := newMessengerMetrics(prometheus.NewRegistry())

	m.RecordFrame("out", 128)
	m.RecordFrame("out", 64)
	m.RecordDial(false)
	m.SetOpenConnections(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.frames.WithLabelValues("out")))
	assert.Equal(t, 192.0, testutil.ToFloat64(m.frameBytes.WithLabelValues("out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dials.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.openConnections))
}
