package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/resumebus/messaging"
)

func TestCollector_Events(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.RecordPublish("RESUME_SERVICE", true)
	c.RecordPublish("RESUME_SERVICE", true)
	c.RecordPublish("RESUME_SERVICE", false)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.published.WithLabelValues("RESUME_SERVICE", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.published.WithLabelValues("RESUME_SERVICE", "false")))

	c.RecordEvent("RESUME_UPLOADED", messaging.EventAcked, 20*time.Millisecond)
	c.RecordEvent("RESUME_UPLOADED", messaging.EventRequeued, 5*time.Millisecond)
	c.RecordEvent("", messaging.EventRejected, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues("RESUME_UPLOADED", "acked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues("RESUME_UPLOADED", "requeued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues("malformed", "rejected")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.eventDuration))
}

func TestCollector_RPC(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.RequestInFlight("USER_RPC", 1)
	c.RequestInFlight("USER_RPC", 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.requestsInFlight.WithLabelValues("USER_RPC")))
	c.RequestInFlight("USER_RPC", -1)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requestsInFlight.WithLabelValues("USER_RPC")))

	c.RecordRequest("USER_RPC", messaging.CallResolved, 10*time.Millisecond)
	c.RecordRequest("USER_RPC", messaging.CallTimedOut, 5*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("USER_RPC", "resolved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("USER_RPC", "timed_out")))

	c.RecordServed("GET_RESUME_STATUS", messaging.ServeReplied, time.Millisecond)
	c.RecordServed("GET_RESUME_STATUS", messaging.ServeErrorReplied, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.served.WithLabelValues("GET_RESUME_STATUS", "replied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.served.WithLabelValues("GET_RESUME_STATUS", "error_replied")))
}

func TestCollector_ConnectionState(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.OnConnected()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectionUp))

	c.OnDisconnected(errors.New("connection reset"))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.connectionUp))

	c.OnReconnecting(1)
	c.OnReconnecting(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.reconnects))
}

func TestCollector_Exposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.RecordPublish("RESUME_SERVICE", true)

	expected := `
# HELP resumebus_events_published_total Events published, by target and success.
# TYPE resumebus_events_published_total counter
resumebus_events_published_total{success="true",target="RESUME_SERVICE"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "resumebus_events_published_total"))
}

func TestNew_PanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
