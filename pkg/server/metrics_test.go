package server

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()

	m.RecordActiveSessions(3)
	m.RecordSessionRegistered()
	m.RecordSessionRegistered()
	m.RecordSessionClosed("leave")
	m.RecordMessageReceived("join")
	m.RecordMessageSent("ack")
	m.RecordMessageSent("ack")
	m.RecordDecodeError("malformed")
	m.RecordAcceptError()
	m.RecordConnectionOpened("ws")
	m.RecordConnectionOpened("ws")
	m.RecordConnectionClosed("ws")
	m.RecordBroadcastFanout(4)
	m.RecordDispatchDuration("message", time.Millisecond)
	m.RecordActiveRooms(2)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsRegistered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsClosed.WithLabelValues("leave")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesReceived.WithLabelValues("join")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesSent.WithLabelValues("ack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeErrors.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.acceptErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsOpen.WithLabelValues("ws")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.broadcastFanout))
	assert.Equal(t, 1, testutil.CollectAndCount(m.dispatchDuration))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.roomsActive))

	expected := `
# HELP tricklobby_sessions_closed_total Closed connections by close reason
# TYPE tricklobby_sessions_closed_total counter
tricklobby_sessions_closed_total{reason="leave"} 1
`
	require.NoError(t, testutil.CollectAndCompare(m.sessionsClosed, strings.NewReader(expected)))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordActiveSessions(1)
		m.RecordSessionRegistered()
		m.RecordSessionClosed("eof")
		m.RecordMessageReceived("join")
		m.RecordMessageSent("ack")
		m.RecordDecodeError("malformed")
		m.RecordBroadcastFanout(2)
		m.RecordDispatchDuration("closed", time.Second)
		m.RecordActiveRooms(0)
		m.RecordAcceptError()
		m.RecordConnectionOpened("tcp")
		m.RecordConnectionClosed("tcp")
	})
}

func TestRegistryUpdatesMetrics(t *testing.T) {
	m := NewMetrics()
	r := NewRegistry(m)

	id := r.Register(&Session{})
	r.Register(&Session{})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsActive))

	r.Deregister(id)
	r.Deregister(id)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsRegistered))
}
