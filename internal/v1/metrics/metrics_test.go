package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestConnectionGauge(t *testing.T) {
	before := testutil.ToFloat64(ActiveWebSocketConnections)

	IncConnection()
	IncConnection()
	assert.Equal(t, before+2, testutil.ToFloat64(ActiveWebSocketConnections))

	DecConnection()
	assert.Equal(t, before+1, testutil.ToFloat64(ActiveWebSocketConnections))

	DecConnection()
	assert.Equal(t, before, testutil.ToFloat64(ActiveWebSocketConnections))
}

func TestCounters(t *testing.T) {
	WebsocketEvents.WithLabelValues("message", "ok").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(WebsocketEvents.WithLabelValues("message", "ok")), 1.0)

	ChatExports.WithLabelValues("user_exit", "ok").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(ChatExports.WithLabelValues("user_exit", "ok")), 1.0)

	BusEvents.WithLabelValues("chat_accepted", "ok").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(BusEvents.WithLabelValues("chat_accepted", "ok")), 1.0)
}

func TestCircuitBreakerGauge(t *testing.T) {
	CircuitBreakerState.WithLabelValues("redis").Set(1)
	assert.Equal(t, 1.0, testutil.ToFloat64(CircuitBreakerState.WithLabelValues("redis")))
	CircuitBreakerState.WithLabelValues("redis").Set(0)
	assert.Equal(t, 0.0, testutil.ToFloat64(CircuitBreakerState.WithLabelValues("redis")))
}
