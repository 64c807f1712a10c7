package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the civic chat server.
//
// Naming convention: namespace_subsystem_name
// - namespace: civic_chat (application-level grouping)
// - subsystem: websocket, chat, bus, archive (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, active chats)
// - Counter: Cumulative events (messages persisted, exports, reconnects)
// - Histogram: Latency distributions (event processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "civic_chat",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveChats tracks the current number of chats with at least one session in the room (Gauge - current state)
	ActiveChats = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "civic_chat",
		Subsystem: "chat",
		Name:      "chats_active",
		Help:      "Current number of chats with at least one connected participant",
	})

	// WebsocketEvents tracks the total number of WebSocket events processed (CounterVec - cumulative)
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "civic_chat",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// EventProcessingDuration tracks the time spent processing WebSocket events (HistogramVec - latency distribution)
	EventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "civic_chat",
		Subsystem: "websocket",
		Name:      "event_processing_seconds",
		Help:      "Time spent processing WebSocket events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// MessagesPersisted counts chat messages written to the KV store (Counter - cumulative)
	MessagesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "civic_chat",
		Subsystem: "chat",
		Name:      "messages_persisted_total",
		Help:      "Total chat messages persisted to the KV store",
	})

	// ChatExports counts archival exports by end type and outcome (CounterVec - cumulative)
	ChatExports = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "civic_chat",
		Subsystem: "archive",
		Name:      "exports_total",
		Help:      "Total chat archival exports",
	}, []string{"end_type", "status"})

	// BusReconnects counts subscriber reconnection attempts (Counter - cumulative)
	BusReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "civic_chat",
		Subsystem: "bus",
		Name:      "reconnects_total",
		Help:      "Total event bus subscriber reconnection attempts",
	})

	// BusEvents counts pub/sub events by type and outcome (CounterVec - cumulative)
	BusEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "civic_chat",
		Subsystem: "bus",
		Name:      "events_total",
		Help:      "Total pub/sub events received",
	}, []string{"event_type", "status"})

	// CircuitBreakerState reports the bus publisher circuit breaker state (GaugeVec: 0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "civic_chat",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts requests rejected by an open circuit breaker (CounterVec - cumulative)
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "civic_chat",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Requests rejected by an open circuit breaker",
	}, []string{"backend"})

	// RateLimitExceeded counts rejected connection attempts (CounterVec - cumulative)
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "civic_chat",
		Subsystem: "websocket",
		Name:      "rate_limit_exceeded_total",
		Help:      "Connection attempts rejected by rate limiting",
	}, []string{"scope"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
