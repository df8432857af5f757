package mcp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	serverConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convoflow_server_connections",
			Help: "Current tool server connection states (1=connected, 0=disconnected)",
		},
		[]string{"server", "type"},
	)

	toolsAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convoflow_tools_available",
			Help: "Number of advertised tools per server",
		},
		[]string{"server"},
	)

	toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoflow_tool_calls_total",
			Help: "Total tool invocations by server, tool, and status",
		},
		[]string{"server", "tool", "status"},
	)

	toolCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convoflow_tool_call_latency_seconds",
			Help:    "Tool invocation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server", "tool"},
	)
)

// RecordServerConnection records a server connection state.
func RecordServerConnection(server, transportType string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	serverConnections.WithLabelValues(server, transportType).Set(value)
}

// RecordToolsAvailable records the advertised tool count for a server.
func RecordToolsAvailable(server string, count int) {
	toolsAvailable.WithLabelValues(server).Set(float64(count))
}

// RecordToolCall records one tool invocation.
func RecordToolCall(server, tool, status string, latencySeconds float64) {
	toolCalls.WithLabelValues(server, tool, status).Inc()
	toolCallLatency.WithLabelValues(server, tool).Observe(latencySeconds)
}
