// Package metrics defines the Prometheus collectors exported by the relay
// at /metrics. Collectors are registered on the default registry via
// promauto so the package is import-and-use.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connections tracks live WebSocket connections by scope
	// (user-scoped, session-scoped, machine-scoped).
	Connections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "consortium_ws_connections",
		Help: "Current number of live WebSocket connections by scope.",
	}, []string{"scope"})

	// EventsEmitted counts payloads delivered to individual connections,
	// split by event name (update, ephemeral).
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consortium_events_emitted_total",
		Help: "Total event payloads delivered to connections.",
	}, []string{"event"})

	// SendFailures counts best-effort deliveries dropped because the
	// target socket write failed. Never retried.
	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consortium_event_send_failures_total",
		Help: "Total event deliveries dropped due to socket write failures.",
	})

	// RPCCalls counts inter-client RPC calls by outcome
	// (ok, unavailable, self_call, timeout, error).
	RPCCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consortium_rpc_calls_total",
		Help: "Total RPC bridge calls by outcome.",
	}, []string{"outcome"})
)
