// Package metrics exposes Prometheus instrumentation for the streaming
// client: socket health, RPC traffic and synchronization activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all instruments on a private registry so multiple client
// instances in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	SocketsConnected       prometheus.Gauge
	AccountsAssigned       prometheus.Gauge
	Reconnects             prometheus.Counter
	RPCRequests            *prometheus.CounterVec
	RPCRetries             prometheus.Counter
	RPCTimeouts            prometheus.Counter
	PacketsReceived        *prometheus.CounterVec
	SequenceGaps           prometheus.Counter
	ActiveSynchronizations prometheus.Gauge
	SubscribeLocks         *prometheus.CounterVec
	EventQueueDepth        prometheus.Gauge
}

// New creates and registers all instruments.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto(registry)

	return &Metrics{
		registry: registry,
		SocketsConnected: factory.gauge(prometheus.GaugeOpts{
			Name: "metaapi_sockets_connected",
			Help: "Number of websocket connections currently established.",
		}),
		AccountsAssigned: factory.gauge(prometheus.GaugeOpts{
			Name: "metaapi_accounts_assigned",
			Help: "Number of accounts assigned to socket instances.",
		}),
		Reconnects: factory.counter(prometheus.CounterOpts{
			Name: "metaapi_socket_reconnects_total",
			Help: "Total socket reconnect attempts.",
		}),
		RPCRequests: factory.counterVec(prometheus.CounterOpts{
			Name: "metaapi_rpc_requests_total",
			Help: "Total RPC requests by type and outcome.",
		}, []string{"type", "outcome"}),
		RPCRetries: factory.counter(prometheus.CounterOpts{
			Name: "metaapi_rpc_retries_total",
			Help: "Total RPC retry attempts.",
		}),
		RPCTimeouts: factory.counter(prometheus.CounterOpts{
			Name: "metaapi_rpc_timeouts_total",
			Help: "Total RPC requests that timed out waiting for a response.",
		}),
		PacketsReceived: factory.counterVec(prometheus.CounterOpts{
			Name: "metaapi_packets_received_total",
			Help: "Total synchronization packets received by type.",
		}, []string{"type"}),
		SequenceGaps: factory.counter(prometheus.CounterOpts{
			Name: "metaapi_sequence_gaps_total",
			Help: "Total sequence gaps skipped after the ordering timeout.",
		}),
		ActiveSynchronizations: factory.gauge(prometheus.GaugeOpts{
			Name: "metaapi_active_synchronizations",
			Help: "Synchronizations currently holding a throttler slot.",
		}),
		SubscribeLocks: factory.counterVec(prometheus.CounterOpts{
			Name: "metaapi_subscribe_locks_total",
			Help: "Total subscribe locks applied by lock type.",
		}, []string{"type"}),
		EventQueueDepth: factory.gauge(prometheus.GaugeOpts{
			Name: "metaapi_event_queue_depth",
			Help: "Events buffered across per-account queues.",
		}),
	}
}

// Handler returns an HTTP handler serving this instance's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// factory registers instruments on one registry.
type factory struct {
	registry *prometheus.Registry
}

func promauto(registry *prometheus.Registry) factory {
	return factory{registry: registry}
}

func (f factory) gauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	f.registry.MustRegister(g)
	return g
}

func (f factory) counter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	f.registry.MustRegister(c)
	return c
}

func (f factory) counterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	f.registry.MustRegister(c)
	return c
}
