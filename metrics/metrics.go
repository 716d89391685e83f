// Package metrics holds the Prometheus collectors for the IRC connection,
// the command dispatcher, DCC transfers and the status API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the Prometheus registry used by this package
	Registry = prometheus.NewRegistry()

	// LinesReceived counts decoded inbound protocol lines
	LinesReceived = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "irc_lines_received_total",
		Help: "Total number of protocol lines received and decoded",
	})

	// LinesSent counts lines written to the server
	LinesSent = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "irc_lines_sent_total",
		Help: "Total number of protocol lines written",
	})

	// LinesDropped counts inbound lines that failed to parse
	LinesDropped = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "irc_lines_dropped_total",
		Help: "Total number of malformed inbound lines dropped",
	})

	// ConnectionState reports 0 disconnected, 1 connecting, 2 registered
	ConnectionState = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "irc_connection_state",
		Help: "Current connection state (0 disconnected, 1 connecting, 2 registered)",
	})

	// Commands counts dispatched slash-commands by outcome
	Commands = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "irc_commands_total",
			Help: "Total number of dispatched user commands",
		},
		[]string{"command", "result"},
	)

	// TransferBytes counts bytes moved by DCC transfers
	TransferBytes = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcc_bytes_total",
			Help: "Total number of bytes moved by DCC transfers",
		},
		[]string{"direction"},
	)

	// Transfers counts transfers reaching a terminal status
	Transfers = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcc_transfers_total",
			Help: "Total number of finished DCC transfers by status",
		},
		[]string{"direction", "status"},
	)

	// HTTPRequestDuration measures status API latency
	HTTPRequestDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Status API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequests counts status API requests by route and status code
	HTTPRequests = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of status API requests",
		},
		[]string{"method", "path", "code"},
	)

	// ActiveTransfers is the number of transfers not yet finished
	ActiveTransfers = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Name: "dcc_active_transfers",
		Help: "Number of DCC transfers that have not reached a terminal status",
	})
)

// Handler exposes Registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
