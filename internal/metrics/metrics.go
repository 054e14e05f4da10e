// Package metrics provides Prometheus instrumentation for the marketchat
// client. It exposes gauges for the shared connection, counters for message
// and offer throughput, and a histogram for history fetch latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the number of live physical connections. The
	// multiplexer keeps this at zero or one.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketchat_connections_active",
		Help: "Current number of physical real-time connections",
	})

	// ConnectionRefs tracks how many consumers hold the shared connection.
	ConnectionRefs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketchat_connection_refs",
		Help: "Current number of consumers holding the shared connection",
	})

	// ReconnectsTotal counts reconnect outcomes, labeled by result:
	// "success" or "exhausted".
	ReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketchat_reconnects_total",
		Help: "Total number of transport reconnect outcomes",
	}, []string{"result"})

	// MessagesTotal counts chat messages, labeled by outcome: "sent",
	// "received", "reconciled", "failed" or "unconfirmed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketchat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// OfferTransitions counts offer state transitions, labeled by the status
	// entered.
	OfferTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "marketchat_offer_transitions_total",
		Help: "Total number of offer state transitions",
	}, []string{"status"})

	// HistoryLatency records how long the room-entry loaders took.
	HistoryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketchat_history_latency_seconds",
		Help:    "Time to load chat history and offer state on room entry",
		Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionRefs,
		ReconnectsTotal,
		MessagesTotal,
		OfferTransitions,
		HistoryLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
