// Package metrics provides Prometheus instrumentation for the Murmur chat
// server: gauges for live connections, rooms, and queue depth, counters for
// message outcomes and admissions, and a histogram for queue wait time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks the current number of live WebSocket sessions.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "murmur_connections",
		Help: "Current number of live WebSocket sessions",
	})

	// ActiveRooms tracks the current number of paired rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "murmur_active_rooms",
		Help: "Current number of active chat rooms",
	})

	// QueueSize tracks the current matchmaker queue depth.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "murmur_queue_size",
		Help: "Current number of sessions waiting for a partner",
	})

	// MessagesTotal counts processed messages by outcome: "relayed",
	// "flagged_spam", "flagged_profanity", "rate_limited", "invalid".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_messages_total",
		Help: "Total messages processed, by outcome",
	}, []string{"outcome"})

	// AdmissionsTotal counts connection attempts by outcome: "accepted",
	// "banned", "rate_limited", "error".
	AdmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "murmur_admissions_total",
		Help: "Total connection admission attempts, by outcome",
	}, []string{"outcome"})

	// QueueWait records the time a session spent waiting before pairing.
	QueueWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "murmur_queue_wait_seconds",
		Help:    "Time from join_queue to partner_found",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120},
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		ActiveRooms,
		QueueSize,
		MessagesTotal,
		AdmissionsTotal,
		QueueWait,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
