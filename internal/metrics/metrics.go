// Package metrics provides Prometheus instrumentation for the pairing and
// signaling core. It exposes gauges for connection, queue, and session
// counts, counters for signaling throughput, and histograms for session
// duration and match wait time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairing_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RegisteredUsers tracks connections with a bound identity.
	RegisteredUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairing_registered_users",
		Help: "Current number of connections with a registered identity",
	})

	// MatchQueueSize tracks the current number of waiting entries in the
	// stranger matching queue.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairing_match_queue_size",
		Help: "Current number of entries waiting in the matching queue",
	})

	// MatchWaitSeconds records how long an entry waited before being paired.
	MatchWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairing_match_wait_seconds",
		Help:    "Time entries spent in the queue before pairing",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 15, 30, 60},
	})

	// ActiveSessions tracks live sessions, labeled by kind: "stranger",
	// "private-audio", or "private-video".
	ActiveSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pairing_active_sessions",
		Help: "Current number of non-terminal sessions",
	}, []string{"kind"})

	// SessionsEnded counts terminal transitions, labeled by reason.
	SessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_sessions_ended_total",
		Help: "Total terminal session transitions by reason",
	}, []string{"reason"})

	// SessionDuration records the lifetime of a session from creation to its
	// terminal transition.
	SessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairing_session_duration_seconds",
		Help:    "Session lifetime from creation to terminal transition",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	// SignalingMessages counts relayed signaling frames, labeled by type:
	// "offer", "answer", "ice", or "ice_buffered".
	SignalingMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_signaling_messages_total",
		Help: "Total signaling frames relayed or buffered",
	}, []string{"type"})

	// ProtocolViolations counts rejected out-of-sequence signaling attempts.
	ProtocolViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairing_protocol_violations_total",
		Help: "Total rejected out-of-sequence signaling messages",
	})

	// ReportsSubmitted counts report submissions, labeled by outcome:
	// "accepted" or "rejected".
	ReportsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_reports_total",
		Help: "Total abuse report submissions by outcome",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RegisteredUsers,
		MatchQueueSize,
		MatchWaitSeconds,
		ActiveSessions,
		SessionsEnded,
		SessionDuration,
		SignalingMessages,
		ProtocolViolations,
		ReportsSubmitted,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
