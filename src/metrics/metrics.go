package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_rpc_messages_total",
			Help: "Protocol messages by direction and type",
		},
		[]string{"direction", "type"},
	)

	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_rpc_calls_total",
			Help: "Correlated calls by event and outcome",
		},
		[]string{"event", "outcome"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestra_rpc_call_duration_seconds",
			Help:    "Correlated call duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event"},
	)

	bridgesEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_rpc_bridges_ended_total",
			Help: "Bridges that reached the ended state",
		},
		[]string{"role"},
	)

	heartbeatMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_rpc_heartbeat_misses_total",
			Help: "Heartbeat checks that timed out or failed",
		},
		[]string{"role"},
	)

	framesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_rpc_frames_rejected_total",
			Help: "Incoming frames that could not be decoded",
		},
		[]string{"transport"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(messages, calls, callDuration, bridgesEnded, heartbeatMisses, framesRejected)
}

// RecordMessage counts a protocol message; direction is "in" or "out".
func RecordMessage(direction, msgType string) {
	messages.WithLabelValues(direction, msgType).Inc()
}

// RecordCall counts a finished call.
func RecordCall(event, outcome string) {
	calls.WithLabelValues(event, outcome).Inc()
}

// ObserveCallDuration records how long a call waited for its response.
func ObserveCallDuration(event string, d time.Duration) {
	callDuration.WithLabelValues(event).Observe(d.Seconds())
}

// RecordBridgeEnded counts a bridge reaching its terminal state.
func RecordBridgeEnded(role string) {
	bridgesEnded.WithLabelValues(role).Inc()
}

// RecordHeartbeatMiss counts a failed heartbeat check.
func RecordHeartbeatMiss(role string) {
	heartbeatMisses.WithLabelValues(role).Inc()
}

// RecordFrameRejected counts an undecodable incoming frame.
func RecordFrameRejected(transport string) {
	framesRejected.WithLabelValues(transport).Inc()
}
