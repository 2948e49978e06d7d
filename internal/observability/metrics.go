package observability

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Direction labels for forwarded frames
const (
	DirectionClientToUpstream = "client_to_upstream"
	DirectionUpstreamToClient = "upstream_to_client"
)

var (
	// Session metrics
	activePairs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_bridge_active_pairs",
		Help: "Number of open client/upstream connection pairs",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_sessions_total",
		Help: "Total number of relay sessions accepted",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_bridge_session_duration_seconds",
		Help:    "Duration of relay sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	rejectedSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_sessions_rejected_total",
		Help: "Sessions rejected before an upstream connection was opened",
	}, []string{"reason"})

	// Forwarding metrics
	framesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_frames_forwarded_total",
		Help: "Frames forwarded by the relay",
	}, []string{"direction"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_frames_dropped_total",
		Help: "Frames dropped because the destination socket was not open",
	}, []string{"direction", "kind"})

	bytesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_bytes_forwarded_total",
		Help: "Payload bytes forwarded by the relay",
	}, []string{"direction"})

	// Upstream metrics
	upstreamDialLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_bridge_upstream_dial_seconds",
		Help:    "Upstream WebSocket handshake latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	upstreamDialFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_upstream_dial_failures_total",
		Help: "Failed upstream WebSocket handshakes",
	})

	closeCodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_close_codes_total",
		Help: "Close codes observed per side",
	}, []string{"side", "code"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_bridge_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// openPairs mirrors activePairs for log fields; it is advisory only.
	openPairs atomic.Int64
)

// SessionMetrics tracks metrics for a single relay session
type SessionMetrics struct {
	sessionID string
	startTime time.Time
	opened    atomic.Bool
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	totalSessions.Inc()
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordPairOpen records that the upstream side of the pair is open.
// Returns the advisory number of open pairs.
func (m *SessionMetrics) RecordPairOpen() int64 {
	if !m.opened.CompareAndSwap(false, true) {
		return openPairs.Load()
	}
	activePairs.Inc()
	return openPairs.Add(1)
}

// RecordPairClosed records the end of the session
func (m *SessionMetrics) RecordPairClosed() int64 {
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
	if !m.opened.CompareAndSwap(true, false) {
		return openPairs.Load()
	}
	activePairs.Dec()
	return openPairs.Add(-1)
}

// RecordRejected records a session rejected before dialing upstream
func (m *SessionMetrics) RecordRejected(reason string) {
	rejectedSessions.WithLabelValues(reason).Inc()
}

// RecordForwarded records a forwarded frame
func (m *SessionMetrics) RecordForwarded(direction string, bytes int) {
	framesForwarded.WithLabelValues(direction).Inc()
	bytesForwarded.WithLabelValues(direction).Add(float64(bytes))
}

// RecordDropped records a frame dropped because its destination was not open
func (m *SessionMetrics) RecordDropped(direction, kind string) {
	framesDropped.WithLabelValues(direction, kind).Inc()
}

// RecordUpstreamDial records the outcome of an upstream handshake
func (m *SessionMetrics) RecordUpstreamDial(latency time.Duration, success bool) {
	upstreamDialLatency.Observe(latency.Seconds())
	if !success {
		upstreamDialFailures.Inc()
	}
}

// RecordClose records a close code for the given side ("client" or "upstream")
func (m *SessionMetrics) RecordClose(side string, code int) {
	closeCodes.WithLabelValues(side, strconv.Itoa(code)).Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// OpenPairs returns the advisory process-wide count of open pairs
func OpenPairs() int64 {
	return openPairs.Load()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
