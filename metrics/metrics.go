// Package metrics wires the Session's frame-completion Tap to Prometheus,
// so a host process can export per-controller latency and clock-delta
// figures alongside whatever else it already serves on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skyfighter64/alup-go/protocol"
)

// Registry holds the Prometheus collectors shared by every Session a
// process drives. One Registry is enough for an entire host process —
// individual sessions are distinguished by the "session" label.
type Registry struct {
	reg *prometheus.Registry

	framesTotal *prometheus.CounterVec
	latencyMs   *prometheus.HistogramVec
	deltaMs     *prometheus.GaugeVec
}

// NewRegistry builds a Registry with its own prometheus.Registry, so a host
// process composes it into its existing /metrics handler via Gatherer
// rather than fighting over prometheus's global default registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alup",
			Name:      "frames_total",
			Help:      "Completed frames per session, by controller status.",
		}, []string{"session", "status"}),
		latencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "alup",
			Name:      "frame_latency_milliseconds",
			Help:      "Round-trip time from frame write to ack parse.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5ms .. ~4s
		}, []string{"session"}),
		deltaMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "alup",
			Name:      "clock_delta_milliseconds",
			Help:      "Most recently published host-to-controller clock delta.",
		}, []string{"session"}),
	}

	reg.MustRegister(m.framesTotal, m.latencyMs, m.deltaMs)
	return m
}

// Gatherer exposes the underlying collectors for composition into an
// http.Handler (promhttp.HandlerFor) without pulling promhttp into this
// package's own dependency surface.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.reg
}

// Tap returns an observer suitable for Session.OnFrameResponse: it records
// the frame's latency under sessionID, then — if next is non-nil — calls
// it, so a caller can compose Prometheus recording with its own Tap logic
// instead of choosing one or the other.
func (m *Registry) Tap(sessionID string, next func(*protocol.Frame)) func(*protocol.Frame) {
	return func(frame *protocol.Frame) {
		latency := float64(frame.TResponseIn - frame.TFrameOut) // already milliseconds
		m.latencyMs.WithLabelValues(sessionID).Observe(latency)
		m.framesTotal.WithLabelValues(sessionID, "completed").Inc()

		if next != nil {
			next(frame)
		}
	}
}

// ObserveProtocolError increments the per-session error counter for a
// frame that came back with a non-OK controller status. Callers invoke this
// after inspecting the error Send returns; the Tap observer only receives
// the frame, and runs before Send returns.
func (m *Registry) ObserveProtocolError(sessionID string) {
	m.framesTotal.WithLabelValues(sessionID, "protocol_error").Inc()
}

// SetClockDelta publishes a session's current clock-delta estimate
// (Session.TimeDeltaMs) under the clock_delta_milliseconds gauge.
func (m *Registry) SetClockDelta(sessionID string, deltaMs int64) {
	m.deltaMs.WithLabelValues(sessionID).Set(float64(deltaMs))
}
