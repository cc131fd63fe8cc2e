// Package metrics defines the Prometheus instruments exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	// ConnectionsCurrent tracks all live connections regardless of role
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections_current",
			Help: "Number of live connections",
		},
	)

	// SendersCurrent tracks connections classified as senders
	SendersCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_senders_current",
			Help: "Number of connections classified as senders",
		},
	)

	// BrowsersCurrent tracks connections classified as browsers
	BrowsersCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_browsers_current",
			Help: "Number of connections classified as browsers",
		},
	)

	// LivenessTerminations counts connections evicted by the probe cycle
	LivenessTerminations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_liveness_terminations_total",
			Help: "Connections terminated for missing a liveness probe",
		},
	)
)

// Buffer metrics
var (
	// BufferedFrames tracks current occupancy per buffer (screenshots/commands)
	BufferedFrames = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_buffered_frames",
			Help: "Current number of parked frames per buffer",
		},
		[]string{"buffer"},
	)

	// BufferEvictions counts entries removed without delivery, by cause
	BufferEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_buffer_evictions_total",
			Help: "Buffer entries dropped by overflow, TTL expiry, or flush clear",
		},
		[]string{"buffer", "reason"},
	)
)

// Fanout metrics
var (
	// FanoutMessages counts outbound messages by kind
	FanoutMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_fanout_messages_total",
			Help: "Messages fanned out to connections, by message type",
		},
		[]string{"kind"},
	)

	// SendFailures counts per-recipient send failures (logged and skipped)
	SendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_send_failures_total",
			Help: "Per-recipient send failures during fanout or flush",
		},
	)

	// FramesDropped counts inbound frames discarded without routing
	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Inbound frames dropped, by reason",
		},
		[]string{"reason"},
	)
)
