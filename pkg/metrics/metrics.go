// Package metrics holds the Prometheus instruments of a mesh node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "loramesher"

// Label names
const (
	FrameType = "frame_type"
	Reason    = "reason"
)

// Drop reasons
const (
	DropMalformed = "malformed"
	DropNotForUs  = "not_for_us"
	DropDuplicate = "duplicate"
	DropHopLimit  = "hop_limit"
	DropNoRoute   = "no_route"
	DropTxError   = "tx_error"
	DropQueueFull = "queue_full"
)

type Metrics struct {
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	Forwarded      prometheus.Counter
	Delivered      prometheus.Counter
	Routes         prometheus.Gauge
	Neighbors      prometheus.Gauge
	PingRTT        prometheus.Histogram
	PingTimeouts   prometheus.Counter
}

// New creates the instruments and registers them with reg. A nil reg leaves
// them unregistered, which is what tests and embedded users normally want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames handed to the radio.",
		}, []string{FrameType}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Well-formed frames received from the radio.",
		}, []string{FrameType}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames discarded, by reason.",
		}, []string{Reason}),
		Forwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_forwarded_total",
			Help:      "Data frames relayed towards another node.",
		}),
		Delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_delivered_total",
			Help:      "Payloads handed to the application.",
		}),
		Routes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routes",
			Help:      "Routes currently held in the routing table.",
		}),
		Neighbors: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "neighbors",
			Help:      "Nodes heard directly.",
		}),
		PingRTT: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ping_rtt_seconds",
			Help:      "Round-trip time of answered pings.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		PingTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ping_timeouts_total",
			Help:      "Pings that got no pong in time.",
		}),
	}
}

// OrNew returns m, or an unregistered set when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New(nil)
}
