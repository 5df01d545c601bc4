// Package metrics holds the Prometheus collectors shared by the receiver,
// sender and inference stage.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "camfeed"

var (
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "receiver",
		Name:      "connections_accepted_total",
		Help:      "Producer connections accepted.",
	})

	ConnectionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "receiver",
		Name:      "connections_closed_total",
		Help:      "Producer connections closed, by reason.",
	}, []string{"reason"})

	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "receiver",
		Name:      "bytes_received_total",
		Help:      "Bytes read from producer connections.",
	})

	EnvelopesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "receiver",
		Name:      "envelopes_delivered_total",
		Help:      "Complete envelopes whose payload decoded.",
	})

	FramesOffered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "slot",
		Name:      "frames_offered_total",
		Help:      "Frames offered to the latest-wins slot.",
	})

	FramesEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "slot",
		Name:      "frames_evicted_total",
		Help:      "Frames replaced in the slot before the consumer took them.",
	})

	FramesTaken = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "slot",
		Name:      "frames_taken_total",
		Help:      "Frames taken from the slot by the inference stage.",
	})

	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sender",
		Name:      "frames_sent_total",
		Help:      "Envelopes written to the receiver.",
	})

	SenderReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sender",
		Name:      "reconnects_total",
		Help:      "Times the sender lost its connection and reconnected.",
	})

	FramesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inference",
		Name:      "frames_processed_total",
		Help:      "Frames taken from the slot and processed.",
	})

	Detections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inference",
		Name:      "detections_total",
		Help:      "Detections reported by the detector, by class.",
	}, []string{"class"})

	InferenceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "inference",
		Name:      "errors_total",
		Help:      "Detector failures.",
	})

	InferenceLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "inference",
		Name:      "latency_seconds",
		Help:      "Detector latency.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	InferenceHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "inference",
		Name:      "healthy",
		Help:      "1 while the last detector run succeeded, 0 otherwise.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
