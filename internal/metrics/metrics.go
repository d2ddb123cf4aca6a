// Package metrics holds the Prometheus collectors shared by the relay roles.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kvmrelay_frames_sent_total", Help: "frames written by the sender, by event kind"},
		[]string{"kind"},
	)

	FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kvmrelay_frames_received_total", Help: "frames decoded by the receiver, by event kind"},
		[]string{"kind"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kvmrelay_events_dropped_total", Help: "events discarded before reaching the wire"},
		[]string{"reason"},
	)

	FrameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kvmrelay_frame_errors_total", Help: "frame read/write failures"},
		[]string{"role", "error"},
	)

	Connections = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kvmrelay_connections_total", Help: "connection attempts and outcomes"},
		[]string{"role", "result"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "kvmrelay_sender_queue_depth", Help: "events waiting in the sender queue"},
	)

	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "kvmrelay_api_requests_total", Help: "ops API requests by route, code and method"},
		[]string{"route", "code", "method"},
	)

	WriteLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kvmrelay_frame_write_seconds",
			Help:    "time spent writing one frame to the socket",
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
	)
)

func init() {
	prometheus.MustRegister(
		FramesSent,
		FramesReceived,
		EventsDropped,
		FrameErrors,
		Connections,
		QueueDepth,
		APIRequests,
		WriteLatency,
	)
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
