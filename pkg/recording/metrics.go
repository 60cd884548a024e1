package recording

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the manager's telemetry as Prometheus collectors.
type Metrics struct {
	FramesSent     prometheus.Counter
	FramesBuffered prometheus.Counter
	FramesDropped  prometheus.Counter
	QueueDepth     prometheus.Gauge

	Reconnects     prometheus.Counter
	HeartbeatMiss  prometheus.Counter
	ConnectLatency prometheus.Histogram

	Takeovers        prometheus.Counter
	TakeoversGranted prometheus.Counter
	TakeoversDenied  prometheus.Counter

	SessionsStarted prometheus.Counter
	SessionsStopped prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *Metrics
)

// SharedMetrics returns the process-wide metrics set. Collectors register in
// the default registry exactly once, no matter how many managers exist.
func SharedMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInst = &Metrics{
			FramesSent: promauto.NewCounter(prometheus.CounterOpts{
				Name: "recorder_frames_sent_total",
				Help: "Audio frames written to the ingest socket",
			}),
			FramesBuffered: promauto.NewCounter(prometheus.CounterOpts{
				Name: "recorder_frames_buffered_total",
				Help: "Audio frames held in the outbound queue while disconnected",
			}),
			FramesDropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "recorder_frames_dropped_total",
				Help: "Audio frames evicted from a full outbound queue",
			}),
			QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "recorder_queue_depth",
				Help: "Current outbound queue depth",
			}),
			Reconnects: promauto.NewCounter(prometheus.CounterOpts{
				Name: "recorder_reconnects_total",
				Help: "Socket reconnect attempts",
			}),
			HeartbeatMiss: promauto.NewCounter(prometheus.CounterOpts{
				Name: "recorder_heartbeat_misses_total",
				Help: "Heartbeat pongs that did not arrive in time",
			}),
			ConnectLatency: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "recorder_connect_latency_seconds",
				Help:    "Socket dial plus handshake latency",
				Buckets: prometheus.DefBuckets,
			}),
			Takeovers: promauto.NewCounter(prometheus.CounterOpts{
				Name: "recorder_takeover_requests_total",
				Help: "Cross-instance takeover requests sent",
			}),
			TakeoversGranted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "recorder_takeovers_granted_total",
				Help: "Takeover requests granted by the previous owner",
			}),
			TakeoversDenied: promauto.NewCounter(prometheus.CounterOpts{
				Name: "recorder_takeovers_denied_total",
				Help: "Takeover requests denied or timed out",
			}),
			SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "recorder_sessions_started_total",
				Help: "Recording sessions started",
			}),
			SessionsStopped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "recorder_sessions_stopped_total",
				Help: "Recording sessions stopped",
			}),
		}
	})
	return metricsInst
}
