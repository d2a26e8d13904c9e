package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Capture outcome labels.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultRejected = "rejected"
)

// Metrics holds all application metrics
type Metrics struct {
	// Preview loop
	PreviewFrames     atomic.Uint64
	PreviewReadErrors atomic.Uint64
	SubscriberDrops   atomic.Uint64
	HighResCaptures   atomic.Uint64

	// Viewers
	StreamClients atomic.Int64

	// Detection
	TileCalls      atomic.Uint64
	LiveIterations atomic.Uint64

	captureResults  *prometheus.CounterVec
	captureDuration prometheus.Histogram
	liveFPS         prometheus.Gauge
	liveObjects     prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		captureResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brivet_captures_total",
			Help: "Capture requests by outcome",
		}, []string{"mode", "result"}),
		captureDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "brivet_capture_duration_seconds",
			Help:    "Wall-clock time of the capture pipeline (capture, detect, persist)",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}),
		liveFPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brivet_live_fps",
			Help: "Live detection throughput over the rolling window",
		}),
		liveObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "brivet_live_objects",
			Help: "Objects found by the latest live detection pass",
		}),
	}

	m.registerPrometheusMetrics()

	return m
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(m.captureResults, m.captureDuration, m.liveFPS, m.liveObjects)

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "brivet_preview_frames_total",
			Help: "Preview frames published to the latest-frame slot",
		},
		func() float64 { return float64(m.PreviewFrames.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "brivet_preview_read_errors_total",
			Help: "Failed preview reads (retried with backoff)",
		},
		func() float64 { return float64(m.PreviewReadErrors.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "brivet_subscriber_drops_total",
			Help: "Preview frames skipped for slow subscribers",
		},
		func() float64 { return float64(m.SubscriberDrops.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "brivet_highres_captures_total",
			Help: "High-resolution frames read from the device",
		},
		func() float64 { return float64(m.HighResCaptures.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "brivet_stream_clients",
			Help: "Connected preview viewers",
		},
		func() float64 { return float64(m.StreamClients.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "brivet_detect_tile_calls_total",
			Help: "Detection primitive invocations",
		},
		func() float64 { return float64(m.TileCalls.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "brivet_live_iterations_total",
			Help: "Completed live detection passes",
		},
		func() float64 { return float64(m.LiveIterations.Load()) },
	))
}

// ObserveCapture records the outcome of one capture pipeline run.
func (m *Metrics) ObserveCapture(mode, result string, duration time.Duration) {
	m.captureResults.WithLabelValues(mode, result).Inc()
	if result != ResultRejected {
		m.captureDuration.Observe(duration.Seconds())
	}
}

// SetLive updates the live detection gauges.
func (m *Metrics) SetLive(fps float64, objects int) {
	m.liveFPS.Set(fps)
	m.liveObjects.Set(float64(objects))
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
