package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Detection counters
	Passes         atomic.Uint64
	PassesSkipped  atomic.Uint64 // no frame available yet
	DetectorErrors atomic.Uint64
	ObjectsCounted atomic.Uint64
	CurrentCount   atomic.Uint64
	Processing     atomic.Uint64 // 0 = idle, 1 = running
	PassLatencyMs  atomic.Uint64
	ModelReady     atomic.Uint64 // 0 = loading/failed, 1 = ready

	// Session counters
	HistorySnapshots atomic.Uint64
	SourceSelections atomic.Uint64
	SourceErrors     atomic.Uint64
	Resets           atomic.Uint64
	Exports          atomic.Uint64
	ExportErrors     atomic.Uint64

	// Stream clients
	StreamFramesSent    atomic.Uint64
	StreamFramesDropped atomic.Uint64
	ActiveStreamClients atomic.Int64
	ActiveEventClients  atomic.Int64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

type gauge struct {
	name  string
	help  string
	value func() float64
}

func counter(v *atomic.Uint64) func() float64 {
	return func() float64 { return float64(v.Load()) }
}

func level(v *atomic.Int64) func() float64 {
	return func() float64 { return float64(v.Load()) }
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	gauges := []gauge{
		// Detection
		{"bikedash_detection_passes_total", "Total detection passes completed", counter(&m.Passes)},
		{"bikedash_detection_passes_skipped_total", "Passes skipped because no frame was available", counter(&m.PassesSkipped)},
		{"bikedash_detector_errors_total", "Total detector call failures", counter(&m.DetectorErrors)},
		{"bikedash_objects_counted_total", "Bicycles and motorcycles counted across all passes", counter(&m.ObjectsCounted)},
		{"bikedash_current_count", "Objects in the most recently processed frame", counter(&m.CurrentCount)},
		{"bikedash_processing", "Detection loop running (0=idle, 1=running)", counter(&m.Processing)},
		{"bikedash_pass_latency_ms", "Latency of the last detector call in milliseconds", counter(&m.PassLatencyMs)},
		{"bikedash_model_ready", "Detection model ready (0=no, 1=yes)", counter(&m.ModelReady)},

		// Session
		{"bikedash_history_snapshots_total", "Total history entries recorded", counter(&m.HistorySnapshots)},
		{"bikedash_source_selections_total", "Total frame sources bound", counter(&m.SourceSelections)},
		{"bikedash_source_errors_total", "Total failed source selections", counter(&m.SourceErrors)},
		{"bikedash_resets_total", "Total session resets", counter(&m.Resets)},
		{"bikedash_exports_total", "Total report downloads", counter(&m.Exports)},
		{"bikedash_export_errors_total", "Total failed report downloads", counter(&m.ExportErrors)},

		// Clients
		{"bikedash_stream_frames_sent_total", "Frames sent to MJPEG clients", counter(&m.StreamFramesSent)},
		{"bikedash_stream_frames_dropped_total", "Frames dropped for slow stream clients", counter(&m.StreamFramesDropped)},
		{"bikedash_stream_clients", "Active MJPEG clients", level(&m.ActiveStreamClients)},
		{"bikedash_event_clients", "Active SSE clients", level(&m.ActiveEventClients)},
	}

	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			g.value,
		))
	}
}

// ObservePass records a completed detection pass.
func (m *Metrics) ObservePass(count int, latency time.Duration) {
	if count < 0 {
		count = 0
	}
	m.Passes.Add(1)
	m.ObjectsCounted.Add(uint64(count))
	m.CurrentCount.Store(uint64(count))
	m.PassLatencyMs.Store(uint64(latency.Milliseconds()))
}

// SetProcessing records the loop state.
func (m *Metrics) SetProcessing(running bool) {
	m.Processing.Store(boolGauge(running))
}

// SetModelReady records the model state.
func (m *Metrics) SetModelReady(ready bool) {
	m.ModelReady.Store(boolGauge(ready))
}

func boolGauge(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server returns an HTTP server exposing /metrics on addr.
func (m *Metrics) Server(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
