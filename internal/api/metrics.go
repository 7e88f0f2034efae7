package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the buffer engine's Prometheus instrumentation: everything
// a production repackaging daemon exposes at /metrics even though the
// scheduler/ABR core itself never reads these values back.
type Metrics struct {
	registry *prometheus.Registry

	segmentsLoadedTotal    *prometheus.CounterVec
	gcReclaimedTotal       *prometheus.CounterVec
	preconditionFailedTotal *prometheus.CounterVec
	fatalErrorsTotal       *prometheus.CounterVec
	currentBitrate         *prometheus.GaugeVec
	bufferGap              *prometheus.GaugeVec
	schedulerQueueDepth    *prometheus.GaugeVec
}

// NewMetrics builds and registers the engine's metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		segmentsLoadedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bufferengine_segments_loaded_total",
			Help: "Total number of segments successfully appended to the sink, by media type.",
		}, []string{"media_type"}),
		gcReclaimedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bufferengine_gc_reclaimed_spans_total",
			Help: "Total number of buffered spans reclaimed by the garbage collector, by media type.",
		}, []string{"media_type"}),
		preconditionFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bufferengine_precondition_failed_total",
			Help: "Total number of 412 Precondition Failed responses observed during segment fetch, by media type.",
		}, []string{"media_type"}),
		fatalErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bufferengine_fatal_errors_total",
			Help: "Total number of fatal scheduler errors, by media type.",
		}, []string{"media_type"}),
		currentBitrate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bufferengine_current_bitrate_bps",
			Help: "Currently selected representation bitrate, by media type.",
		}, []string{"media_type"}),
		bufferGap: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bufferengine_buffer_gap_seconds",
			Help: "Most recently observed buffer gap, by media type.",
		}, []string{"media_type"}),
		schedulerQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bufferengine_scheduler_queue_depth",
			Help: "Number of segments currently queued/in-flight in the scheduler, by media type.",
		}, []string{"media_type"}),
	}

	registry.MustRegister(
		m.segmentsLoadedTotal,
		m.gcReclaimedTotal,
		m.preconditionFailedTotal,
		m.fatalErrorsTotal,
		m.currentBitrate,
		m.bufferGap,
		m.schedulerQueueDepth,
	)
	return m
}

func (m *Metrics) ObserveSegmentLoaded(mediaType string) {
	m.segmentsLoadedTotal.WithLabelValues(mediaType).Inc()
}

func (m *Metrics) ObserveGCReclaim(mediaType string, spans int) {
	m.gcReclaimedTotal.WithLabelValues(mediaType).Add(float64(spans))
}

func (m *Metrics) ObservePreconditionFailed(mediaType string) {
	m.preconditionFailedTotal.WithLabelValues(mediaType).Inc()
}

func (m *Metrics) ObserveFatal(mediaType string) {
	m.fatalErrorsTotal.WithLabelValues(mediaType).Inc()
}

func (m *Metrics) SetCurrentBitrate(mediaType string, bitrate int) {
	m.currentBitrate.WithLabelValues(mediaType).Set(float64(bitrate))
}

func (m *Metrics) SetBufferGap(mediaType string, gap float64) {
	m.bufferGap.WithLabelValues(mediaType).Set(gap)
}

func (m *Metrics) SetQueueDepth(mediaType string, depth int) {
	m.schedulerQueueDepth.WithLabelValues(mediaType).Set(float64(depth))
}

// Handler returns the promhttp handler for this Metrics' registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
