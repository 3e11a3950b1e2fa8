package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the page view Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	TrackedTotal     *prometheus.CounterVec
	FlushedBatches   *prometheus.CounterVec
	FlushedViews     prometheus.Counter
	FailOpenTotal    prometheus.Counter
	ReapedViews      prometheus.Counter
	RetentionDeleted prometheus.Counter
}

// New creates and registers all collectors on registry. A nil registry gets
// a fresh one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: registry,
		TrackedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageviews_tracked_total",
				Help: "Tracked requests by filter outcome",
			},
			[]string{"reason"},
		),
		FlushedBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageviews_buffer_batches_total",
				Help: "Buffered batches written to storage by status",
			},
			[]string{"status"},
		),
		FlushedViews: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pageviews_buffer_flushed_views_total",
			Help: "Buffered page views written to storage",
		}),
		FailOpenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pageviews_buffer_fail_open_total",
			Help: "Page views written synchronously because the buffer was unavailable",
		}),
		ReapedViews: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pageviews_buffer_reaped_views_total",
			Help: "Stale buffered page views discarded",
		}),
		RetentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pageviews_retention_deleted_total",
			Help: "Page views removed by retention cleanup",
		}),
	}
	registry.MustRegister(
		m.TrackedTotal,
		m.FlushedBatches,
		m.FlushedViews,
		m.FailOpenTotal,
		m.ReapedViews,
		m.RetentionDeleted,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Tracked(reason string) {
	m.TrackedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) BatchFlushed(views int) {
	m.FlushedBatches.WithLabelValues("flushed").Inc()
	m.FlushedViews.Add(float64(views))
}

func (m *Metrics) BatchFailed() {
	m.FlushedBatches.WithLabelValues("failed").Inc()
}

func (m *Metrics) FailOpen() {
	m.FailOpenTotal.Inc()
}

func (m *Metrics) Reaped(views int) {
	m.ReapedViews.Add(float64(views))
}

func (m *Metrics) Retained(deleted int64) {
	m.RetentionDeleted.Add(float64(deleted))
}
