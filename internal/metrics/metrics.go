// Package metrics holds the Prometheus collectors of the article cache. Each
// Metrics value owns its registry so tests and multiple instances never share
// global state. All recording methods are nil-safe.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 聚合请求、写入管线与清理任务的指标。
type Metrics struct {
	registry *prometheus.Registry

	Requests         *prometheus.CounterVec
	PipelineWrites   *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	FilesRemoved     *prometheus.CounterVec
	UpstreamDuration prometheus.Histogram
}

// New 创建一组注册在独立 registry 上的指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "article_cache_requests_total",
			Help: "Requests served, by resource type and response source",
		}, []string{"type", "source"}),
		PipelineWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "article_cache_pipeline_writes_total",
			Help: "Write pipeline outcomes",
		}, []string{"result"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "article_cache_pipeline_queue_depth",
			Help: "Jobs waiting in the write pipeline queue",
		}),
		FilesRemoved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "article_cache_files_removed_total",
			Help: "Blob files removed, by reason",
		}, []string{"reason"}),
		UpstreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "article_cache_upstream_duration_seconds",
			Help:    "Latency of upstream fetches",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
}

// Registry 暴露底层 registry，便于测试直接 Gather。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 Prometheus 文本格式的 HTTP handler。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(resourceType, source string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(resourceType, source).Inc()
}

func (m *Metrics) ObserveWrite(result string) {
	if m == nil {
		return
	}
	m.PipelineWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) ObserveRemoval(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.FilesRemoved.WithLabelValues(reason).Add(float64(count))
}

func (m *Metrics) ObserveUpstream(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamDuration.Observe(elapsed.Seconds())
}
