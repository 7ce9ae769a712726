// Package metrics exposes Prometheus collectors for the docqa service.
// All recorders are nil-safe so components can run without metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "askdocs"

type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	chunksWritten  prometheus.Counter
	embeddings     prometheus.Counter
	providerErrors *prometheus.CounterVec
	askDuration    *prometheus.HistogramVec
	indexJobs      *prometheus.CounterVec
}

// New registers collectors on a private registry, including Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		chunksWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_written_total",
			Help:      "Chunks persisted by chunking runs.",
		}),
		embeddings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_embeddings_total",
			Help:      "Chunk embeddings stored by the populator.",
		}),
		providerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Failed embedding or generation calls by operation.",
		}, []string{"op"}),
		askDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ask_duration_seconds",
			Help:      "End-to-end question answering latency by outcome.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		}, []string{"outcome"}),
		indexJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_jobs_total",
			Help:      "Finished background index jobs by status.",
		}, []string{"status"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) AddChunks(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.chunksWritten.Add(float64(n))
}

func (m *Metrics) AddEmbeddings(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.embeddings.Add(float64(n))
}

func (m *Metrics) ProviderError(op string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(op).Inc()
}

// ObserveAsk records one answer attempt. outcome is "ok" or an error code.
func (m *Metrics) ObserveAsk(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.askDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) IndexJob(status string) {
	if m == nil {
		return
	}
	m.indexJobs.WithLabelValues(status).Inc()
}
