package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the daemon's metrics context. Each instance owns its own
// prometheus registry and is passed explicitly into the scheduler, worker
// and HTTP layer, so tests get isolated collectors instead of fighting
// over a process-global registry.
type Metrics struct {
	reg *prometheus.Registry

	RequestsSubmitted prometheus.Counter
	RequestsRejected  prometheus.Counter
	RequestsFinished  *prometheus.CounterVec // by finish_reason
	TokensGenerated   prometheus.Counter
	BatchesExecuted   prometheus.Counter
	BatchDuration     prometheus.Histogram

	QueueWaiting  prometheus.Gauge
	QueueDecoding prometheus.Gauge
	KVBlocksUsed  prometheus.Gauge
	KVBlocksFree  prometheus.Gauge

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPInflight        *prometheus.GaugeVec
	BackpressureTotal   *prometheus.CounterVec
}

// New builds a Metrics instance with every collector registered on a fresh
// registry under the given namespace.
func New(namespace string) *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.RequestsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "requests_submitted_total",
		Help: "Requests accepted into the waiting queue",
	})
	m.RequestsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "requests_rejected_total",
		Help: "Requests rejected at admission",
	})
	m.RequestsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "requests_finished_total",
		Help: "Requests reaching a terminal state",
	}, []string{"finish_reason"})
	m.TokensGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "worker", Name: "tokens_generated_total",
		Help: "Tokens produced across all requests",
	})
	m.BatchesExecuted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "worker", Name: "batches_executed_total",
		Help: "Batches pulled from the scheduler and executed",
	})
	m.BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "worker", Name: "batch_duration_seconds",
		Help:    "Wall time of one batch execution",
		Buckets: prometheus.DefBuckets,
	})

	m.QueueWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "waiting_requests",
		Help: "Requests in the waiting queue",
	})
	m.QueueDecoding = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "decoding_requests",
		Help: "Requests in the decode phase",
	})
	m.KVBlocksUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "kvcache", Name: "blocks_used",
		Help: "KV cache blocks currently allocated",
	})
	m.KVBlocksFree = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "kvcache", Name: "blocks_free",
		Help: "KV cache blocks currently free",
	})

	m.HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"path", "method", "status"})
	m.HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "method", "status"})
	m.HTTPInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "http", Name: "inflight_requests",
		Help: "In-flight HTTP requests",
	}, []string{"path"})
	m.BackpressureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "backpressure_total",
		Help: "Total backpressure rejections (429)",
	}, []string{"reason"})

	m.reg.MustRegister(
		m.RequestsSubmitted, m.RequestsRejected, m.RequestsFinished,
		m.TokensGenerated, m.BatchesExecuted, m.BatchDuration,
		m.QueueWaiting, m.QueueDecoding, m.KVBlocksUsed, m.KVBlocksFree,
		m.HTTPRequestsTotal, m.HTTPRequestDuration, m.HTTPInflight, m.BackpressureTotal,
	)
	return m
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the /metrics endpoint for this instance.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
