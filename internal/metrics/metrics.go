// Package metrics exposes Prometheus instrumentation for the ledger gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the gateway. Each instance
// carries its own registry so tests can construct it freely.
type Metrics struct {
	registry *prometheus.Registry

	transactionsSubmitted *prometheus.CounterVec
	transactionsCompleted prometheus.Counter
	transactionsFailed    prometheus.Counter
	transactionsRetried   prometheus.Counter
	transactionDuration   *prometheus.HistogramVec

	queueDepth  prometheus.Gauge
	queueActive prometheus.Gauge

	poolConnections *prometheus.GaugeVec
	poolFailures    prometheus.Counter

	breakerState *prometheus.GaugeVec

	lifecycleStepDuration *prometheus.HistogramVec
	deploymentsTotal      *prometheus.CounterVec

	httpRequestsTotal *prometheus.CounterVec
	rateLimitedTotal  prometheus.Counter
	cacheHitsTotal    prometheus.Counter
	cacheMissesTotal  prometheus.Counter
}

// New creates a Metrics instance and registers all collectors.
func New(namespace string) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.transactionsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_submitted_total",
		Help:      "Total number of transactions accepted into the queue by type",
	}, []string{"type"})

	m.transactionsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_completed_total",
		Help:      "Total number of transactions that finished successfully",
	})

	m.transactionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_failed_total",
		Help:      "Total number of transactions that failed terminally",
	})

	m.transactionsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_retried_total",
		Help:      "Total number of transaction retry attempts",
	})

	m.transactionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transaction_duration_seconds",
		Help:      "End-to-end transaction execution time by type",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 13), // 10ms to ~80s
	}, []string{"type"})

	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Number of transactions waiting in the queue",
	})

	m.queueActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_active",
		Help:      "Number of transactions currently executing",
	})

	m.poolConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_connections",
		Help:      "Open gateway connections by channel",
	}, []string{"channel"})

	m.poolFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_connect_failures_total",
		Help:      "Total number of failed connection attempts",
	})

	m.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_state",
		Help:      "Circuit breaker state by name (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	m.lifecycleStepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lifecycle_step_duration_seconds",
		Help:      "Duration of chaincode lifecycle steps",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~200s
	}, []string{"step"})

	m.deploymentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deployments_total",
		Help:      "Total number of chaincode deployments by outcome",
	}, []string{"outcome"})

	m.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests by route and status class",
	}, []string{"route", "status"})

	m.rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_rate_limited_total",
		Help:      "Total number of requests rejected by rate limiting",
	})

	m.cacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "Total number of proxy cache hits",
	})

	m.cacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "Total number of proxy cache misses",
	})

	m.registry.MustRegister(
		m.transactionsSubmitted,
		m.transactionsCompleted,
		m.transactionsFailed,
		m.transactionsRetried,
		m.transactionDuration,
		m.queueDepth,
		m.queueActive,
		m.poolConnections,
		m.poolFailures,
		m.breakerState,
		m.lifecycleStepDuration,
		m.deploymentsTotal,
		m.httpRequestsTotal,
		m.rateLimitedTotal,
		m.cacheHitsTotal,
		m.cacheMissesTotal,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TransactionSubmitted(txType string) {
	if m == nil {
		return
	}
	m.transactionsSubmitted.WithLabelValues(txType).Inc()
}

func (m *Metrics) TransactionCompleted(txType string, d time.Duration) {
	if m == nil {
		return
	}
	m.transactionsCompleted.Inc()
	m.transactionDuration.WithLabelValues(txType).Observe(d.Seconds())
}

func (m *Metrics) TransactionFailed(txType string, d time.Duration) {
	if m == nil {
		return
	}
	m.transactionsFailed.Inc()
	m.transactionDuration.WithLabelValues(txType).Observe(d.Seconds())
}

func (m *Metrics) TransactionRetried() {
	if m == nil {
		return
	}
	m.transactionsRetried.Inc()
}

func (m *Metrics) SetQueueDepth(depth, active int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
	m.queueActive.Set(float64(active))
}

func (m *Metrics) SetPoolConnections(channel string, n int) {
	if m == nil {
		return
	}
	m.poolConnections.WithLabelValues(channel).Set(float64(n))
}

func (m *Metrics) PoolConnectFailure() {
	if m == nil {
		return
	}
	m.poolFailures.Inc()
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) LifecycleStep(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.lifecycleStepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) DeploymentFinished(outcome string) {
	if m == nil {
		return
	}
	m.deploymentsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HTTPRequest(route, status string) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(route, status).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimitedTotal.Inc()
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHitsTotal.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMissesTotal.Inc()
}
