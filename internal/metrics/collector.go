// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds every engine metric. A nil *Collector records nothing.
type Collector struct {
	callsTotal         *prometheus.CounterVec
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	gatewayDuration    *prometheus.HistogramVec
	validationFailures *prometheus.CounterVec
	persistJobs        *prometheus.CounterVec
	persistFailures    *prometheus.CounterVec
	persistQueueDepth  prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers the metrics under namespace on reg, or on the
// default registry when reg is nil.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.callsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Function calls by outcome",
		},
		[]string{"format", "status"},
	)

	c.cacheHits = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Calls answered from a stored result",
		},
		[]string{"source"},
	)

	c.cacheMisses = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Calls that needed a fresh generation",
		},
		[]string{"reason"},
	)

	c.gatewayDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "LLM gateway round-trip time",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"format", "status"},
	)

	c.validationFailures = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_failures_total",
			Help:      "Results annotated with a schema validation error",
		},
		[]string{"format"},
	)

	c.persistJobs = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_jobs_total",
			Help:      "Persistence jobs by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	c.persistFailures = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Failed persistence steps",
		},
		[]string{"step"},
	)

	c.persistQueueDepth = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persist_queue_depth",
			Help:      "Jobs waiting in the persistence queue",
		},
	)

	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	return c
}

// RecordCall counts a finished call. status is "hit", "miss" or "error".
// Function names are caller-supplied and stay out of the labels.
func (c *Collector) RecordCall(format, status string) {
	if c == nil {
		return
	}
	c.callsTotal.WithLabelValues(format, status).Inc()
}

// RecordCacheHit counts a hit served from source ("redis" or "store").
func (c *Collector) RecordCacheHit(source string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(source).Inc()
}

// RecordCacheMiss counts a miss; reason is "absent" or "expired".
func (c *Collector) RecordCacheMiss(reason string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(reason).Inc()
}

// RecordGateway observes one gateway round trip for a format.
func (c *Collector) RecordGateway(format string, ok bool, d time.Duration) {
	if c == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	c.gatewayDuration.WithLabelValues(format, status).Observe(d.Seconds())
}

// RecordValidationFailure counts an annotated result.
func (c *Collector) RecordValidationFailure(format string) {
	if c == nil {
		return
	}
	c.validationFailures.WithLabelValues(format).Inc()
}

// RecordPersistJob counts a finished, rejected or failed persistence job.
func (c *Collector) RecordPersistJob(kind, status string) {
	if c == nil {
		return
	}
	c.persistJobs.WithLabelValues(kind, status).Inc()
}

// RecordPersistFailure counts one failed persistence step.
func (c *Collector) RecordPersistFailure(step string) {
	if c == nil {
		return
	}
	c.persistFailures.WithLabelValues(step).Inc()
	c.logger.Debug("persist failure recorded", zap.String("step", step))
}

// SetQueueDepth reports how many jobs are waiting.
func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.persistQueueDepth.Set(float64(n))
}

// RecordHTTPRequest observes one API request.
func (c *Collector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
