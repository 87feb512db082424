// Package metrics aggregates the counters, gauges, and histograms describing
// gateway health, exposed in Prometheus exposition format.
//
// The Recorder is constructed explicitly and injected into every component
// that records — there are no package-level metric globals. When metrics are
// disabled every record method is a safe no-op, so call sites never need a
// conditional guard, and the HTTP handler serves a short disabled marker.
package metrics

import (
	"net/http"
	"runtime"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DisabledMarker is the body served by Handler when metrics are off.
const DisabledMarker = "metrics disabled\n"

// maxExemplarCorrelationRunes bounds the correlation id attached as an
// exemplar. The prometheus client panics when exemplar labels exceed 128
// runes total (name + value); inbound correlation ids are caller-controlled,
// so oversized ids are recorded without the exemplar instead.
const maxExemplarCorrelationRunes = 64

// Recorder records gateway metrics into its own Prometheus registry.
// All methods are safe for concurrent use and never block or fail the
// request path.
type Recorder struct {
	enabled  bool
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	toolExecutions  *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	backendRequests *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	breakerEvents   *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter
	cacheSize      prometheus.Gauge

	auditWriteFailures prometheus.Counter

	goroutines prometheus.Gauge
	heapBytes  prometheus.Gauge
}

// NewRecorder creates a Recorder. When enabled is false the Recorder records
// nothing and Handler serves the disabled marker.
func NewRecorder(enabled bool) *Recorder {
	r := &Recorder{enabled: enabled}
	if !enabled {
		return r
	}

	r.registry = prometheus.NewRegistry()

	r.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_http_requests_total",
		Help: "HTTP requests by method, path, and status",
	}, []string{"method", "path", "status"})

	r.toolExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_tool_executions_total",
		Help: "MCP tool executions by tool and outcome",
	}, []string{"tool", "outcome"})

	r.toolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskgate_tool_execution_duration_seconds",
		Help:    "MCP tool execution latency",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
	}, []string{"tool"})

	r.backendRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_backend_requests_total",
		Help: "Backend requests by service, operation, and outcome",
	}, []string{"service", "operation", "outcome"})

	r.backendDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskgate_backend_request_duration_seconds",
		Help:    "Backend request duration",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
	}, []string{"service", "operation"})

	r.breakerEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskgate_circuit_breaker_events_total",
		Help: "Circuit breaker state transitions by service and new state",
	}, []string{"service", "state"})

	r.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskgate_circuit_breaker_state",
		Help: "Current circuit state per service (0=CLOSED, 1=OPEN, 2=HALF_OPEN)",
	}, []string{"service"})

	r.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskgate_cache_hit_total",
		Help: "Total fallback cache hits",
	})
	r.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskgate_cache_miss_total",
		Help: "Total fallback cache misses",
	})
	r.cacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskgate_cache_evictions_total",
		Help: "Total fallback cache evictions",
	})
	r.cacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskgate_cache_size_entries",
		Help: "Current fallback cache entry count",
	})

	r.auditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskgate_audit_write_failures_total",
		Help: "Audit records that could not be written to the JSONL sink",
	})

	r.goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskgate_goroutines",
		Help: "Current goroutine count",
	})
	r.heapBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskgate_heap_alloc_bytes",
		Help: "Current heap allocation in bytes",
	})

	r.registry.MustRegister(
		r.httpRequests, r.toolExecutions, r.toolDuration,
		r.backendRequests, r.backendDuration,
		r.breakerEvents, r.breakerState,
		r.cacheHits, r.cacheMisses, r.cacheEvictions, r.cacheSize,
		r.auditWriteFailures,
		r.goroutines, r.heapBytes,
	)
	return r
}

// Enabled reports whether the recorder is collecting.
func (r *Recorder) Enabled() bool { return r.enabled }

// RecordHTTPRequest counts one inbound HTTP request.
func (r *Recorder) RecordHTTPRequest(method, path string, status int) {
	if !r.enabled {
		return
	}
	r.httpRequests.WithLabelValues(method, path, httpStatusLabel(status)).Inc()
}

// RecordToolExecution counts one MCP tool execution and observes its latency.
func (r *Recorder) RecordToolExecution(tool, outcome string, duration time.Duration) {
	if !r.enabled {
		return
	}
	r.toolExecutions.WithLabelValues(tool, outcome).Inc()
	r.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordBackendRequest counts one backend request and observes its duration.
// When correlationID is non-empty and within the exemplar length bound it is
// attached as an exemplar so a single request can be traced from the metric
// back to its audit record.
func (r *Recorder) RecordBackendRequest(service, operation, outcome string, duration time.Duration, correlationID string) {
	if !r.enabled {
		return
	}
	counter := r.backendRequests.WithLabelValues(service, operation, outcome)
	observer := r.backendDuration.WithLabelValues(service, operation)
	if correlationID != "" && utf8.RuneCountInString(correlationID) <= maxExemplarCorrelationRunes {
		labels := prometheus.Labels{"correlation_id": correlationID}
		if adder, ok := counter.(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, labels)
		} else {
			counter.Inc()
		}
		if observer, ok := observer.(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), labels)
			return
		}
	} else {
		counter.Inc()
	}
	observer.Observe(duration.Seconds())
}

// RecordCircuitBreakerEvent counts a circuit transition and updates the
// per-service state gauge.
func (r *Recorder) RecordCircuitBreakerEvent(service, state string) {
	if !r.enabled {
		return
	}
	r.breakerEvents.WithLabelValues(service, state).Inc()
	r.breakerState.WithLabelValues(service).Set(breakerStateValue(state))
}

// RecordCacheHit counts one fallback cache hit.
func (r *Recorder) RecordCacheHit() {
	if !r.enabled {
		return
	}
	r.cacheHits.Inc()
}

// RecordCacheMiss counts one fallback cache miss.
func (r *Recorder) RecordCacheMiss() {
	if !r.enabled {
		return
	}
	r.cacheMisses.Inc()
}

// RecordCacheEviction counts one fallback cache eviction.
func (r *Recorder) RecordCacheEviction() {
	if !r.enabled {
		return
	}
	r.cacheEvictions.Inc()
}

// SetCacheSize updates the fallback cache size gauge.
func (r *Recorder) SetCacheSize(n int) {
	if !r.enabled {
		return
	}
	r.cacheSize.Set(float64(n))
}

// RecordAuditWriteFailure counts one failed audit sink write.
func (r *Recorder) RecordAuditWriteFailure() {
	if !r.enabled {
		return
	}
	r.auditWriteFailures.Inc()
}

// RecordSystemMetrics captures process-level gauges. Called periodically.
func (r *Recorder) RecordSystemMetrics() {
	if !r.enabled {
		return
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	r.goroutines.Set(float64(runtime.NumGoroutine()))
	r.heapBytes.Set(float64(ms.HeapAlloc))
}

// Handler serves the Prometheus text exposition for this recorder's registry,
// or the disabled marker when metrics are off.
func (r *Recorder) Handler() http.Handler {
	if !r.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte(DisabledMarker))
		})
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func breakerStateValue(state string) float64 {
	switch state {
	case "OPEN":
		return 1
	case "HALF_OPEN":
		return 2
	default:
		return 0
	}
}

func httpStatusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
