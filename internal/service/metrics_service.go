package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsSnapshot is the aggregated view exposed on the status endpoint.
type MetricsSnapshot struct {
	Pushes                   uint64    `json:"pushes"`
	Pulls                    uint64    `json:"pulls"`
	Conflicts                uint64    `json:"conflicts"`
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}

// MetricsService encapsulates Prometheus instrumentation for the engine
// and the HTTP surface.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	pushDuration    *prometheus.HistogramVec
	pullDuration    *prometheus.HistogramVec
	conflictTotal   *prometheus.CounterVec
	reconnectTotal  prometheus.Counter
	versionGauge    prometheus.Gauge

	pushCount            uint64
	pullCount            uint64
	conflictCount        uint64
	requestCount         uint64
	requestDurationTotal uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	pushDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_push_duration_seconds",
		Help:    "Duration of replication pushes by outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	pullDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_pull_duration_seconds",
		Help:    "Duration of replication pulls by outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	conflictTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_conflicts_total",
		Help: "Conflict resolutions by kind",
	}, []string{"kind"})

	reconnectTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sync_realtime_reconnects_total",
		Help: "Realtime channel reconnect attempts",
	})

	versionGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_local_version",
		Help: "Current local version clock",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, pushDuration, pullDuration, conflictTotal, reconnectTotal, versionGauge, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		pushDuration:    pushDuration,
		pullDuration:    pullDuration,
		conflictTotal:   conflictTotal,
		reconnectTotal:  reconnectTotal,
		versionGauge:    versionGauge,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// PushObserved records one replication push attempt.
func (m *MetricsService) PushObserved(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.pushDuration.WithLabelValues(outcome).Observe(d.Seconds())
	atomic.AddUint64(&m.pushCount, 1)
}

// PullObserved records one replication pull attempt.
func (m *MetricsService) PullObserved(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.pullDuration.WithLabelValues(outcome).Observe(d.Seconds())
	atomic.AddUint64(&m.pullCount, 1)
}

// ConflictDetected counts a conflict resolution by kind.
func (m *MetricsService) ConflictDetected(kind string) {
	if m == nil {
		return
	}
	m.conflictTotal.WithLabelValues(kind).Inc()
	atomic.AddUint64(&m.conflictCount, 1)
}

// RealtimeReconnected counts a realtime channel reconnect attempt.
func (m *MetricsService) RealtimeReconnected() {
	if m == nil {
		return
	}
	m.reconnectTotal.Inc()
}

// VersionGauge tracks the local version clock.
func (m *MetricsService) VersionGauge(v int64) {
	if m == nil {
		return
	}
	m.versionGauge.Set(float64(v))
}

// Snapshot returns aggregated metrics for the status endpoint.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return MetricsSnapshot{
		Pushes:                   atomic.LoadUint64(&m.pushCount),
		Pulls:                    atomic.LoadUint64(&m.pullCount),
		Conflicts:                atomic.LoadUint64(&m.conflictCount),
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
