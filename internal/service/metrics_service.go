package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ottofleet/fleet-api/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for the API and the
// rollout controller.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	rolloutStage    *prometheus.GaugeVec
	rolloutFailRate *prometheus.GaugeVec
	activeRollouts  prometheus.Gauge
	outcomesTotal   *prometheus.CounterVec
	devicesByStatus *prometheus.GaugeVec

	cacheHitCount  uint64
	cacheMissCount uint64
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

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	rolloutStage := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rollout_current_stage",
		Help: "Current stage number per rollout",
	}, []string{"rollout_id", "version"})

	rolloutFailRate := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rollout_failure_rate",
		Help: "Failure rate percentage per rollout",
	}, []string{"rollout_id", "version"})

	activeRollouts := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rollouts_active",
		Help: "Number of rollouts currently in the active state",
	})

	outcomesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollout_outcomes_total",
		Help: "Update outcomes reported by devices",
	}, []string{"outcome"})

	devicesByStatus := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "devices_by_status",
		Help: "Registered devices grouped by status",
	}, []string{"status"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheHitRatio, cacheHits, cacheMisses,
		rolloutStage, rolloutFailRate, activeRollouts, outcomesTotal, devicesByStatus, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheHitRatio:   cacheHitRatio,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		rolloutStage:    rolloutStage,
		rolloutFailRate: rolloutFailRate,
		activeRollouts:  activeRollouts,
		outcomesTotal:   outcomesTotal,
		devicesByStatus: devicesByStatus,
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

// ObserveHTTPRequest records request latency and volume.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	if total := hits + misses; total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveRollout refreshes the per-rollout gauges after a state change.
func (m *MetricsService) ObserveRollout(r *models.Rollout) {
	if m == nil || r == nil {
		return
	}
	m.rolloutStage.WithLabelValues(r.ID, r.Version).Set(float64(r.CurrentStage))
	m.rolloutFailRate.WithLabelValues(r.ID, r.Version).Set(r.FailureRate())
}

// SetActiveRollouts updates the active rollout count.
func (m *MetricsService) SetActiveRollouts(n int) {
	if m == nil {
		return
	}
	m.activeRollouts.Set(float64(n))
}

// RecordOutcome counts a reported device update outcome.
func (m *MetricsService) RecordOutcome(outcome models.OutcomeKind) {
	if m == nil {
		return
	}
	m.outcomesTotal.WithLabelValues(string(outcome)).Inc()
}

// SetDeviceStatusCounts refreshes the fleet status gauges.
func (m *MetricsService) SetDeviceStatusCounts(counts map[string]int) {
	if m == nil {
		return
	}
	for status, count := range counts {
		m.devicesByStatus.WithLabelValues(status).Set(float64(count))
	}
}
