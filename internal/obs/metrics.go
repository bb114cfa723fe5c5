package obs

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MetricsConfig struct {
	PathTopK          int
	RecomputeInterval time.Duration
	FailureWindow     time.Duration
}

type Metrics struct {
	registry         *prometheus.Registry
	topk             *TopK
	networkOutcomes  *rollingCounter
	requests         *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	refreshes        *prometheus.CounterVec
	storeFail        *prometheus.CounterVec
	lifecycle        *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	networkRoundTrip *prometheus.HistogramVec
	workerState      *prometheus.GaugeVec
	activeVersion    *prometheus.GaugeVec
	clients          prometheus.Gauge
	seedRetries      *prometheus.CounterVec
	originUp         prometheus.Gauge
	mu               sync.Mutex
	lastVersion      string
}

var (
	defaultMetricsMu sync.RWMutex
	defaultMetrics   *Metrics
)

func SetDefaultMetrics(metrics *Metrics) {
	defaultMetricsMu.Lock()
	defaultMetrics = metrics
	defaultMetricsMu.Unlock()
}

func DefaultMetrics() *Metrics {
	defaultMetricsMu.RLock()
	defer defaultMetricsMu.RUnlock()
	return defaultMetrics
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_requests_total",
		Help: "Total intercepted requests",
	}, []string{"status_class", "cache_status"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_cache_lookups_total",
		Help: "Total cache lookups",
	}, []string{"path", "status"})

	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_cache_refresh_total",
		Help: "Total network legs by outcome",
	}, []string{"result"})

	storeFail := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_cache_store_fail_total",
		Help: "Total cache write failures",
	}, []string{"version"})

	lifecycle := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_worker_lifecycle_total",
		Help: "Total worker lifecycle transitions",
	}, []string{"phase", "result"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_request_duration_seconds",
		Help:    "Intercepted request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"cache_status"})

	networkRoundTrip := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portfolio_network_roundtrip_seconds",
		Help:    "Network leg duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	workerState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portfolio_worker_state",
		Help: "Worker lifecycle state by version",
	}, []string{"version"})

	activeVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "portfolio_active_version_info",
		Help: "Active store version",
	}, []string{"version"})

	clients := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_clients",
		Help: "Connected clients",
	})

	seedRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_seed_retries_total",
		Help: "Seed fetch retries by reason",
	}, []string{"reason"})

	originUp := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portfolio_origin_up",
		Help: "Whether the origin answered the last probes",
	})

	networkOutcomes := newRollingCounter(cfg.FailureWindow)
	failureRatio := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "portfolio_network_failure_ratio",
		Help: "Share of failed network legs inside the failure window",
	}, networkOutcomes.FailureRatio)

	registry.MustRegister(requests, cacheLookups, refreshes, storeFail, lifecycle, requestDuration, networkRoundTrip, workerState, activeVersion, clients, seedRetries, originUp, failureRatio)

	return &Metrics{
		registry:         registry,
		topk:             NewTopK(cfg.PathTopK, cfg.RecomputeInterval),
		networkOutcomes:  networkOutcomes,
		requests:         requests,
		cacheLookups:     cacheLookups,
		refreshes:        refreshes,
		storeFail:        storeFail,
		lifecycle:        lifecycle,
		requestDuration:  requestDuration,
		networkRoundTrip: networkRoundTrip,
		workerState:      workerState,
		activeVersion:    activeVersion,
		clients:          clients,
		seedRetries:      seedRetries,
		originUp:         originUp,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(cacheStatus string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if cacheStatus == "" {
		cacheStatus = "bypass"
	}
	m.requests.WithLabelValues(statusClass(status), cacheStatus).Inc()
	m.requestDuration.WithLabelValues(cacheStatus).Observe(duration.Seconds())
}

func (m *Metrics) RecordCacheLookup(path string, status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.topk.Observe(path)
	m.cacheLookups.WithLabelValues(m.topk.Canon(path), status).Inc()
}

// RecordRefresh counts a network leg. result is one of stored, not_ok,
// error, unstorable or shared.
func (m *Metrics) RecordRefresh(result string, duration time.Duration) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.refreshes.WithLabelValues(result).Inc()
	m.networkRoundTrip.WithLabelValues(result).Observe(duration.Seconds())
	m.networkOutcomes.Record(result == "error" || result == "not_ok")
}

func (m *Metrics) RecordCacheStoreFail(version string) {
	if m == nil {
		return
	}
	m.storeFail.WithLabelValues(version).Inc()
}

func (m *Metrics) RecordLifecycle(phase string, result string) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(phase, result).Inc()
}

func (m *Metrics) SetWorkerState(version string, state int) {
	if m == nil || version == "" {
		return
	}
	m.workerState.WithLabelValues(version).Set(float64(state))
}

// ForgetWorker drops the state series of a retired version.
func (m *Metrics) ForgetWorker(version string) {
	if m == nil || version == "" {
		return
	}
	m.workerState.DeleteLabelValues(version)
}

func (m *Metrics) SetClients(count int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(count))
}

func (m *Metrics) SetActiveVersion(version string) {
	if m == nil || version == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastVersion != "" {
		m.activeVersion.WithLabelValues(m.lastVersion).Set(0)
	}
	m.activeVersion.WithLabelValues(version).Set(1)
	m.lastVersion = version
}

func (m *Metrics) RecordSeedRetry(reason string) {
	if m == nil {
		return
	}
	m.seedRetries.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetOriginUp(up bool) {
	if m == nil {
		return
	}
	value := 0.0
	if up {
		value = 1
	}
	m.originUp.Set(value)
}

func statusClass(status int) string {
	if status <= 0 {
		return "unknown"
	}
	class := status / 100
	return fmt.Sprintf("%dxx", class)
}
