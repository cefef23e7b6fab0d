package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vfhost_workers",
			Help: "Number of worker handles by pool and state",
		},
		[]string{"pool", "state"},
	)

	QueueWaiters = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vfhost_queue_waiters",
			Help: "Number of jobs waiting for a worker by pool",
		},
		[]string{"pool"},
	)

	WorkerSpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfhost_worker_spawns_total",
			Help: "Total number of worker processes spawned by pool",
		},
		[]string{"pool"},
	)

	WorkerKillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfhost_worker_kills_total",
			Help: "Total number of worker processes killed by pool and reason",
		},
		[]string{"pool", "reason"},
	)

	HandshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vfhost_handshake_duration_seconds",
			Help:    "Time from spawn until the worker handshake arrived",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pool"},
	)

	// Job metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfhost_jobs_total",
			Help: "Total number of jobs by pool and result",
		},
		[]string{"pool", "result"},
	)

	JobRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vfhost_job_retries_total",
			Help: "Total number of job attempts repeated on a fresh worker",
		},
		[]string{"pool"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vfhost_job_duration_seconds",
			Help:    "Job duration in seconds including queueing and retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pool"},
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vfhost_cache_hits_total",
			Help: "Total number of artifact cache hits",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vfhost_cache_misses_total",
			Help: "Total number of artifact cache misses",
		},
	)

	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfhost_cache_entries",
			Help: "Number of artifacts in the cache",
		},
	)

	// Security metrics
	SecurityFeature = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vfhost_security_feature_available",
			Help: "Whether a hardening feature is available (1) or not (0)",
		},
		[]string{"feature"},
	)

	EventsDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfhost_events_dropped",
			Help: "Number of lifecycle events dropped because a queue was full",
		},
	)
)

// Job results recorded in JobsTotal. Execute jobs use the ExecResult value.
const (
	ResultPrepared     = "prepared"
	ResultCompileError = "compile_error"
	ResultCached       = "cached"
	ResultFailed       = "failed"
)

// Kill reasons recorded in WorkerKillsTotal.
const (
	ReasonTimeout   = "timeout"
	ReasonDied      = "died"
	ReasonProtocol  = "protocol"
	ReasonHandshake = "handshake"
	ReasonSecurity  = "security"
	ReasonCancelled = "cancelled"
	ReasonEvicted   = "evicted"
	ReasonShutdown  = "shutdown"
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(QueueWaiters)
	prometheus.MustRegister(WorkerSpawnsTotal)
	prometheus.MustRegister(WorkerKillsTotal)
	prometheus.MustRegister(HandshakeDuration)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobRetriesTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheEntries)
	prometheus.MustRegister(SecurityFeature)
	prometheus.MustRegister(EventsDropped)
}

// SetSecurityFeature records whether a hardening feature is available
func SetSecurityFeature(feature string, available bool) {
	v := 0.0
	if available {
		v = 1
	}
	SecurityFeature.WithLabelValues(feature).Set(v)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
