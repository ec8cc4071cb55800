package metrics

import "github.com/prometheus/client_golang/prometheus"

// Result labels used by AcquireCounter and ReleaseCounter.
const (
	ResultAcquired   = "acquired"
	ResultReentrant  = "reentrant"
	ResultWouldBlock = "would_block"
	ResultTimeout    = "timeout"
	ResultRejected   = "rejected"
	ResultReleased   = "released"
	ResultStale      = "stale"
	ResultError      = "error"
)

var (
	// AcquireCounter counts Acquire outcomes by strategy and result.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "distlock_acquire_total",
		Help: "Total number of lock acquisition attempts",
	}, []string{"strategy", "result"})
	// ReleaseCounter counts Release outcomes by strategy and result.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "distlock_release_total",
		Help: "Total number of lock releases",
	}, []string{"strategy", "result"})
	// WaitHistogram observes how long blocking waiters stay parked.
	WaitHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "distlock_wait_seconds",
		Help:    "Time spent waiting for a release signal",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"strategy"})
	// HeldGauge reports locks currently held by this process.
	HeldGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "distlock_held",
		Help: "Current number of locks held by this process",
	}, []string{"strategy"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, WaitHistogram, HeldGauge)
}
