package dblock

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var waitBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10}

// Metrics holds the lock manager's prometheus collectors.
type Metrics struct {
	Grants      *prometheus.CounterVec
	Waits       *prometheus.CounterVec
	Aborts      *prometheus.CounterVec
	Releases    prometheus.Counter
	WaitSeconds prometheus.Histogram
	Waiters     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockdb",
			Subsystem: "lock",
			Name:      "grants_total",
			Help:      "Lock requests granted, by mode.",
		}, []string{"mode"}),
		Waits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockdb",
			Subsystem: "lock",
			Name:      "waits_total",
			Help:      "Lock requests that had to wait, by mode.",
		}, []string{"mode"}),
		Aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lockdb",
			Subsystem: "lock",
			Name:      "aborts_total",
			Help:      "Lock requests refused, by reason (deadlock, timeout).",
		}, []string{"reason"}),
		Releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lockdb",
			Subsystem: "lock",
			Name:      "releases_total",
			Help:      "Page locks released.",
		}),
		WaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lockdb",
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent blocked on a page lock.",
			Buckets:   waitBuckets,
		}),
		Waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lockdb",
			Subsystem: "lock",
			Name:      "waiters",
			Help:      "Requests currently registered as waiting.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Grants, m.Waits, m.Aborts, m.Releases, m.WaitSeconds, m.Waiters)
	}
	return m
}

func (m *Metrics) observeWait(mode LockMode, start time.Time) {
	m.Waits.WithLabelValues(mode.String()).Inc()
	m.WaitSeconds.Observe(time.Since(start).Seconds())
}
